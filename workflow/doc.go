/*
Package workflow defines workflow templates, runs, items, and run status.

# Workflows

A Workflow is a reusable template: an ordered list of rules, each
binding one form to the workflow. A rule says whether its form is
required and whether it is repeatable (allow multiple). Workflows are
either active or inactive and only active workflows can be run.

# Runs and items

A Run is one instantiation of a workflow, for example for one new hire
or one purchase. Creating a run seeds one Item per rule with a
sequence number of 1. Repeatable rules may gain more items later; each
new item takes the next sequence number for its run and rule. Sequence
numbers are never reused.

Items move from not_started to in_progress when started and end in
either submitted or skipped. Submitted and skipped are the "done"
states. A skipped item always carries a reason.

# Status

A run's status is derived from its items and is never set directly,
with the one exception of cancellation. See Recompute. Cancellation is
terminal: once cancelled a run never changes status again.

Locking a run is advisory. A locked run still allows items to be
started, assigned, skipped, and submitted. It only refuses new
repeat items.
*/
package workflow

// Package cache implements a read-through cache of form and workflow definitions.
package cache

import (
	"context"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"

	c "github.com/patrickmn/go-cache"
)

const (
	pfxForm     = "form:"
	pfxFormKey  = "formkey:"
	pfxWorkflow = "workflow:"
)

// Storage caches catalog reads of an underlying storage.
// Every catalog write flushes the cache, as does any transaction that
// replaced field options.
type Storage struct {
	storage.Storage
	cache *c.Cache
}

// New creates a new caching storage wrapping s.
// Entries expire after ttl.
func New(s storage.Storage, ttl time.Duration) *Storage {
	return &Storage{
		Storage: s,
		cache:   c.New(ttl, 10*time.Minute),
	}
}

func (s *Storage) getForm(k string) (*form.Form, bool) {
	if v, found := s.cache.Get(k); found {
		if f, ok := v.(*form.Form); ok {
			return cloneForm(f), true
		}
	}
	return nil, false
}

func (s *Storage) setForm(f *form.Form) {
	f = cloneForm(f)
	s.cache.SetDefault(pfxForm+f.ID, f)
	s.cache.SetDefault(pfxFormKey+f.Key, f)
}

// RetrieveForm retrieves a form from cache or the underlying storage.
func (s *Storage) RetrieveForm(ctx context.Context, id string) (*form.Form, error) {
	if f, ok := s.getForm(pfxForm + id); ok {
		return f, nil
	}
	f, err := s.Storage.RetrieveForm(ctx, id)
	if err != nil {
		return f, err
	}
	s.setForm(f)
	return f, nil
}

// RetrieveFormByKey retrieves a form from cache or the underlying storage.
func (s *Storage) RetrieveFormByKey(ctx context.Context, formKey string) (*form.Form, error) {
	if f, ok := s.getForm(pfxFormKey + formKey); ok {
		return f, nil
	}
	f, err := s.Storage.RetrieveFormByKey(ctx, formKey)
	if err != nil {
		return f, err
	}
	s.setForm(f)
	return f, nil
}

// RetrieveWorkflow retrieves a workflow from cache or the underlying storage.
func (s *Storage) RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if v, found := s.cache.Get(pfxWorkflow + id); found {
		if w, ok := v.(*workflow.Workflow); ok {
			return cloneWorkflow(w), nil
		}
	}
	w, err := s.Storage.RetrieveWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	s.cache.SetDefault(pfxWorkflow+id, cloneWorkflow(w))
	return w, nil
}

// StoreForm stores f in the underlying storage and flushes the cache.
func (s *Storage) StoreForm(ctx context.Context, f *form.Form) error {
	defer s.cache.Flush()
	return s.Storage.StoreForm(ctx, f)
}

// DeleteField deletes a field in the underlying storage and flushes the cache.
func (s *Storage) DeleteField(ctx context.Context, fieldID string) (bool, error) {
	defer s.cache.Flush()
	return s.Storage.DeleteField(ctx, fieldID)
}

// StoreWorkflow stores w in the underlying storage and flushes the cache.
func (s *Storage) StoreWorkflow(ctx context.Context, w *workflow.Workflow) error {
	defer s.cache.Flush()
	return s.Storage.StoreWorkflow(ctx, w)
}

// Tx calls fn within a transaction of the underlying storage.
// The cache is flushed after the transaction if fn replaced field options.
func (s *Storage) Tx(ctx context.Context, fn storage.TxFunc) error {
	var dirty bool
	err := s.Storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &cacheTx{Tx: tx, dirty: &dirty})
	})
	if dirty {
		s.cache.Flush()
	}
	return err
}

// cacheTx notes when a transaction changes cached definitions.
type cacheTx struct {
	storage.Tx
	dirty *bool
}

func (t *cacheTx) ReplaceFieldOptions(ctx context.Context, fieldID string, opts []form.Option) error {
	*t.dirty = true
	return t.Tx.ReplaceFieldOptions(ctx, fieldID, opts)
}

func cloneForm(f *form.Form) *form.Form {
	cp := *f
	if f.Webhook != nil {
		wh := *f.Webhook
		cp.Webhook = &wh
	}
	cp.Fields = make([]*form.Field, len(f.Fields))
	for i, field := range f.Fields {
		fc := *field
		fc.Options = append([]form.Option(nil), field.Options...)
		cp.Fields[i] = &fc
	}
	return &cp
}

func cloneWorkflow(w *workflow.Workflow) *workflow.Workflow {
	cp := *w
	cp.Rules = make([]*workflow.Rule, len(w.Rules))
	for i, r := range w.Rules {
		rc := *r
		cp.Rules[i] = &rc
	}
	return &cp
}

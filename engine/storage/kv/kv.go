// Package kv implements a form and workflow storage backend using a key-value interface.
package kv

import (
	"context"
	"fmt"
	"sync"

	"github.com/micromdm/nanoform/engine/storage"

	"github.com/micromdm/nanolib/storage/kv"
)

// bucket names
const (
	BucketForm      = "form"
	BucketWorkflow  = "workflow"
	BucketSession   = "session"
	BucketResponse  = "response"
	BucketRun       = "run"
	BucketItem      = "item"
	BucketOptionJob = "optionjob"
	BucketIndex     = "index"
)

// Buckets lists every bucket used by the storage backend.
var Buckets = []string{
	BucketForm,
	BucketWorkflow,
	BucketSession,
	BucketResponse,
	BucketRun,
	BucketItem,
	BucketOptionJob,
	BucketIndex,
}

// buckets is the set of buckets a storage operation works against.
type buckets struct {
	form      kv.CRUDBucket
	workflow  kv.CRUDBucket
	session   kv.CRUDBucket
	response  kv.CRUDBucket
	run       kv.CRUDBucket
	item      kv.CRUDBucket
	optionJob kv.CRUDBucket
	index     kv.CRUDBucket
}

// KV is a form and workflow storage backend using a key-value interface.
// Transactions are serialized: writes made within one are staged and
// only reach the underlying buckets when it commits.
type KV struct {
	mu       sync.RWMutex
	b        *buckets
	sessions kv.KeysTraversingBucket
}

// New creates a new key-value storage backend.
// The newBucket function is called once for each name in Buckets.
func New(newBucket func(name string) kv.Bucket) *KV {
	sessions := newBucket(BucketSession)
	return &KV{
		b: &buckets{
			form:      newBucket(BucketForm),
			workflow:  newBucket(BucketWorkflow),
			session:   sessions,
			response:  newBucket(BucketResponse),
			run:       newBucket(BucketRun),
			item:      newBucket(BucketItem),
			optionJob: newBucket(BucketOptionJob),
			index:     newBucket(BucketIndex),
		},
		sessions: sessions,
	}
}

// view calls fn with the buckets under a read lock.
func (s *KV) view(fn func(b *buckets) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.b)
}

// update calls fn with staged buckets under the write lock.
// Staged writes are committed only if fn returns nil.
func (s *KV) update(ctx context.Context, fn func(b *buckets) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := []*overlay{
		newOverlay(s.b.form),
		newOverlay(s.b.workflow),
		newOverlay(s.b.session),
		newOverlay(s.b.response),
		newOverlay(s.b.run),
		newOverlay(s.b.item),
		newOverlay(s.b.optionJob),
		newOverlay(s.b.index),
	}
	b := &buckets{
		form:      staged[0],
		workflow:  staged[1],
		session:   staged[2],
		response:  staged[3],
		run:       staged[4],
		item:      staged[5],
		optionJob: staged[6],
		index:     staged[7],
	}
	if err := fn(b); err != nil {
		return err
	}
	// commits are not atomic across buckets. a failed write part way
	// through leaves the earlier buckets written. a map-backed bucket
	// never fails a write; a disk-backed one can.
	for _, o := range staged {
		if err := o.commit(ctx); err != nil {
			return fmt.Errorf("committing: %w", err)
		}
	}
	return nil
}

// Tx calls fn within a transaction.
func (s *KV) Tx(ctx context.Context, fn storage.TxFunc) error {
	return s.update(ctx, func(b *buckets) error {
		return fn(ctx, &kvTx{b: b})
	})
}

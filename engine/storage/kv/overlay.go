package kv

import (
	"context"
	"fmt"

	"github.com/micromdm/nanolib/storage/kv"
)

// overlay stages writes and deletes in front of a bucket.
type overlay struct {
	kv.CRUDBucket
	sets map[string][]byte
	dels map[string]struct{}
}

func newOverlay(b kv.CRUDBucket) *overlay {
	return &overlay{
		CRUDBucket: b,
		sets:       make(map[string][]byte),
		dels:       make(map[string]struct{}),
	}
}

func (o *overlay) Get(ctx context.Context, k string) ([]byte, error) {
	if _, ok := o.dels[k]; ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	if v, ok := o.sets[k]; ok {
		return v, nil
	}
	return o.CRUDBucket.Get(ctx, k)
}

func (o *overlay) Set(_ context.Context, k string, v []byte) error {
	delete(o.dels, k)
	o.sets[k] = v
	return nil
}

func (o *overlay) Has(ctx context.Context, k string) (bool, error) {
	if _, ok := o.dels[k]; ok {
		return false, nil
	}
	if _, ok := o.sets[k]; ok {
		return true, nil
	}
	return o.CRUDBucket.Has(ctx, k)
}

func (o *overlay) Delete(_ context.Context, k string) error {
	delete(o.sets, k)
	o.dels[k] = struct{}{}
	return nil
}

// commit writes the staged changes to the underlying bucket.
func (o *overlay) commit(ctx context.Context) error {
	if err := kv.SetMap(ctx, o.CRUDBucket, o.sets); err != nil {
		return err
	}
	dels := make([]string, 0, len(o.dels))
	for k := range o.dels {
		dels = append(dels, k)
	}
	return kv.DeleteSlice(ctx, o.CRUDBucket, dels)
}

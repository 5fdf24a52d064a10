// Package inmem implements a storage backend using the a map-based key-value store.
package inmem

import (
	"github.com/micromdm/nanoform/engine/storage/kv"

	nlkv "github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is an in-memory storage backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(func(string) nlkv.Bucket {
		return kvmap.New()
	})}
}

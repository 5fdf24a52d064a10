package inmem

import (
	"testing"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New() })
}

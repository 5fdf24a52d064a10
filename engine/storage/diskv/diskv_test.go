package diskv

import (
	"testing"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/test"
)

func TestDiskvStorage(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New(t.TempDir()) })
}

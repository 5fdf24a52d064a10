package mysql

import (
	"os"
	"testing"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOFORM_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOFORM_MYSQL_STORAGE_TEST_DSN not set")
	}

	// the DSN must include parseTime=true and the schema must be loaded
	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	test.TestStorage(t, func() storage.Storage { return s })
}

package main

import (
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/cache"
	"github.com/micromdm/nanoform/engine/storage/diskv"
	"github.com/micromdm/nanoform/engine/storage/inmem"
	"github.com/micromdm/nanoform/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(name, dsn string, cacheTTL time.Duration) (storage.Storage, error) {
	var s storage.Storage
	switch name {
	case "inmem":
		s = inmem.New()
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		s = diskv.New(dsn)
	case "mysql":
		var err error
		s, err = mysql.New(mysql.WithDSN(dsn))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage: %s", name)
	}
	if cacheTTL > 0 {
		s = cache.New(s, cacheTTL)
	}
	return s, nil
}

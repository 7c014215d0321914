// Package dbtest opens throwaway SQLite databases with the service schema for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open creates a migrated SQLite database under t.TempDir and installs it as
// the global handle. The pool is pinned to one connection, so code under test
// must not touch the outer handle while a transaction is open.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "po_layers.db")
	db, err := config.OpenDatabase(sqlite.Open(path + "?_busy_timeout=5000&_foreign_keys=on"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	return db
}

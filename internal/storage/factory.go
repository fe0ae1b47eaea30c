// internal/storage/factory.go
package storage

import (
	"fmt"

	"github.com/lapsync/engine/internal/config"
	gormstorage "github.com/lapsync/engine/internal/storage/gorm"
	"github.com/lapsync/engine/internal/storage/memory"
	"github.com/rs/zerolog"
)

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory", "":
		return memory.New(cfg.Memory), nil
	case "sqlite":
		return gormstorage.New(gormstorage.Config{Dialect: gormstorage.DialectSQLite, SQLitePath: cfg.SQLite.Path}, log), nil
	case "postgres":
		return gormstorage.New(gormstorage.Config{Dialect: gormstorage.DialectPostgres, DB: cfg.DB}, log), nil
	case "mysql":
		return gormstorage.New(gormstorage.Config{Dialect: gormstorage.DialectMySQL, DB: cfg.DB}, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Package gormstorage implements the storage.Backend interface on GORM. SQLite (pure Go,
// via glebarez), PostgreSQL and MySQL share one schema: a split_reports table whose rows
// column holds the formatted report as JSON.
package gormstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/pkg/core"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect selects the SQL driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ErrNotInitialized is returned by reads and writes before Init succeeds.
var ErrNotInitialized = errors.New("gorm storage not initialized")

// Config holds configuration for the GORM storage backend.
type Config struct {
	Dialect    Dialect
	SQLitePath string // empty means an in-memory database
	DB         config.DBConfig
}

// reportRecord is the persisted form of core.SplitReport.
type reportRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:128"`
	Stream    uint8
	Rows      datatypes.JSON
	CreatedAt time.Time `gorm:"index"`
}

func (reportRecord) TableName() string {
	return "split_reports"
}

// Backend implements storage.Backend using GORM.
type Backend struct {
	cfg Config
	log zerolog.Logger
	db  *gorm.DB
}

// New creates a new GORM storage backend. No connection is made until Init.
func New(cfg Config, log zerolog.Logger) *Backend {
	return &Backend{
		cfg: cfg,
		log: log.With().Str("component", "storage").Str("dialect", string(cfg.Dialect)).Logger(),
	}
}

// Init connects and migrates the schema.
func (b *Backend) Init(ctx context.Context) error {
	db, err := b.open()
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", b.cfg.Dialect, err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&reportRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	b.db = db
	b.log.Info().Msg("Report storage ready")
	return nil
}

func (b *Backend) open() (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}

	switch b.cfg.Dialect {
	case DialectSQLite:
		dsn := b.cfg.SQLitePath
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL;",
			"PRAGMA synchronous = NORMAL;",
		} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error setting PRAGMA: %s", err)
			}
		}
		b.log.Debug().Str("path", dsn).Msg("Using SQLite report database")
		return db, nil

	case DialectPostgres:
		c := b.cfg.DB
		dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
			c.Host, c.Port, c.Username, c.Password, c.Database)
		b.log.Debug().Str("host", c.Host).Str("database", c.Database).Msg("Connecting to Postgres")
		return gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), gormCfg)

	case DialectMySQL:
		c := b.cfg.DB
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.Database)
		b.log.Debug().Str("host", c.Host).Str("database", c.Database).Msg("Connecting to MySQL")
		return gorm.Open(mysql.Open(dsn), gormCfg)

	default:
		return nil, fmt.Errorf("unknown dialect: %q", b.cfg.Dialect)
	}
}

// Close releases the connection pool.
func (b *Backend) Close(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	b.db = nil
	return sqlDB.Close()
}

// SaveReport inserts one report row.
func (b *Backend) SaveReport(ctx context.Context, r *core.SplitReport) error {
	if b.db == nil {
		return ErrNotInitialized
	}
	if r.ID == "" {
		return core.ErrMissingReportID
	}
	rows, err := json.Marshal(r.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode report rows: %w", err)
	}
	rec := reportRecord{
		ID:        r.ID,
		SessionID: r.SessionID,
		Stream:    uint8(r.Stream),
		Rows:      datatypes.JSON(rows),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save report %s: %w", r.ID, err)
	}
	b.log.Debug().Str("report", r.ID).Str("session", r.SessionID).Int("laps", len(r.Rows)).Msg("Report saved")
	return nil
}

// ListReports returns the session's reports ordered by creation time.
func (b *Backend) ListReports(ctx context.Context, sessionID string) ([]core.SplitReport, error) {
	if b.db == nil {
		return nil, ErrNotInitialized
	}
	var recs []reportRecord
	err := b.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	out := make([]core.SplitReport, 0, len(recs))
	for _, rec := range recs {
		var rows []core.ReportRow
		if len(rec.Rows) > 0 {
			if err := json.Unmarshal(rec.Rows, &rows); err != nil {
				return nil, fmt.Errorf("failed to decode report %s: %w", rec.ID, err)
			}
		}
		out = append(out, core.SplitReport{
			ID:        rec.ID,
			SessionID: rec.SessionID,
			Stream:    core.StreamID(rec.Stream),
			Rows:      rows,
			CreatedAt: rec.CreatedAt.UTC(),
		})
	}
	return out, nil
}

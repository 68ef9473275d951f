// Package metastore persists jobs, workflow step records, sync runs, vector
// relations and raw source documents in a relational database via GORM.
package metastore

import (
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Config selects the database driver and connection string.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN string
	// Debug logs every SQL statement.
	Debug bool
}

// Store is the relational metadata store.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates all tables.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "vecsync.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("metastore: postgres requires a DSN")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("metastore: unsupported driver %q", cfg.Driver)
	}

	level := gormlogger.Silent
	if cfg.Debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return New(db)
}

// New wraps an existing handle and migrates all tables.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("metastore: database handle is required")
	}
	if err := db.AutoMigrate(
		&JobRecord{},
		&StepRecord{},
		&SyncRunRecord{},
		&RelationRecord{},
		&DocumentRecord{},
		&BlockRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Debug("metastore ready", "dialect", db.Dialector.Name())
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

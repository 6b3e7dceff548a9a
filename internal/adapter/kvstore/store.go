// Package kvstore is the durable mirror behind the registry: one row per
// canonical key holding the entity's JSON document.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/config"
	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/registry"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// entry is a registry_entries row.
type entry struct {
	Key       string         `gorm:"type:varchar(32);primaryKey"`
	Kind      string         `gorm:"type:varchar(16);not null;index"`
	Active    bool           `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime:false"`
}

// TableName specifies the table name for GORM
func (entry) TableName() string {
	return "registry_entries"
}

// Open connects to the configured database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case config.StorePostgres:
		dialector = postgres.Open(dsn)
	case config.StoreSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	if driver == config.StoreSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get database instance: %w", err)
		}
		// SQLite allows one writer; an in-memory database exists per connection.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store implements registry.Mirror on a gorm database.
type Store struct {
	db *gorm.DB
}

// New wraps an open database. Call Migrate before first use.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the registry_entries table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&entry{}); err != nil {
		return fmt.Errorf("migrate registry_entries: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (registry.Record, bool, error) {
	var e entry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return registry.Record{}, false, nil
	}
	if err != nil {
		return registry.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	return toRecord(e), true, nil
}

// Set writes the record, replacing any row with the same key.
func (s *Store) Set(ctx context.Context, rec registry.Record) error {
	e := entry{
		Key:       rec.Key,
		Kind:      string(rec.Kind),
		Active:    rec.Active,
		Payload:   datatypes.JSON(rec.Payload),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&e).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", rec.Key, err)
	}
	return nil
}

// List returns every row in key order.
func (s *Store) List(ctx context.Context) ([]registry.Record, error) {
	var rows []entry
	if err := s.db.WithContext(ctx).Order("key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	out := make([]registry.Record, len(rows))
	for i, e := range rows {
		out[i] = toRecord(e)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(e entry) registry.Record {
	return registry.Record{
		Key:       e.Key,
		Kind:      domain.Kind(e.Kind),
		Active:    e.Active,
		Payload:   []byte(e.Payload),
		UpdatedAt: e.UpdatedAt.UTC(),
	}
}

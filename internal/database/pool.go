package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"task-scheduler/backend/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type PoolConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectRetries  int
	LogLevel        logger.LogLevel
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Driver:          DriverSQLite,
		DSN:             "data/astro_demo.db",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
		ConnectRetries:  5,
		LogLevel:        logger.Warn,
	}
}

func PoolConfigFrom(cfg *config.Config) *PoolConfig {
	pc := &PoolConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.GetDatabaseDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectRetries:  cfg.Database.ConnectRetries,
		LogLevel:        logger.Warn,
	}
	if cfg.Log.Level == "debug" {
		pc.LogLevel = logger.Info
	}
	return pc
}

func (c *PoolConfig) validate() error {
	if c.DSN == "" {
		return errors.New("database DSN is required")
	}
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 || c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("pool limits must not be negative")
	}
	return nil
}

// Store owns the database handle. All data access goes through its
// primitives so that failures are logged and reported uniformly.
type Store struct {
	db     *gorm.DB
	config *PoolConfig
	log    *zap.Logger
}

// Open connects to the configured database, retrying with exponential backoff
// while the server is unreachable. SQLite always runs on a single shared
// connection so that writers serialise and in-memory databases survive.
func Open(ctx context.Context, cfg *PoolConfig, log *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Driver == DriverSQLite && !isMemoryDSN(cfg.DSN) {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger:         newGormLogger(log, cfg.LogLevel),
		TranslateError: true,
	}

	tries := cfg.ConnectRetries
	if tries < 1 {
		tries = 1
	}

	db, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		return gorm.Open(dialector(cfg), gormConfig)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("database connection failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		if !isMemoryDSN(cfg.DSN) {
			if err := db.WithContext(ctx).Exec("PRAGMA journal_mode = WAL").Error; err != nil {
				return nil, fmt.Errorf("failed to enable WAL: %w", err)
			}
		}
	}

	log.Info("database connection established",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", sqlDB.Stats().MaxOpenConnections),
	)

	return &Store{db: db, config: cfg, log: log}, nil
}

// OpenInMemory returns a migrated SQLite store that lives for as long as the
// returned Store is open.
func OpenInMemory(ctx context.Context, log *zap.Logger) (*Store, error) {
	cfg := DefaultPoolConfig()
	cfg.DSN = ":memory:"
	cfg.ConnectRetries = 1
	cfg.LogLevel = logger.Silent

	store, err := Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func dialector(cfg *PoolConfig) gorm.Dialector {
	if cfg.Driver == DriverPostgres {
		return postgres.Open(cfg.DSN)
	}
	return sqlite.Open(sqliteDSN(cfg.DSN))
}

// sqliteDSN turns on foreign keys through the DSN so that every connection
// the pool opens enforces them, not only the first.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func (s *Store) Driver() string {
	if s.config == nil {
		return ""
	}
	return s.config.Driver
}

func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not initialized")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

func (s *Store) Stats() map[string]interface{} {
	if s.db == nil {
		return map[string]interface{}{"error": "database not initialized"}
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"driver":               s.Driver(),
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration.String(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	if err := sqlDB.Close(); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Info("database connection closed")
	}
	return nil
}

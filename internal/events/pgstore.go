package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig configures a Postgres/CockroachDB-backed Store,
// grounded on the teacher's CockroachConfig: used for multi-tenant or
// shared deployments rather than the embedded single-user default.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible defaults for a local CockroachDB
// instance.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "conductor",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// OpenPostgres opens a Postgres/CockroachDB-backed Store.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)
	return OpenPostgresDSN(ctx, dsn, cfg)
}

// OpenPostgresDSN opens a Postgres/CockroachDB-backed Store from a raw DSN.
func OpenPostgresDSN(ctx context.Context, dsn string, cfg PostgresConfig) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("events: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: ping postgres: %w", err)
	}

	s := &sqlStore{db: db, ph: dollarPlaceholder, hub: newHub(), mu: make(chan struct{}, 1)}
	if err := s.migrate(ctx, postgresSchemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

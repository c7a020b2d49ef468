// Copyright 2024-2026 Aiku AI

// Package cache is the local relational store of rooms, users and
// memberships observed on the homeserver. It is mutated only by the sync
// engine; the bridge adapter and messaging coordinator read from it for
// addressing, recommendation and moderation decisions.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

//go:embed *.sql
var rawUpgrades embed.FS

var upgradeTable dbutil.UpgradeTable

func init() {
	upgradeTable.RegisterFS(rawUpgrades)
}

// Store wraps the cache database.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the cache database at path with WAL mode and runs
// pending schema upgrades.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	rawDB, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	if err = rawDB.Ping(); err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to ping cache db: %w", err)
	}
	return NewWithDB(ctx, rawDB, log)
}

// NewWithDB wraps an existing SQLite connection. Used by New and by tests
// running on in-memory databases.
func NewWithDB(ctx context.Context, rawDB *sql.DB, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap cache db: %w", err)
	}
	storeLog := log.With().Str("component", "cache").Logger()
	db.Log = dbutil.ZeroLogger(storeLog)
	db.UpgradeTable = upgradeTable
	db.VersionTable = "cache_version"
	if err = db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade cache schema: %w", err)
	}
	return &Store{db: db, log: storeLog}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

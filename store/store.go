// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

// Package store persists earmarks, rebalance operations, swap operations and
// transactions in Postgres. Domain structs carry the external field names;
// the snake_case mapping lives only in the db tags and SQL here, never in
// business logic.
package store

import (
	"context"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configure the connection pool. TLS is driven entirely by the URL
// (sslmode, sslrootcert); lib/pq handles it.
type Options struct {
	URL             string
	MaxConnections  int
	IdleTimeout     time.Duration
	ConnectTimeout  time.Duration
	RunMigrations   bool
}

func (o *Options) defaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 40
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
}

// Store wraps the Postgres pool with the entity contracts of the agent.
type Store struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

var (
	initMu sync.Mutex
	shared *Store
)

// Initialize opens the process-wide pool. It is idempotent: a second call
// returns the pool created by the first.
func Initialize(ctx context.Context, opts Options, log *zap.SugaredLogger) (*Store, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	s, err := Connect(ctx, opts, log)
	if err != nil {
		return nil, err
	}
	shared = s
	return shared, nil
}

// Shared returns the pool opened by Initialize.
func Shared() (*Store, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if shared == nil {
		return nil, ErrNotInitialized
	}
	return shared, nil
}

// Connect opens a standalone pool. Most callers want Initialize instead.
func Connect(ctx context.Context, opts Options, log *zap.SugaredLogger) (*Store, error) {
	opts.defaults()

	db, err := sqlx.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)
	db.SetMaxIdleConns(opts.MaxConnections)
	db.SetConnMaxIdleTime(opts.IdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: log}
	if opts.RunMigrations {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// ConnectWithRetry retries Connect up to attempts times, sleeping delay
// between tries, and surfaces the last error when all attempts fail.
func ConnectWithRetry(ctx context.Context, opts Options, log *zap.SugaredLogger, attempts int, delay time.Duration) (*Store, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		s, err := Connect(ctx, opts, log)
		if err == nil {
			return s, nil
		}
		lastErr = err
		log.Warnw("database connect failed", "attempt", i+1, "attempts", attempts, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", attempts, lastErr)
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Health is the result of a liveness probe against the pool.
type Health struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckHealth runs a trivial query and reports its round trip.
func (s *Store) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1`)
	h := Health{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// GracefulShutdown closes the pool, escalating to forced termination when the
// close does not finish within timeout.
func (s *Store) GracefulShutdown(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()
	select {
	case err := <-done:
		initMu.Lock()
		if shared == s {
			shared = nil
		}
		initMu.Unlock()
		return err
	case <-time.After(timeout):
		s.log.Warnw("database close timed out, terminating pool", "timeout", timeout)
		initMu.Lock()
		if shared == s {
			shared = nil
		}
		initMu.Unlock()
		return fmt.Errorf("database close timed out after %s", timeout)
	}
}

// inTx runs fn inside a transaction, rolling back on any error or panic.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func now() time.Time { return time.Now().UTC() }

// Package store persists traces, runs, requests and per-cache outcomes in SQLite.
//
// The store is shared with the out-of-process reconciler, which the proxy
// invokes while a request is in flight. Callers that block on the network
// must run inside WithReleased so the reconciler can take the database.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	driverName = "sqlite"
	memoryDSN  = "file::memory:?cache=shared"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReleased is returned when the store is used while released.
	ErrReleased = errors.New("store connection is released")
)

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS Traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		Name TEXT NOT NULL,
		Last_Update INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS Trace_Entry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		URL TEXT NOT NULL,
		Trace_ID INTEGER NOT NULL REFERENCES Traces (id)
	)`,
	"CREATE INDEX IF NOT EXISTS trace_entry_trace_idx ON Trace_Entry (Trace_ID)",
	`CREATE TABLE IF NOT EXISTS Keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		URL TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS Runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		Name TEXT NOT NULL,
		Start_Time INTEGER NOT NULL,
		End_Time INTEGER NOT NULL,
		Trace_ID INTEGER NOT NULL,
		salsa_v INTEGER NOT NULL DEFAULT 0,
		miss_penalty REAL NOT NULL DEFAULT 0,
		Total_Cost REAL
	)`,
	`CREATE TABLE IF NOT EXISTS Caches (
		Run_ID INTEGER NOT NULL,
		Name TEXT NOT NULL,
		Access_Cost REAL NOT NULL,
		PRIMARY KEY (Run_ID, Name)
	)`,
	`CREATE TABLE IF NOT EXISTS Requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		Time INTEGER NOT NULL,
		URL TEXT NOT NULL,
		Run_ID INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER,
		download_bytes INTEGER,
		Token TEXT
	)`,
	"CREATE INDEX IF NOT EXISTS requests_url_idx ON Requests (URL)",
	"CREATE INDEX IF NOT EXISTS requests_token_idx ON Requests (Token)",
	"CREATE INDEX IF NOT EXISTS requests_run_idx ON Requests (Run_ID)",
	`CREATE TABLE IF NOT EXISTS CacheReq (
		req_id INTEGER NOT NULL REFERENCES Requests (id),
		cache_name TEXT NOT NULL,
		indication INTEGER NOT NULL,
		accessed INTEGER NOT NULL,
		resolution INTEGER NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS cachereq_req_idx ON CacheReq (req_id)",
}

// Store is the SQLite-backed persistent store.
type Store struct {
	dsn    string
	memory bool
	mutex  *sync.Mutex
	db     *sqlx.DB
	log    zerolog.Logger
}

// Open opens (and migrates) the database with the given filename.
// If filename is empty or "memory", a shared in-memory database is used.
func Open(filename string, logger *zerolog.Logger) (*Store, error) {
	var l zerolog.Logger
	if logger == nil {
		l = log.Logger
	} else {
		l = *logger
	}
	s := &Store{
		dsn:   filename,
		mutex: &sync.Mutex{},
		log:   l.With().Str("component", "store").Logger(),
	}
	if filename == "" || filename == "memory" {
		s.dsn = memoryDSN
		s.memory = true
	}
	db, err := s.connect()
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}
	s.db = db
	return s, nil
}

func (s *Store) connect() (*sqlx.DB, error) {
	db, err := sqlx.Connect(driverName, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", s.dsn, err)
	}
	// a single connection: the store is only ever used sequentially
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// handle returns the open connection, or ErrReleased.
func (s *Store) handle() (*sqlx.DB, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil, ErrReleased
	}
	return s.db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// WithReleased closes the connection, calls fn, and reconnects.
// Reconnection happens on every exit path of fn, including panics.
// A shared in-memory database cannot be closed without losing its data,
// so for those fn is called with the connection kept open.
func (s *Store) WithReleased(fn func() error) (err error) {
	if s.memory {
		return fn()
	}
	if err := s.release(); err != nil {
		return err
	}
	defer func() {
		if rerr := s.reacquire(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (s *Store) release() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return ErrReleased
	}
	err := s.db.Close()
	s.db = nil
	s.log.Trace().Msg("Released database")
	return err
}

func (s *Store) reacquire() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.connect()
	if err != nil {
		return err
	}
	s.db = db
	s.log.Trace().Msg("Reacquired database")
	return nil
}

// Released reports whether the connection is currently released.
func (s *Store) Released() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db == nil
}

// inTx runs fn in a transaction, rolling back if fn fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

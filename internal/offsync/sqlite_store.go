package offsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteStore keeps the queue blob in an embedded database file, the mobile
// and desktop platform backing. modernc.org/sqlite keeps the build cgo-free.
type SQLiteStore struct {
	path     string
	stateKey string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path, stateKey: "default"}, nil
}

func (s *SQLiteStore) Load() ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM offsync_state WHERE state_key = ?", s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLiteStore) Save(data []byte) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offsync_state (state_key, snapshot, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		s.stateKey, string(data))
	return err
}

func (s *SQLiteStore) Clear() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM offsync_state WHERE state_key = ?", s.stateKey)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		// The blob is written whole under the engine lock; one connection
		// avoids SQLITE_BUSY churn from the driver's pool.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS offsync_state (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

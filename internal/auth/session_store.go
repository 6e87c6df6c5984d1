package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/foldersync/foldersync/internal/db"
	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/db/repositories"
	"github.com/jmoiron/sqlx"
)

// ErrStoreClosed is returned by Lookup after Close and before Reopen.
var ErrStoreClosed = errors.New("session store is closed")

// Opener produces a fresh connection pool for the session store.
type Opener func() (*sqlx.DB, error)

// SessionStore owns a read-only connection to the session database. Its
// lifecycle is explicit: Close releases the pool and fails every later lookup
// until Reopen is called.
type SessionStore struct {
	open Opener
	now  func() time.Time

	mu       sync.RWMutex
	conn     *sqlx.DB
	sessions *repositories.SessionRepository
}

// NewSessionStore opens the store with open.
func NewSessionStore(open Opener) (*SessionStore, error) {
	s := &SessionStore{open: open, now: time.Now}
	if err := s.Reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSessionStore connects to PostgreSQL with its own small pool, separate
// from the pool used by the REST handlers.
func OpenSessionStore(dsn string, maxConnections int) (*SessionStore, error) {
	return NewSessionStore(func() (*sqlx.DB, error) {
		conn, err := db.Connect(dsn, maxConnections, 1)
		if err != nil {
			return nil, err
		}
		return db.Wrap(conn), nil
	})
}

// Lookup returns the active session for token, or (nil, nil) when the token
// is unknown or expired. Close waits for in-flight lookups.
func (s *SessionStore) Lookup(ctx context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conn == nil {
		return nil, ErrStoreClosed
	}
	return s.sessions.GetActive(ctx, token, s.now())
}

// Close releases the connection pool. Closing a closed store is a no-op.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.sessions = nil
	if err != nil {
		return fmt.Errorf("closing session store: %w", err)
	}
	return nil
}

// Reopen replaces the current pool with a fresh one from the Opener.
func (s *SessionStore) Reopen() error {
	conn, err := s.open()
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.sessions = repositories.NewSessionRepository(conn)
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Closed reports whether the store currently has no open pool.
func (s *SessionStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == nil
}

// Package session implements the Session entity from the data model: a
// persistence scope for prior conversation turns, keyed by session-id, with
// either an in-memory or file-backed store underneath.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Policy mirrors agent.SessionPolicy without importing pkg/agent, keeping
// session a leaf package with no dependency on the orchestration model.
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyInMemory   Policy = "in-memory"
	PolicyFileBacked Policy = "file-backed"
)

// Message is one turn recorded against a session.
type Message struct {
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// ErrClosed is returned by any operation on a Handle after Close.
var ErrClosed = errors.New("session: handle closed")

// Handle is a live, reference-counted session. It satisfies
// agent.SessionHandle (ID() string) without depending on that package.
type Handle struct {
	id    string
	store store

	mu     sync.Mutex // single-writer discipline per session handle
	closed bool
}

func (h *Handle) ID() string { return h.id }

// Append records one turn. Writes for one session-id are serialized by h.mu.
func (h *Handle) Append(ctx context.Context, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.store.append(ctx, h.id, role, content)
}

// History returns the recorded turns in append order.
func (h *Handle) History(ctx context.Context) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return h.store.history(ctx, h.id)
}

// Close releases the underlying store handle. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.store.close()
}

// store is the storage backend a Handle delegates to.
type store interface {
	append(ctx context.Context, sessionID, role, content string) error
	history(ctx context.Context, sessionID string) ([]Message, error)
	close() error
}

// NewInMemory opens an in-memory session handle. Process-local; discarded
// on restart.
func NewInMemory(id string) *Handle {
	return &Handle{id: id, store: &memoryStore{}}
}

// memoryStore keeps one session's turns in a slice. Handles created by
// NewInMemory each own a private memoryStore instance, so no key-based
// lookup is needed here — deduplication by session-id happens one layer up,
// in the factory's cache (pkg/expert).
type memoryStore struct {
	mu       sync.Mutex
	messages []Message
	seq      int64
}

func (s *memoryStore) append(_ context.Context, _, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.messages = append(s.messages, Message{Seq: s.seq, Role: role, Content: content, CreatedAt: time.Now()})
	return nil
}

func (s *memoryStore) history(_ context.Context, _ string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *memoryStore) close() error { return nil }

// NewFileBacked opens (creating if necessary) a SQL-backed session store at
// path and returns a handle scoped to id. path is a sqlite file path by
// default; a "postgres://" or "mysql://" DSN selects that dialect instead,
// matching the teacher's multi-dialect session store.
func NewFileBacked(ctx context.Context, path, id string) (*Handle, error) {
	if driver, _ := dialectFor(path); driver == "sqlite3" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("session: create store directory %q: %w", dir, err)
			}
		}
	}
	st, err := openSQLStore(path)
	if err != nil {
		return nil, fmt.Errorf("session: open file-backed store %q: %w", path, err)
	}
	if err := st.ensureSchema(ctx); err != nil {
		st.close()
		return nil, fmt.Errorf("session: ensure schema: %w", err)
	}
	return &Handle{id: id, store: st}, nil
}

type sqlStore struct {
	db      *sql.DB
	dialect string
}

func dialectFor(path string) (driver string, dsn string) {
	switch {
	case strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://"):
		return "postgres", path
	case strings.HasPrefix(path, "mysql://"):
		return "mysql", strings.TrimPrefix(path, "mysql://")
	default:
		return "sqlite3", path
	}
}

func openSQLStore(path string) (*sqlStore, error) {
	driver, dsn := dialectFor(path)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlStore{db: db, dialect: driver}, nil
}

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	autoincrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == "postgres" {
		autoincrement = "SERIAL PRIMARY KEY"
	} else if s.dialect == "mysql" {
		autoincrement = "INTEGER PRIMARY KEY AUTO_INCREMENT"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS session_messages (
	seq %s,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`, autoincrement))
	return err
}

func (s *sqlStore) append(ctx context.Context, sessionID, role, content string) error {
	placeholder := "?"
	if s.dialect == "postgres" {
		placeholder = "$1"
	}
	query := fmt.Sprintf(
		"INSERT INTO session_messages (session_id, role, content, created_at) VALUES (%s, %s, %s, %s)",
		ph(placeholder, s.dialect, 1), ph(placeholder, s.dialect, 2), ph(placeholder, s.dialect, 3), ph(placeholder, s.dialect, 4))
	_, err := s.db.ExecContext(ctx, query, sessionID, role, content, time.Now())
	return err
}

// ph renders the Nth positional placeholder for the dialect; sqlite/mysql
// use "?" throughout, postgres numbers them.
func ph(base, dialect string, n int) string {
	if dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return base
}

func (s *sqlStore) history(ctx context.Context, sessionID string) ([]Message, error) {
	query := "SELECT seq, role, content, created_at FROM session_messages WHERE session_id = " + ph("?", s.dialect, 1) + " ORDER BY seq ASC"
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) close() error { return s.db.Close() }

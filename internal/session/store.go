package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// ErrSessionNotFound is returned by SessionStore.Load when no session is
// stored under the given id.
var ErrSessionNotFound = errors.New("session: not found")

// SessionStore persists session state (history, playbook cursor,
// reconnect token) so a session survives process restarts and can be
// resumed after a transport drop within its reconnection grace window.
type SessionStore interface {
	Save(ctx context.Context, sess *types.Session) error
	Load(ctx context.Context, id string) (*types.Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process SessionStore backed by a map. Sessions do
// not survive process restarts; use PostgresStore for durability.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]types.Session)}
}

// Save stores a copy of sess, overwriting any prior entry with the same ID.
func (m *MemoryStore) Save(_ context.Context, sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	cp.History = append([]types.Message(nil), sess.History...)
	m.sessions[sess.ID] = cp
	return nil
}

// Load returns a copy of the stored session, or ErrSessionNotFound.
func (m *MemoryStore) Load(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	cp := sess
	cp.History = append([]types.Message(nil), sess.History...)
	return &cp, nil
}

// Delete removes the stored session, if any. Deleting an absent id is not
// an error.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

var _ SessionStore = (*MemoryStore)(nil)

// PostgresStore is a SessionStore backed by a sessions table, generalizing
// the teacher's session_entries persistence layer from per-utterance rows
// to one row per session holding the full serialised state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a PostgresStore using pool. Call [EnsureSchema]
// once at startup to create the backing table if it does not exist.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the sessions table and its index on updated_at if
// they do not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			state            SMALLINT NOT NULL,
			reconnect_token  TEXT NOT NULL DEFAULT '',
			history_limit    INTEGER NOT NULL DEFAULT 0,
			history          JSONB NOT NULL DEFAULT '[]',
			playbook         JSONB,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			detached_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS sessions_updated_at_idx ON sessions (updated_at);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("session store: ensure schema: %w", err)
	}
	return nil
}

// Save upserts sess, serialising History and Playbook as JSONB.
func (s *PostgresStore) Save(ctx context.Context, sess *types.Session) error {
	history, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("session store: marshal history: %w", err)
	}
	var playbook []byte
	if sess.Playbook != nil {
		playbook, err = json.Marshal(sess.Playbook)
		if err != nil {
			return fmt.Errorf("session store: marshal playbook state: %w", err)
		}
	}

	const q = `
		INSERT INTO sessions (id, state, reconnect_token, history_limit, history, playbook, created_at, updated_at, detached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			reconnect_token = EXCLUDED.reconnect_token,
			history_limit = EXCLUDED.history_limit,
			history = EXCLUDED.history,
			playbook = EXCLUDED.playbook,
			updated_at = EXCLUDED.updated_at,
			detached_at = EXCLUDED.detached_at`

	_, err = s.pool.Exec(ctx, q,
		sess.ID, int(sess.State), sess.ReconnectToken, sess.HistoryLimit,
		history, nullableJSON(playbook), sess.CreatedAt, sess.UpdatedAt, nullableTime(sess.DetachedAt),
	)
	if err != nil {
		return fmt.Errorf("session store: save %q: %w", sess.ID, err)
	}
	return nil
}

// Load fetches and deserialises the session stored under id.
func (s *PostgresStore) Load(ctx context.Context, id string) (*types.Session, error) {
	const q = `
		SELECT id, state, reconnect_token, history_limit, history, playbook, created_at, updated_at, detached_at
		FROM sessions WHERE id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	var (
		sess         types.Session
		state        int
		history      []byte
		playbook     []byte
		detachedAt   *time.Time
	)
	if err := row.Scan(&sess.ID, &state, &sess.ReconnectToken, &sess.HistoryLimit, &history, &playbook, &sess.CreatedAt, &sess.UpdatedAt, &detachedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("session store: load %q: %w", id, err)
	}
	sess.State = types.SessionState(state)
	if detachedAt != nil {
		sess.DetachedAt = *detachedAt
	}
	if err := json.Unmarshal(history, &sess.History); err != nil {
		return nil, fmt.Errorf("session store: unmarshal history: %w", err)
	}
	if len(playbook) > 0 {
		var ps types.PlaybookState
		if err := json.Unmarshal(playbook, &ps); err != nil {
			return nil, fmt.Errorf("session store: unmarshal playbook state: %w", err)
		}
		sess.Playbook = &ps
	}
	return &sess, nil
}

// Delete removes the row for id, if present.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session store: delete %q: %w", id, err)
	}
	return nil
}

var _ SessionStore = (*PostgresStore)(nil)

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

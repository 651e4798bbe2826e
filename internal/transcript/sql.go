package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskd/deskd/internal/db"
	"github.com/deskd/deskd/internal/db/dialect"
)

const defaultListLimit = 200

// SQLStore implements Store over a db.Pool. One implementation covers both
// drivers; the schema DDL is the only dialect branch, everything else goes
// through Rebind.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the schema and returns a store backed by pool.
// The pool remains owned by the caller until the store's Close.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize transcript schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()

	entries := `
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		monitor_id TEXT DEFAULT '',
		role TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT DEFAULT '',
		payload TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`
	threads := `
	CREATE TABLE IF NOT EXISTS agent_threads (
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, role)
	);`
	if dialect.IsPostgres(w.DriverName()) {
		entries = `
		CREATE TABLE IF NOT EXISTS transcript_entries (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			monitor_id TEXT DEFAULT '',
			role TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT DEFAULT '',
			payload TEXT DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);`
		threads = `
		CREATE TABLE IF NOT EXISTS agent_threads (
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, role)
		);`
	}

	for _, stmt := range []string{
		entries,
		threads,
		`CREATE INDEX IF NOT EXISTS idx_transcript_entries_session ON transcript_entries(session_id, id)`,
	} {
		if _, err := w.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts the entry and fills in ID and CreatedAt.
func (s *SQLStore) Append(ctx context.Context, entry *Entry) error {
	if entry.SessionID == "" {
		return errors.New("transcript entry requires a session id")
	}
	entry.CreatedAt = time.Now().UTC()

	payload := entry.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize entry payload: %w", err)
	}

	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO transcript_entries (session_id, monitor_id, role, kind, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.MonitorID, entry.Role, entry.Kind, entry.Content, string(payloadJSON), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns the most recent limit entries in chronological order.
func (s *SQLStore) List(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ro := s.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT id, session_id, monitor_id, role, kind, content, payload, created_at
		FROM transcript_entries
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first so LIMIT keeps the tail; flip back to
	// chronological order for the caller.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// SaveAgentThread upserts the provider thread id for (session, role). The
// ON CONFLICT form is shared by SQLite 3.24+ and PostgreSQL.
func (s *SQLStore) SaveAgentThread(ctx context.Context, sessionID, role, threadID string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_threads (session_id, role, thread_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, role) DO UPDATE
		SET thread_id = excluded.thread_id, updated_at = excluded.updated_at`),
		sessionID, role, threadID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent thread: %w", err)
	}
	return nil
}

// GetAgentThread returns the saved thread id, or "" when none exists.
func (s *SQLStore) GetAgentThread(ctx context.Context, sessionID, role string) (string, error) {
	ro := s.pool.Reader()
	var threadID string
	err := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT thread_id FROM agent_threads WHERE session_id = ? AND role = ?`),
		sessionID, role).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return threadID, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	entry := &Entry{}
	var payloadJSON string
	err := row.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.MonitorID,
		&entry.Role,
		&entry.Kind,
		&entry.Content,
		&payloadJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to parse entry payload: %w", err)
		}
	}
	return entry, nil
}

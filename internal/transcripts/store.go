package transcripts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one finished recognition request as persisted.
type Entry struct {
	ID         int64     `json:"id"`
	RequestID  uint64    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Text       string    `json:"text"`
	Tokens     []string  `json:"tokens,omitempty"`
	Timestamps []float64 `json:"timestamps,omitempty"`
	Error      string    `json:"error,omitempty"`
	ArrivedAt  time.Time `json:"arrived_at"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store keeps finished transcripts in SQLite. With retention mode
// "ephemeral" no database is opened and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id INTEGER NOT NULL,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
    text TEXT,
    tokens BLOB,
    timestamps BLOB,
    error TEXT,
    arrived_at TIMESTAMP NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_session_created ON requests(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one finished request into the store.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	tokens, err := json.Marshal(entry.Tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	timestamps, err := json.Marshal(entry.Timestamps)
	if err != nil {
		return fmt.Errorf("marshal timestamps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, session_id, status, text, tokens, timestamps, error, arrived_at, elapsed_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.SessionID, entry.Status, entry.Text, tokens, timestamps,
		entry.Error, entry.ArrivedAt.UTC(), entry.ElapsedMS, entry.CreatedAt)
	return err
}

// ListSession retrieves up to limit entries for a session ordered ascending by time.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, session_id, status, text, tokens, timestamps, error, elapsed_ms, created_at
		 FROM requests WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var tokens, timestamps []byte
		var created string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.SessionID, &e.Status, &e.Text,
			&tokens, &timestamps, &e.Error, &e.ElapsedMS, &created); err != nil {
			return nil, err
		}
		if len(tokens) > 0 {
			if err := json.Unmarshal(tokens, &e.Tokens); err != nil {
				return nil, fmt.Errorf("unmarshal tokens: %w", err)
			}
		}
		if len(timestamps) > 0 {
			if err := json.Unmarshal(timestamps, &e.Timestamps); err != nil {
				return nil, fmt.Errorf("unmarshal timestamps: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE id IN (
			SELECT id FROM requests ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

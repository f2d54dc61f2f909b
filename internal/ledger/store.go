// Package ledger persists the recent-question ledger so duplicate
// suppression survives a restart within the dedup window.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one admitted question.
type Entry struct {
	Fingerprint string
	QuestionID  string
	SessionID   string
	Text        string
	SeenAt      time.Time
}

// Store wraps a SQLite-backed ledger. In ephemeral mode every operation is
// a no-op.
type Store struct {
	db         *sql.DB
	cfg        config.LedgerConfig
	log        *slog.Logger
	clock      func() time.Time
	retention  time.Duration
	maxEntries int
}

// Open initializes the ledger according to config. Entries older than
// retention, or beyond the newest maxEntries, are pruned on every write.
func Open(ctx context.Context, cfg config.LedgerConfig, retention time.Duration, maxEntries int, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "ledger"))
	s := &Store{cfg: cfg, log: log, clock: time.Now, retention: retention, maxEntries: maxEntries}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("ledger vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("ledger prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS questions (
    fingerprint TEXT PRIMARY KEY,
    question_id TEXT NOT NULL,
    session_id TEXT,
    text TEXT,
    seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_seen ON questions(seen_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// Persistent reports whether the store writes to disk.
func (s *Store) Persistent() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records an entry, replacing any previous entry with the same
// fingerprint, then applies retention.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.SeenAt.IsZero() {
		e.SeenAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO questions(fingerprint, question_id, session_id, text, seen_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET question_id=excluded.question_id,
		   session_id=excluded.session_id, text=excluded.text, seen_at=excluded.seen_at`,
		e.Fingerprint, e.QuestionID, e.SessionID, e.Text, e.SeenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return s.Prune(ctx)
}

// Delete removes the entry for fingerprint.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	return nil
}

// Load returns entries seen at or after since, oldest first.
func (s *Store) Load(ctx context.Context, since time.Time) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, question_id, session_id, text, seen_at
		 FROM questions WHERE seen_at >= ? ORDER BY seen_at ASC`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var session, text sql.NullString
		var seen int64
		if err := rows.Scan(&e.Fingerprint, &e.QuestionID, &session, &text, &seen); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.Text = text.String
		e.SeenAt = time.Unix(0, seen)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the retention window and entry cap.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
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

	if s.retention > 0 {
		cutoff := s.clock().Add(-s.retention)
		if _, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE seen_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.maxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE fingerprint IN (
			SELECT fingerprint FROM questions ORDER BY seen_at DESC LIMIT -1 OFFSET ?
		)`, s.maxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

package ledger

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openPersistent(t *testing.T, retention time.Duration, maxEntries int) *Store {
	t.Helper()
	cfg := config.LedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, retention, maxEntries, newLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.LedgerConfig{RetentionMode: "ephemeral"}, time.Minute, 10, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if s.Persistent() {
		t.Fatal("expected ephemeral store")
	}
	if err := s.Put(ctx, Entry{Fingerprint: "why go"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := s.Load(ctx, time.Time{})
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected nothing stored, got %v %v", entries, err)
	}
}

func TestPutLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := openPersistent(t, time.Hour, 10)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if err := s.Put(ctx, Entry{Fingerprint: "what is your greatest strength", QuestionID: "q1", SessionID: "s1", Text: "What is your greatest strength?"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, Entry{Fingerprint: "what is your greatest strength", QuestionID: "q2", SessionID: "s1"}); err != nil {
		t.Fatalf("put again: %v", err)
	}
	entries, err := s.Load(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 || entries[0].QuestionID != "q2" || !entries[0].SeenAt.Equal(now) {
		t.Fatalf("expected upserted entry, got %+v", entries)
	}

	if err := s.Delete(ctx, "what is your greatest strength"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, _ = s.Load(ctx, time.Time{})
	if len(entries) != 0 {
		t.Fatalf("expected entry deleted, got %+v", entries)
	}
}

func TestPruneByWindowAndCount(t *testing.T) {
	ctx := context.Background()
	s := openPersistent(t, 2*time.Minute, 2)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, fp := range []string{"one", "two", "three", "four"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.clock = func() time.Time { return at }
		if err := s.Put(ctx, Entry{Fingerprint: fp, QuestionID: fp}); err != nil {
			t.Fatalf("put %s: %v", fp, err)
		}
	}

	entries, err := s.Load(ctx, time.Time{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 || entries[0].Fingerprint != "three" || entries[1].Fingerprint != "four" {
		t.Fatalf("expected newest two entries, got %+v", entries)
	}

	s.clock = func() time.Time { return base.Add(10 * time.Minute) }
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	entries, _ = s.Load(ctx, time.Time{})
	if len(entries) != 0 {
		t.Fatalf("expected window prune to clear ledger, got %+v", entries)
	}
}

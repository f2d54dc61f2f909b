// Package dedup suppresses questions that repeat a recently admitted one.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/detector"
	"github.com/loqalabs/loqa-cue/internal/ledger"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

// Store persists admitted entries. *ledger.Store satisfies it.
type Store interface {
	Load(ctx context.Context, since time.Time) ([]ledger.Entry, error)
	Put(ctx context.Context, e ledger.Entry) error
	Delete(ctx context.Context, fingerprint string) error
}

// Match describes the ledger entry a rejected question collided with.
type Match struct {
	Fingerprint string
	QuestionID  string
	Similarity  float64
	SeenAt      time.Time
}

type entry struct {
	fingerprint string
	questionID  string
	tokens      map[string]struct{}
	seenAt      time.Time
}

// Filter is the recent-question ledger. Admit is the only path that reads
// and inserts, and it holds one lock for both.
type Filter struct {
	window     time.Duration
	threshold  float64
	maxEntries int
	log        *slog.Logger
	now        func() time.Time
	store      Store
	sessionID  string

	mu      sync.Mutex
	entries []*entry
}

type Option func(*Filter)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(f *Filter) { f.store = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithSession tags persisted entries with a session id.
func WithSession(id string) Option {
	return func(f *Filter) { f.sessionID = id }
}

func New(cfg config.DedupConfig, log *slog.Logger, opts ...Option) *Filter {
	f := &Filter{
		window:     cfg.Window(),
		threshold:  cfg.SimilarityThreshold,
		maxEntries: cfg.MaxEntries,
		log:        log.With(slog.String("component", "dedup-filter")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Restore loads persisted entries still inside the window.
func (f *Filter) Restore(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	entries, err := f.store.Load(ctx, f.now().Add(-f.window))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.entries = append(f.entries, &entry{
			fingerprint: e.Fingerprint,
			questionID:  e.QuestionID,
			tokens:      tokenSet(e.Fingerprint),
			seenAt:      e.SeenAt,
		})
	}
	f.trimLocked()
	f.log.Info("ledger restored", slog.Int("entries", len(f.entries)))
	return nil
}

// Admit reports whether ev may proceed. On admission the ledger records
// it; on rejection the colliding entry is returned.
func (f *Filter) Admit(ctx context.Context, ev protocol.QuestionEvent) (bool, Match) {
	fp := ev.Fingerprint
	if fp == "" {
		fp = detector.Normalize(ev.Text)
	}
	tokens := tokenSet(fp)

	f.mu.Lock()
	now := f.now()
	f.purgeLocked(now)
	for _, e := range f.entries {
		sim := jaccard(tokens, e.tokens)
		if e.fingerprint == fp || sim > f.threshold {
			f.mu.Unlock()
			m := Match{Fingerprint: e.fingerprint, QuestionID: e.questionID, Similarity: sim, SeenAt: e.seenAt}
			f.log.Info("duplicate question suppressed",
				slog.String("question_id", ev.ID),
				slog.String("matched_id", m.QuestionID),
				slog.Float64("similarity", sim))
			return false, m
		}
	}
	f.entries = append(f.entries, &entry{fingerprint: fp, questionID: ev.ID, tokens: tokens, seenAt: now})
	f.trimLocked()
	f.mu.Unlock()

	if f.store != nil {
		err := f.store.Put(ctx, ledger.Entry{
			Fingerprint: fp,
			QuestionID:  ev.ID,
			SessionID:   f.sessionID,
			Text:        ev.Raw,
			SeenAt:      now,
		})
		if err != nil {
			f.log.Warn("ledger write failed", slog.String("error", err.Error()))
		}
	}
	return true, Match{}
}

// Forget drops the entry for fingerprint so the question can be asked
// again, typically after its answer failed.
func (f *Filter) Forget(ctx context.Context, fingerprint string) {
	f.mu.Lock()
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.fingerprint != fingerprint {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.Delete(ctx, fingerprint); err != nil {
			f.log.Warn("ledger delete failed", slog.String("error", err.Error()))
		}
	}
}

// Len reports the number of live entries.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *Filter) purgeLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	kept := f.entries[:0]
	for _, e := range f.entries {
		if !e.seenAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(f.entries); i++ {
		f.entries[i] = nil
	}
	f.entries = kept
}

func (f *Filter) trimLocked() {
	if f.maxEntries > 0 && len(f.entries) > f.maxEntries {
		f.entries = append([]*entry(nil), f.entries[len(f.entries)-f.maxEntries:]...)
	}
}

// Similarity is the Jaccard index of the word sets of two normalized
// questions.
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(text) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var inter int
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

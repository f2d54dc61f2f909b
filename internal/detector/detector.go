// Package detector finds completed spoken questions in the rolling stream of
// final transcript segments.
package detector

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

// SkipReason explains why a span produced no question. Skips are expected
// outcomes, not errors.
type SkipReason string

const (
	SkipEmpty      SkipReason = "empty"
	SkipTooShort   SkipReason = "too-short"
	SkipIncomplete SkipReason = "incomplete"
	SkipNoCue      SkipReason = "no-cue"
)

// Gate applies the lexical rules to a candidate span.
type Gate struct {
	MinWords           int
	CuePrefixes        []string
	CuePhrases         []string
	IncompleteSuffixes []string
}

func NewGate(cfg config.DetectorConfig) Gate {
	return Gate{
		MinWords:           cfg.MinWords,
		CuePrefixes:        normalizeCues(cfg.CuePrefixes),
		CuePhrases:         normalizeCues(cfg.CuePhrases),
		IncompleteSuffixes: append([]string(nil), cfg.IncompleteSuffixes...),
	}
}

// Check returns ok when text qualifies as a question: at least MinWords
// words and either a cue prefix, a cue phrase or a trailing question mark.
// Text ending with an incomplete suffix never qualifies.
func (g Gate) Check(text string) (bool, SkipReason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, SkipEmpty
	}
	if len(strings.Fields(trimmed)) < g.MinWords {
		return false, SkipTooShort
	}
	for _, suffix := range g.IncompleteSuffixes {
		if suffix != "" && strings.HasSuffix(trimmed, suffix) {
			return false, SkipIncomplete
		}
	}
	if strings.HasSuffix(trimmed, "?") {
		return true, ""
	}
	words := cueText(trimmed)
	for _, prefix := range g.CuePrefixes {
		if strings.HasPrefix(words+" ", prefix+" ") {
			return true, ""
		}
	}
	padded := " " + words + " "
	for _, phrase := range g.CuePhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			return true, ""
		}
	}
	return false, SkipNoCue
}

type historyEntry struct {
	text string
	end  time.Duration
}

// Detector groups final segments into spans separated by pauses and
// evaluates each span exactly once. It is safe for concurrent use.
type Detector struct {
	gate   Gate
	gap    time.Duration
	window int
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []protocol.TranscriptSegment
	history []historyEntry
	skipped map[SkipReason]uint64
}

func New(cfg config.DetectorConfig, log *slog.Logger) *Detector {
	window := cfg.WindowSegments
	if window < 2 {
		window = 2
	}
	return &Detector{
		gate:    NewGate(cfg),
		gap:     cfg.CompletionGap(),
		window:  window,
		log:     log.With(slog.String("component", "question-detector")),
		now:     time.Now,
		skipped: make(map[SkipReason]uint64),
	}
}

// Add appends a final segment. A gap before the segment closes the pending
// span; a trailing pause on the segment closes the span including it.
// Partial segments are ignored.
func (d *Detector) Add(seg protocol.TranscriptSegment) []protocol.QuestionEvent {
	if !seg.Final {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var events []protocol.QuestionEvent
	if n := len(d.pending); n > 0 && seg.Start-d.pending[n-1].End >= d.gap {
		events = d.evaluateLocked(events)
	}
	d.pending = append(d.pending, seg)
	if seg.TrailingPause >= d.gap || len(d.pending) >= d.window {
		events = d.evaluateLocked(events)
	}
	return events
}

// Tick closes the pending span when the stream has advanced past its end by
// at least the completion gap without new speech.
func (d *Detector) Tick(position time.Duration) []protocol.QuestionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pending)
	if n == 0 || position-d.pending[n-1].End < d.gap {
		return nil
	}
	return d.evaluateLocked(nil)
}

// Flush evaluates whatever is pending. Used at end of stream.
func (d *Detector) Flush() []protocol.QuestionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	return d.evaluateLocked(nil)
}

// Recent returns up to n span texts that ended at or before the given
// stream position, oldest first.
func (d *Detector) Recent(n int, before time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for i := len(d.history) - 1; i >= 0 && len(out) < n; i-- {
		if d.history[i].end <= before {
			out = append(out, d.history[i].text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Skipped reports how many spans were rejected per reason.
func (d *Detector) Skipped() map[SkipReason]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[SkipReason]uint64, len(d.skipped))
	for k, v := range d.skipped {
		out[k] = v
	}
	return out
}

func (d *Detector) evaluateLocked(events []protocol.QuestionEvent) []protocol.QuestionEvent {
	span := d.pending
	d.pending = nil

	texts := make([]string, 0, len(span))
	for _, seg := range span {
		texts = append(texts, strings.TrimSpace(seg.Text))
	}
	raw := strings.Join(texts, " ")
	first, last := span[0], span[len(span)-1]

	d.history = append(d.history, historyEntry{text: raw, end: last.End})
	if over := len(d.history) - d.window; over > 0 {
		d.history = append([]historyEntry(nil), d.history[over:]...)
	}

	ok, reason := d.gate.Check(raw)
	if !ok {
		d.skipped[reason]++
		d.log.Debug("span skipped", slog.String("reason", string(reason)), slog.String("text", raw))
		return events
	}

	text := Normalize(raw)
	ev := protocol.QuestionEvent{
		ID:          uuid.NewString(),
		Text:        text,
		Raw:         raw,
		Fingerprint: text,
		DetectedAt:  d.now(),
		Span: protocol.Span{
			FirstUtterance: first.UtteranceID,
			LastUtterance:  last.UtteranceID,
			Start:          first.Start,
			End:            last.End,
		},
	}
	d.log.Info("question detected", slog.String("question_id", ev.ID), slog.String("text", text))
	return append(events, ev)
}

package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seg(utt uint64, text string, start, end time.Duration) protocol.TranscriptSegment {
	return protocol.TranscriptSegment{UtteranceID: utt, Text: text, Start: start, End: end, Final: true}
}

func TestGateDefaults(t *testing.T) {
	gate := NewGate(config.Default().Detector)
	cases := map[string]bool{
		"What is your greatest strength":               true,
		"You worked on distributed systems, right?":    true,
		"Could you explain the CAP theorem briefly":    true,
		"I was wondering about your approach to tests": false,
		"Why this role?":                              false,
		"So what do you think about...":               false,
		"We use Go for most of our backend services.": false,
		"Give me an example of a hard bug you fixed":  true,
		"Whatever works best for the team is fine":    false,
	}
	for text, want := range cases {
		if got, reason := gate.Check(text); got != want {
			t.Fatalf("%q: expected %v, got %v (%s)", text, want, got, reason)
		}
	}
}

func TestGateLiteralTellMeAboutYourself(t *testing.T) {
	const literal = "Tell me about yourself and your background"

	gate := NewGate(config.Default().Detector)
	if ok, reason := gate.Check(literal); !ok {
		t.Fatalf("expected default cue list to accept the literal, got %s", reason)
	}

	whOnly := config.Default().Detector
	whOnly.CuePrefixes = []string{"what", "why", "how", "when", "where", "who", "which"}
	whOnly.CuePhrases = nil
	ok, reason := NewGate(whOnly).Check(literal)
	if ok || reason != SkipNoCue {
		t.Fatalf("expected wh-only cue list to reject with no-cue, got ok=%v reason=%s", ok, reason)
	}
}

func TestGateMinWordsIsConfigurable(t *testing.T) {
	cfg := config.Default().Detector
	cfg.MinWords = 3
	if ok, _ := NewGate(cfg).Check("Why this role?"); !ok {
		t.Fatal("expected three-word question to pass with min_words=3")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"  What   IS your Greatest strength?? ",
		"Tell me about yourself.",
		"How do you handle conflict ?!",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
	if got := Normalize("  What   IS your Greatest strength?? "); got != "what is your greatest strength" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

func TestCompletionGateWaitsForPause(t *testing.T) {
	det := New(config.Default().Detector, testLogger())

	if evs := det.Add(seg(1, "What would you do if", 0, 1200*time.Millisecond)); len(evs) != 0 {
		t.Fatal("expected no event before a pause")
	}
	if evs := det.Add(seg(2, "a deadline slipped?", 1400*time.Millisecond, 2500*time.Millisecond)); len(evs) != 0 {
		t.Fatal("expected short gap to keep the span open")
	}
	if evs := det.Tick(3 * time.Second); len(evs) != 0 {
		t.Fatal("expected tick inside the gap to wait")
	}
	evs := det.Tick(3500 * time.Millisecond)
	if len(evs) != 1 {
		t.Fatalf("expected one question after the pause, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Text != "what would you do if a deadline slipped" {
		t.Fatalf("unexpected canonical text %q", ev.Text)
	}
	if ev.Span.FirstUtterance != 1 || ev.Span.LastUtterance != 2 || ev.Span.End != 2500*time.Millisecond {
		t.Fatalf("unexpected span %+v", ev.Span)
	}
	if ev.ID == "" || ev.Fingerprint != ev.Text {
		t.Fatalf("expected id and fingerprint, got %+v", ev)
	}
	if again := det.Tick(10 * time.Second); len(again) != 0 {
		t.Fatal("expected span to be evaluated only once")
	}
	if flushed := det.Flush(); len(flushed) != 0 {
		t.Fatal("expected nothing left to flush")
	}
}

func TestTrailingPauseClosesSpan(t *testing.T) {
	det := New(config.Default().Detector, testLogger())
	s := seg(1, "How do you prioritize competing deadlines?", 0, 2*time.Second)
	s.TrailingPause = time.Second
	if evs := det.Add(s); len(evs) != 1 {
		t.Fatalf("expected trailing pause to close the span, got %d events", len(evs))
	}
}

func TestGapBeforeNextSegmentClosesSpan(t *testing.T) {
	det := New(config.Default().Detector, testLogger())
	det.Add(seg(1, "Can you walk me through your last project", 0, 2*time.Second))
	evs := det.Add(seg(2, "Sure, so we built", 4*time.Second, 5*time.Second))
	if len(evs) != 1 || evs[0].Span.LastUtterance != 1 {
		t.Fatalf("expected first span to close on the gap, got %+v", evs)
	}
}

func TestRejectedSpanNotRetried(t *testing.T) {
	det := New(config.Default().Detector, testLogger())
	det.Add(seg(1, "We are a small team", 0, time.Second))
	if evs := det.Tick(5 * time.Second); len(evs) != 0 {
		t.Fatal("expected statement to be rejected")
	}
	det.Add(seg(2, "of engineers", 6*time.Second, 7*time.Second))
	if evs := det.Flush(); len(evs) != 0 {
		t.Fatal("expected rejected text not to combine with later speech")
	}
	if det.Skipped()[SkipNoCue] != 1 || det.Skipped()[SkipTooShort] != 1 {
		t.Fatalf("unexpected skip counts %v", det.Skipped())
	}
}

func TestPartialSegmentsIgnored(t *testing.T) {
	det := New(config.Default().Detector, testLogger())
	partial := seg(1, "What is your greatest weakness?", 0, time.Second)
	partial.Final = false
	partial.TrailingPause = time.Second
	if evs := det.Add(partial); len(evs) != 0 {
		t.Fatal("expected partial segment to be ignored")
	}
	if evs := det.Flush(); len(evs) != 0 {
		t.Fatal("expected nothing pending")
	}
}

func TestWindowOverflowForcesEvaluation(t *testing.T) {
	cfg := config.Default().Detector
	cfg.WindowSegments = 3
	det := New(cfg, testLogger())
	det.Add(seg(1, "What do you", 0, 500*time.Millisecond))
	det.Add(seg(2, "think about", 600*time.Millisecond, time.Second))
	evs := det.Add(seg(3, "our product roadmap", 1100*time.Millisecond, 1500*time.Millisecond))
	if len(evs) != 1 {
		t.Fatalf("expected full window to force evaluation, got %d", len(evs))
	}
}

func TestRecentExcludesCurrentSpan(t *testing.T) {
	det := New(config.Default().Detector, testLogger())
	det.Add(seg(1, "Thanks for joining today", 0, time.Second))
	det.Add(seg(2, "We build payment infrastructure", 3*time.Second, 4*time.Second))
	evs := det.Add(seg(3, "What drew you to fintech?", 6*time.Second, 7*time.Second))
	evs = append(evs, det.Flush()...)
	if len(evs) != 1 {
		t.Fatalf("expected one question, got %d", len(evs))
	}
	recent := det.Recent(3, evs[0].Span.Start)
	if len(recent) != 2 || recent[0] != "Thanks for joining today" || recent[1] != "We build payment infrastructure" {
		t.Fatalf("unexpected recent context %v", recent)
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cue/internal/answer"
	"github.com/loqalabs/loqa-cue/internal/audio"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/detector"
	"github.com/loqalabs/loqa-cue/internal/llm"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/stt"
	"github.com/loqalabs/loqa-cue/internal/vad"
)

const (
	testRate        = 16000
	testFrame       = 20 * time.Millisecond
	testFrameLength = testRate / 50
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// script builds a frame stream of speech bursts and silences.
type script struct {
	seq    uint64
	at     time.Duration
	frames []protocol.AudioFrame
}

func (s *script) add(amplitude int16, n int) *script {
	for i := 0; i < n; i++ {
		samples := make([]int16, testFrameLength)
		for j := range samples {
			if j%2 == 0 {
				samples[j] = amplitude
			} else {
				samples[j] = -amplitude
			}
		}
		s.frames = append(s.frames, protocol.AudioFrame{
			Sequence:   s.seq,
			SampleRate: testRate,
			Samples:    samples,
			Timestamp:  s.at,
		})
		s.seq++
		s.at += testFrame
	}
	return s
}

func (s *script) speech(n int) *script  { return s.add(8000, n) }
func (s *script) silence(n int) *script { return s.add(0, n) }

// fakeSource replays frames, then returns tail. A nil tail blocks until ctx
// is done or the source is closed.
type fakeSource struct {
	mu     sync.Mutex
	frames []protocol.AudioFrame
	tail   error
	closed bool
	stop   chan struct{}

	readsAfterClose atomic.Int32
	closes          atomic.Int32
}

func newFakeSource(frames []protocol.AudioFrame, tail error) *fakeSource {
	return &fakeSource{frames: frames, tail: tail, stop: make(chan struct{})}
}

func (s *fakeSource) Read(ctx context.Context) (protocol.AudioFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.readsAfterClose.Add(1)
		return protocol.AudioFrame{}, audio.ErrClosed
	}
	if len(s.frames) > 0 {
		frame := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return frame, nil
	}
	tail := s.tail
	s.mu.Unlock()
	if tail != nil {
		return protocol.AudioFrame{}, tail
	}
	select {
	case <-ctx.Done():
		return protocol.AudioFrame{}, ctx.Err()
	case <-s.stop:
		return protocol.AudioFrame{}, audio.ErrClosed
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes.Add(1)
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// promptGenerator answers every prompt unless it matches block, in which case
// it waits for cancellation.
type promptGenerator struct {
	block string
}

func (g *promptGenerator) Name() string  { return "scripted" }
func (g *promptGenerator) Model() string { return "scripted" }

func (g *promptGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	if g.block != "" && strings.Contains(req.Prompt, g.block) {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := consumer(llm.Chunk{QuestionID: req.QuestionID, Content: "Focus on ", Partial: true}); err != nil {
		return err
	}
	return consumer(llm.Chunk{QuestionID: req.QuestionID, Content: "impact."})
}

type collector struct {
	mu       sync.Mutex
	events   []Event
	question chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func collect(events <-chan Event) *collector {
	c := &collector{question: make(chan struct{}), closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for ev := range events {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
			if ev.Kind == EventQuestion {
				c.once.Do(func() { close(c.question) })
			}
		}
	}()
	return c
}

func (c *collector) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not close")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func ofKind(events []Event, kind EventKind, partial bool) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind && ev.Partial == partial {
			out = append(out, ev)
		}
	}
	return out
}

func testOptions() Options {
	opts := OptionsFromConfig(config.Default())
	opts.SampleRate = testRate
	opts.Pipeline.GraceMS = 2000
	opts.LLM.TimeoutMS = 2000
	return opts
}

func newCoordinator(t *testing.T, src audio.Source, rec stt.Recognizer, gen llm.Generator, opts Options) *Coordinator {
	t.Helper()
	c, err := New(Deps{
		Open:      func(context.Context) (audio.Source, error) { return src, nil },
		Scorer:    vad.EnergyScorer{},
		Model:     stt.NewModelWith(rec, testLogger()),
		Generator: gen,
		Logger:    testLogger(),
	}, opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestDecodeFailureDoesNotBlockNextUtterance(t *testing.T) {
	frames := (&script{}).silence(5).speech(30).silence(60).speech(30).silence(60).frames
	src := newFakeSource(frames, io.EOF)
	rec := stt.NewMockRecognizer(
		stt.MockStep{Err: errors.New("decoder crashed")},
		stt.MockStep{Result: stt.TranscriptResult{Text: "What is your greatest strength?", Confidence: 0.9}},
	)
	c := newCoordinator(t, src, rec, &promptGenerator{}, testOptions())
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{Company: "Acme"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := events.wait(t)
	<-c.Done()

	errs := ofKind(got, EventError, false)
	if len(errs) != 1 || errs[0].Error.Stage != "stt" || errs[0].Error.Fatal {
		t.Fatalf("expected one non-fatal decode error, got %+v", errs)
	}
	transcripts := ofKind(got, EventTranscript, false)
	if len(transcripts) != 1 || transcripts[0].Transcript.Text != "What is your greatest strength?" {
		t.Fatalf("expected the second utterance transcript, got %+v", transcripts)
	}
	questions := ofKind(got, EventQuestion, false)
	if len(questions) != 1 || questions[0].Question.Text != "what is your greatest strength" {
		t.Fatalf("expected one detected question, got %+v", questions)
	}
	answers := ofKind(got, EventAnswer, false)
	if len(answers) != 1 || answers[0].Answer.Failed() || answers[0].Answer.Text != "Focus on impact." {
		t.Fatalf("expected one answer, got %+v", answers)
	}
	if answers[0].SessionID == "" || answers[0].SessionID != questions[0].SessionID {
		t.Fatal("expected events tagged with the session id")
	}
	if c.Err() != nil {
		t.Fatalf("end of file should not be fatal: %v", c.Err())
	}
	if rec.Calls() != 2 {
		t.Fatalf("expected two decodes, got %d", rec.Calls())
	}
}

func TestAnswerTimeoutDoesNotBlockLaterQuestions(t *testing.T) {
	frames := (&script{}).speech(30).silence(60).speech(30).silence(60).frames
	src := newFakeSource(frames, io.EOF)
	rec := stt.NewMockRecognizer(
		stt.MockStep{Result: stt.TranscriptResult{Text: "Why do you want to work here?"}},
		stt.MockStep{Result: stt.TranscriptResult{Text: "What is your greatest strength?"}},
	)
	opts := testOptions()
	opts.LLM.TimeoutMS = 50
	c := newCoordinator(t, src, rec, &promptGenerator{block: `Question: "Why do you want`}, opts)
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := events.wait(t)

	questions := ofKind(got, EventQuestion, false)
	if len(questions) != 2 {
		t.Fatalf("expected two questions, got %+v", questions)
	}
	byID := make(map[string]protocol.AnswerResult)
	for _, ev := range ofKind(got, EventAnswer, false) {
		byID[ev.Answer.QuestionID] = *ev.Answer
	}
	first, second := byID[questions[0].Question.ID], byID[questions[1].Question.ID]
	if first.ErrorKind != answer.KindTimeout || first.Text != "" {
		t.Fatalf("expected timeout marker on first answer, got %+v", first)
	}
	if second.Failed() || second.Text != "Focus on impact." {
		t.Fatalf("expected second answer to succeed, got %+v", second)
	}

	// Per question, detection precedes the answer.
	position := make(map[string]int)
	for i, ev := range got {
		switch {
		case ev.Kind == EventQuestion:
			position[ev.Question.ID] = i
		case ev.Kind == EventAnswer && !ev.Partial:
			if qi, ok := position[ev.Answer.QuestionID]; !ok || qi > i {
				t.Fatalf("answer for %s delivered before its question", ev.Answer.QuestionID)
			}
		}
	}
}

func TestStopCancelsInflightAnswersWithinGrace(t *testing.T) {
	frames := (&script{}).speech(30).silence(60).frames
	src := newFakeSource(frames, nil)
	rec := stt.NewMockRecognizer(stt.MockStep{Result: stt.TranscriptResult{Text: "Can you walk me through your last project?"}})
	opts := testOptions()
	opts.Pipeline.GraceMS = 100
	opts.LLM.TimeoutMS = 60000
	c := newCoordinator(t, src, rec, &promptGenerator{block: "Question:"}, opts)
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-events.question:
	case <-time.After(3 * time.Second):
		t.Fatal("question was not detected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	got := events.wait(t)

	answers := ofKind(got, EventAnswer, false)
	if len(answers) != 1 || answers[0].Answer.ErrorKind != answer.KindCancelled {
		t.Fatalf("expected cancelled answer, got %+v", answers)
	}
	if n := src.readsAfterClose.Load(); n != 0 {
		t.Fatalf("source read %d times after close", n)
	}
	if src.closes.Load() != 1 {
		t.Fatalf("expected source closed once, got %d", src.closes.Load())
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDeviceErrorIsFatal(t *testing.T) {
	frames := (&script{}).speech(30).frames
	deviceErr := &audio.DeviceError{Device: "Monitor of Speakers", Op: "read", Err: errors.New("device unplugged")}
	src := newFakeSource(frames, deviceErr)
	rec := stt.NewMockRecognizer(stt.MockStep{Result: stt.TranscriptResult{Text: "so tell me"}})
	c := newCoordinator(t, src, rec, &promptGenerator{}, testOptions())
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := events.wait(t)
	<-c.Done()

	var fatal []ErrorInfo
	for _, ev := range ofKind(got, EventError, false) {
		if ev.Error.Fatal {
			fatal = append(fatal, *ev.Error)
		}
	}
	if len(fatal) != 1 || fatal[0].Stage != "audio" {
		t.Fatalf("expected one fatal audio error, got %+v", fatal)
	}
	var target *audio.DeviceError
	if !errors.As(c.Err(), &target) {
		t.Fatalf("expected DeviceError, got %v", c.Err())
	}
	if len(ofKind(got, EventTranscript, false)) != 1 {
		t.Fatal("expected the in-progress utterance to be flushed and transcribed")
	}
}

func TestConsecutiveReadTimeoutsAreFatal(t *testing.T) {
	src := newFakeSource(nil, audio.ErrReadTimeout)
	opts := testOptions()
	opts.Pipeline.MaxReadTimeouts = 3
	c := newCoordinator(t, src, stt.NewMockRecognizer(), &promptGenerator{}, opts)
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	events.wait(t)
	if !errors.Is(c.Err(), audio.ErrReadTimeout) || !audio.IsFatal(c.Err()) {
		t.Fatalf("expected fatal read timeout, got %v", c.Err())
	}
}

func TestStartFailsWhenDeviceMissing(t *testing.T) {
	c, err := New(Deps{
		Open: func(context.Context) (audio.Source, error) {
			return nil, &audio.DeviceNotFoundError{Pattern: "loopback", Candidates: []string{"Built-in Microphone"}}
		},
		Scorer:    vad.EnergyScorer{},
		Model:     stt.NewModelWith(stt.NewMockRecognizer(), testLogger()),
		Generator: &promptGenerator{},
		Logger:    testLogger(),
	}, testOptions())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	err = c.Start(context.Background(), protocol.SessionContext{})
	var notFound *audio.DeviceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DeviceNotFoundError, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator not stopped after failed start")
	}
	if _, ok := <-c.Events(); ok {
		t.Fatal("expected closed event channel")
	}
	if err := c.Start(context.Background(), protocol.SessionContext{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	c := newCoordinator(t, newFakeSource(nil, nil), stt.NewMockRecognizer(), &promptGenerator{}, testOptions())
	if err := c.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestHooksRun(t *testing.T) {
	events := make(chan Event, 4)
	events <- Event{Kind: EventTranscript, Transcript: &protocol.TranscriptSegment{Text: "hello"}}
	events <- Event{Kind: EventQuestion, Question: &protocol.QuestionEvent{ID: "q1"}}
	events <- Event{Kind: EventAnswer, Partial: true, Answer: &protocol.AnswerResult{QuestionID: "q1", Text: "par"}}
	events <- Event{Kind: EventError, Error: &ErrorInfo{Stage: "stt"}}
	close(events)

	var transcripts, questions, partials, errs int
	err := Hooks{
		OnTranscript: func(protocol.TranscriptSegment, bool) { transcripts++ },
		OnQuestion:   func(protocol.QuestionEvent) { questions++ },
		OnAnswer: func(_ protocol.AnswerResult, partial bool) {
			if partial {
				partials++
			}
		},
		OnError: func(ErrorInfo) { errs++ },
	}.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if transcripts != 1 || questions != 1 || partials != 1 || errs != 1 {
		t.Fatalf("unexpected dispatch counts %d %d %d %d", transcripts, questions, partials, errs)
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := newUtteranceQueue(2)
	for id := uint64(1); id <= 3; id++ {
		dropped, ok := q.Push(protocol.Utterance{ID: id})
		if !ok {
			t.Fatal("push rejected")
		}
		if id == 3 && (dropped == nil || dropped.ID != 1) {
			t.Fatalf("expected utterance 1 dropped, got %+v", dropped)
		}
	}
	q.Close()
	if _, ok := q.Push(protocol.Utterance{ID: 4}); ok {
		t.Fatal("push accepted after close")
	}
	for _, want := range []uint64{2, 3} {
		utt, ok := q.Pop(context.Background())
		if !ok || utt.ID != want {
			t.Fatalf("expected utterance %d, got %+v %v", want, utt, ok)
		}
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Fatal("expected closed empty queue")
	}
}

func TestTickHoldsWhileUtteranceInFlight(t *testing.T) {
	cfg := config.Default().Detector
	c := &Coordinator{detector: detector.New(cfg, testLogger())}
	first := protocol.TranscriptSegment{UtteranceID: 1, Text: "Tell me about a hard bug", End: 1200 * time.Millisecond, Final: true}
	if evs := c.detector.Add(first); len(evs) != 0 {
		t.Fatalf("expected open span, got %d events", len(evs))
	}

	// The next utterance is queued and the watermark has moved past the gap.
	c.pending.Store(1)
	c.watermark.Store(int64(3 * time.Second))
	if evs := c.tickDue(); len(evs) != 0 {
		t.Fatalf("tick closed the span while speech was pending: %+v", evs)
	}

	second := protocol.TranscriptSegment{UtteranceID: 2, Text: "you fixed recently.", Start: 1950 * time.Millisecond, End: 3 * time.Second, Final: true}
	if evs := c.detector.Add(second); len(evs) != 0 {
		t.Fatalf("expected short gap to keep the span open, got %d events", len(evs))
	}
	c.pending.Store(0)
	if evs := c.tickDue(); len(evs) != 0 {
		t.Fatal("expected gate to wait for the pause after the second utterance")
	}

	c.watermark.Store(int64(3*time.Second + cfg.CompletionGap()))
	evs := c.tickDue()
	if len(evs) != 1 || evs[0].Text != "tell me about a hard bug you fixed recently" {
		t.Fatalf("expected one joined question, got %+v", evs)
	}
}

type brokenScorer struct{}

func (brokenScorer) Score(protocol.AudioFrame) (float64, error) {
	return 0, errors.New("frame length mismatch")
}

func TestScorerFailuresNeverStallCapture(t *testing.T) {
	frames := (&script{}).speech(200).frames
	src := newFakeSource(frames, nil)
	opts := testOptions()
	opts.Pipeline.EventBuffer = 1
	c, err := New(Deps{
		Open:      func(context.Context) (audio.Source, error) { return src, nil },
		Scorer:    brokenScorer{},
		Model:     stt.NewModelWith(stt.NewMockRecognizer(), testLogger()),
		Generator: &promptGenerator{},
		Logger:    testLogger(),
	}, opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Nobody reads events yet; capture must still consume every frame.
	deadline := time.Now().Add(2 * time.Second)
	for {
		src.mu.Lock()
		left := len(src.frames)
		src.mu.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("capture stalled with %d frames unread", left)
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := collect(c.Events())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	errs := ofKind(events.wait(t), EventError, false)
	if len(errs) != 1 || errs[0].Error.Stage != "vad" {
		t.Fatalf("expected one vad error event, got %+v", errs)
	}
}

// stallingGenerator streams one chunk and then waits for cancellation.
type stallingGenerator struct{}

func (stallingGenerator) Name() string  { return "stalling" }
func (stallingGenerator) Model() string { return "stalling" }

func (stallingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	if err := consumer(llm.Chunk{QuestionID: req.QuestionID, Content: "Start with ", Partial: true}); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTimedOutAnswerSupersedesStreamedChunks(t *testing.T) {
	frames := (&script{}).speech(30).silence(60).frames
	src := newFakeSource(frames, io.EOF)
	rec := stt.NewMockRecognizer(
		stt.MockStep{Result: stt.TranscriptResult{Text: "Why do you want to work here?"}},
	)
	opts := testOptions()
	opts.LLM.TimeoutMS = 50
	c := newCoordinator(t, src, rec, stallingGenerator{}, opts)
	events := collect(c.Events())

	if err := c.Start(context.Background(), protocol.SessionContext{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := events.wait(t)

	partialAt, finalAt := -1, -1
	for i, ev := range got {
		if ev.Kind != EventAnswer {
			continue
		}
		if ev.Partial {
			partialAt = i
			continue
		}
		finalAt = i
		if ev.Answer.ErrorKind != answer.KindTimeout || ev.Answer.Text != "" {
			t.Fatalf("expected timeout marker, got %+v", ev.Answer)
		}
	}
	if partialAt < 0 || finalAt < 0 {
		t.Fatalf("expected a streamed chunk and a final answer, got %+v", got)
	}
	if partialAt > finalAt {
		t.Fatal("chunk delivered after the final answer")
	}
}

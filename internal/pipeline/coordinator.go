// Package pipeline wires capture, segmentation, transcription, question
// detection, duplicate filtering and answer dispatch into one session and
// reports progress as events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-cue/internal/answer"
	"github.com/loqalabs/loqa-cue/internal/audio"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/dedup"
	"github.com/loqalabs/loqa-cue/internal/detector"
	"github.com/loqalabs/loqa-cue/internal/knowledge"
	"github.com/loqalabs/loqa-cue/internal/llm"
	"github.com/loqalabs/loqa-cue/internal/metrics"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/stt"
	"github.com/loqalabs/loqa-cue/internal/vad"
)

var (
	ErrAlreadyStarted = errors.New("pipeline: already started")
	ErrNotStarted     = errors.New("pipeline: not started")
)

// Deps are the collaborators a Coordinator drives. Open, Model and Generator
// are required.
type Deps struct {
	Open      audio.Opener
	Scorer    vad.Scorer
	Model     *stt.Model
	Generator llm.Generator
	Knowledge knowledge.Source
	Ledger    dedup.Store
	Metrics   *metrics.Instruments
	Logger    *slog.Logger
}

type Options struct {
	SampleRate int
	VAD        config.VADConfig
	STT        config.STTConfig
	Detector   config.DetectorConfig
	Dedup      config.DedupConfig
	LLM        config.LLMConfig
	Knowledge  config.KnowledgeConfig
	Pipeline   config.PipelineConfig
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SampleRate: cfg.Audio.SampleRate,
		VAD:        cfg.VAD,
		STT:        cfg.STT,
		Detector:   cfg.Detector,
		Dedup:      cfg.Dedup,
		LLM:        cfg.LLM,
		Knowledge:  cfg.Knowledge,
		Pipeline:   cfg.Pipeline,
	}
}

// Coordinator runs a single session. It is started once and stopped once.
type Coordinator struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	started bool
	session protocol.SessionContext
	err     error

	emitMu       sync.RWMutex
	eventsClosed bool
	events       chan Event
	done         chan struct{}
	hardStop     chan struct{}
	stopOnce     sync.Once
	forceOnce    sync.Once

	runCtx        context.Context
	runCancel     context.CancelFunc
	captureCancel context.CancelFunc
	tickCancel    context.CancelFunc
	partialCancel context.CancelFunc
	captureDone   chan struct{}

	source       audio.Source
	segmenter    *vad.Segmenter
	queue        *utteranceQueue
	engine       *stt.Engine
	detector     *detector.Detector
	filter       *dedup.Filter
	dispatcher   *answer.Dispatcher
	profile      string
	companyNotes string
	partials     chan protocol.Utterance

	// watermark is the stream position up to which all speech has been
	// handed to transcription. pending counts utterances queued or being
	// transcribed.
	watermark atomic.Int64
	pending   atomic.Int64

	workers    sync.WaitGroup
	ticker     sync.WaitGroup
	background sync.WaitGroup
	answers    sync.WaitGroup
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Open == nil {
		return nil, errors.New("pipeline: audio opener required")
	}
	if deps.Model == nil {
		return nil, errors.New("pipeline: stt model required")
	}
	if deps.Generator == nil {
		return nil, errors.New("pipeline: llm generator required")
	}
	if deps.Knowledge == nil {
		deps.Knowledge = knowledge.Static{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	buffer := opts.Pipeline.EventBuffer
	if buffer < 1 {
		buffer = 1
	}
	return &Coordinator{
		deps:     deps,
		opts:     opts,
		log:      deps.Logger.With(slog.String("component", "pipeline")),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		hardStop: make(chan struct{}),
	}, nil
}

// Events is closed after the session ends.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Done is closed once the session has fully stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that ended the session, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Session returns the session the coordinator was started with.
func (c *Coordinator) Session() protocol.SessionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start opens the audio source and launches the session. Errors returned
// here are fatal and leave the coordinator stopped.
func (c *Coordinator) Start(ctx context.Context, session protocol.SessionContext) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	c.session = session
	c.mu.Unlock()

	log := c.log.With(slog.String("session_id", session.ID))
	c.log = log

	scorer := c.deps.Scorer
	if scorer == nil {
		var err error
		scorer, err = vad.NewScorer(c.opts.VAD, c.opts.SampleRate)
		if err != nil {
			return c.abort(fmt.Errorf("build vad scorer: %w", err))
		}
	}

	c.profile, c.companyNotes = c.loadKnowledge(ctx, session)

	filterOpts := []dedup.Option{dedup.WithSession(session.ID)}
	if c.deps.Ledger != nil {
		filterOpts = append(filterOpts, dedup.WithStore(c.deps.Ledger))
	}
	c.filter = dedup.New(c.opts.Dedup, c.deps.Logger, filterOpts...)
	if err := c.filter.Restore(ctx); err != nil {
		log.Warn("failed to restore question ledger", slogError(err))
	}

	source, err := c.deps.Open(ctx)
	if err != nil {
		return c.abort(fmt.Errorf("open audio source: %w", err))
	}
	c.source = source

	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	var captureCtx, tickCtx context.Context
	captureCtx, c.captureCancel = context.WithCancel(c.runCtx)
	tickCtx, c.tickCancel = context.WithCancel(c.runCtx)
	c.captureDone = make(chan struct{})

	c.segmenter = vad.NewSegmenter(c.opts.VAD, scorer)
	c.queue = newUtteranceQueue(c.opts.Pipeline.QueueSize)
	c.deps.Metrics.ObserveQueue(func() int64 { return int64(c.queue.Len()) })
	c.engine = stt.NewEngine(c.deps.Model, c.opts.STT, c.deps.Logger)
	c.detector = detector.New(c.opts.Detector, c.deps.Logger)
	c.dispatcher = answer.New(c.deps.Generator, c.opts.LLM, c.opts.Knowledge, c.deps.Logger, answer.WithMetrics(c.deps.Metrics))

	workers := c.opts.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.workers.Add(1)
		go c.transcribeLoop()
	}

	c.ticker.Add(1)
	go c.tickLoop(tickCtx)

	if c.opts.STT.PublishInterim && c.opts.STT.PartialEvery() > 0 {
		var partialCtx context.Context
		partialCtx, c.partialCancel = context.WithCancel(c.runCtx)
		c.partials = make(chan protocol.Utterance, 1)
		c.background.Add(1)
		go c.partialLoop(partialCtx)
	}

	go c.captureLoop(captureCtx)

	log.Info("pipeline started",
		slog.String("company", session.Company),
		slog.String("position", session.Position),
		slog.String("llm_provider", c.deps.Generator.Name()),
		slog.Int("workers", workers),
	)
	return nil
}

// Stop ends the session gracefully and waits until it has stopped or ctx is
// done.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	go c.shutdown()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) loadKnowledge(ctx context.Context, session protocol.SessionContext) (string, string) {
	profile, err := c.deps.Knowledge.Profile(ctx)
	if err != nil {
		c.log.Warn("failed to load candidate background", slogError(err))
	}
	notes, err := c.deps.Knowledge.Company(ctx, session.Company)
	if err != nil {
		c.log.Warn("failed to load company research", slogError(err))
	}
	return profile, notes
}

func (c *Coordinator) captureLoop(ctx context.Context) {
	defer close(c.captureDone)

	every := c.opts.STT.PartialEvery()
	var sincePartial time.Duration
	timeouts := 0
	vadFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := c.source.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, audio.ErrClosed):
				return
			case errors.Is(err, io.EOF):
				c.log.Info("audio source exhausted")
				go c.shutdown()
				return
			case errors.Is(err, audio.ErrReadTimeout):
				timeouts++
				limit := c.opts.Pipeline.MaxReadTimeouts
				if limit > 0 && timeouts >= limit {
					c.fatal("audio", &audio.DeviceError{Op: "read", Err: fmt.Errorf("%d consecutive timeouts: %w", timeouts, err)})
					return
				}
				c.log.Debug("audio read timeout", slog.Int("consecutive", timeouts))
				continue
			default:
				c.fatal("audio", err)
				return
			}
		}
		timeouts = 0
		c.deps.Metrics.Frame(ctx)

		utt, err := c.segmenter.Push(frame)
		if err != nil {
			// A broken scorer fails on every frame; report the first of a run.
			vadFailures++
			if vadFailures == 1 {
				c.log.Warn("vad scoring failed", slogError(err))
				c.tryEmit(Event{Kind: EventError, Error: &ErrorInfo{Stage: "vad", Kind: "score", Message: err.Error()}})
			}
			continue
		}
		if vadFailures > 0 {
			c.log.Info("vad scoring recovered", slog.Int("failed_frames", vadFailures))
			vadFailures = 0
		}
		if utt != nil {
			c.enqueue(*utt)
			sincePartial = 0
		}
		if c.segmenter.State() == vad.StateSilence {
			c.watermark.Store(int64(frame.End()))
			continue
		}
		if c.partials != nil {
			sincePartial += frame.Duration()
			if sincePartial >= every {
				sincePartial = 0
				if snap, ok := c.segmenter.Snapshot(); ok {
					c.offerPartial(snap)
				}
			}
		}
	}
}

func (c *Coordinator) enqueue(utt protocol.Utterance) {
	c.deps.Metrics.Utterance(c.runCtx, utt.Forced)
	c.pending.Add(1)
	dropped, ok := c.queue.Push(utt)
	if !ok {
		c.pending.Add(-1)
		return
	}
	if dropped != nil {
		c.pending.Add(-1)
		c.deps.Metrics.DroppedUtterance(c.runCtx)
		c.log.Warn("transcription queue full, dropping oldest utterance",
			slog.Uint64("utterance_id", dropped.ID),
			slog.Duration("duration", dropped.Duration()),
		)
	}
}

// offerPartial replaces any snapshot the partial worker has not picked up.
func (c *Coordinator) offerPartial(utt protocol.Utterance) {
	select {
	case <-c.partials:
	default:
	}
	select {
	case c.partials <- utt:
	default:
	}
}

func (c *Coordinator) partialLoop(ctx context.Context) {
	defer c.background.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case utt := <-c.partials:
			seg, ok, err := c.engine.TranscribePartial(ctx, utt)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Debug("partial transcription failed", slogError(err))
				continue
			}
			if ok {
				c.emit(Event{Kind: EventTranscript, Partial: true, Transcript: &seg})
			}
		}
	}
}

func (c *Coordinator) transcribeLoop() {
	defer c.workers.Done()
	for {
		utt, ok := c.queue.Pop(c.runCtx)
		if !ok {
			return
		}
		c.process(utt)
		c.pending.Add(-1)
	}
}

func (c *Coordinator) process(utt protocol.Utterance) {
	segments, err := c.engine.Transcribe(c.runCtx, utt)
	if err != nil {
		if c.runCtx.Err() != nil {
			return
		}
		c.deps.Metrics.DecodeFailure(c.runCtx)
		c.log.Warn("transcription failed", slog.Uint64("utterance_id", utt.ID), slogError(err))
		c.emitError("stt", "decode", err)
		return
	}
	for i := range segments {
		seg := segments[i]
		c.emit(Event{Kind: EventTranscript, Transcript: &seg})
		c.handleQuestions(c.detector.Add(seg))
	}
}

// tickLoop applies the completion gate on stream time. It holds back while
// speech is still on its way to the detector.
func (c *Coordinator) tickLoop(ctx context.Context) {
	defer c.ticker.Done()
	interval := c.opts.Detector.Tick()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.handleQuestions(c.tickDue())
		}
	}
}

// tickDue runs the completion gate when no speech is in flight. The capture
// loop increments pending before it advances the watermark, so the watermark
// must be loaded first: a watermark covering an utterance implies that
// utterance is either still pending or already in the detector.
func (c *Coordinator) tickDue() []protocol.QuestionEvent {
	watermark := time.Duration(c.watermark.Load())
	if c.pending.Load() > 0 {
		return nil
	}
	return c.detector.Tick(watermark)
}

func (c *Coordinator) handleQuestions(events []protocol.QuestionEvent) {
	if len(events) == 0 {
		return
	}
	ctx := context.WithoutCancel(c.runCtx)
	for _, ev := range events {
		if admitted, _ := c.filter.Admit(ctx, ev); !admitted {
			c.deps.Metrics.Duplicate(ctx)
			continue
		}
		c.deps.Metrics.Question(ctx)
		q := ev
		c.log.Info("question detected", slog.String("question_id", q.ID), slog.String("text", q.Text))
		c.emit(Event{Kind: EventQuestion, Question: &q})
		c.dispatch(q)
	}
}

func (c *Coordinator) dispatch(q protocol.QuestionEvent) {
	req := protocol.AnswerRequest{
		Question:      q,
		Session:       c.session,
		Profile:       c.profile,
		CompanyNotes:  c.companyNotes,
		RecentContext: c.detector.Recent(c.opts.Knowledge.RecentContext, q.Span.Start),
	}
	c.answers.Add(1)
	go func() {
		defer c.answers.Done()
		res := c.dispatcher.Dispatch(c.runCtx, req, func(chunk protocol.AnswerChunk) {
			c.emit(Event{Kind: EventAnswer, Partial: true, Answer: &protocol.AnswerResult{
				QuestionID: chunk.QuestionID,
				Question:   q.Raw,
				Text:       chunk.Content,
				Provider:   c.deps.Generator.Name(),
			}})
		})
		if res.Failed() {
			c.filter.Forget(context.WithoutCancel(c.runCtx), q.Fingerprint)
		}
		c.emit(Event{Kind: EventAnswer, Answer: &res})
	}()
}

func (c *Coordinator) emit(ev Event) {
	ev.SessionID = c.session.ID
	ev.Time = time.Now().UTC()

	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.hardStop:
		c.log.Debug("event dropped during forced shutdown", slog.String("kind", string(ev.Kind)))
	}
}

// tryEmit delivers ev only if the host has room for it. The capture loop
// must never wait on the host.
func (c *Coordinator) tryEmit(ev Event) {
	ev.SessionID = c.session.ID
	ev.Time = time.Now().UTC()

	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.deps.Metrics.DroppedEvent(c.runCtx, string(ev.Kind))
		c.log.Debug("event dropped, host is not keeping up", slog.String("kind", string(ev.Kind)))
	}
}

func (c *Coordinator) emitError(stage, kind string, err error) {
	c.emit(Event{Kind: EventError, Error: &ErrorInfo{Stage: stage, Kind: kind, Message: err.Error()}})
}

// fatal records the first fatal error, reports it once and stops the
// session.
func (c *Coordinator) fatal(stage string, err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mu.Unlock()
	if !first {
		return
	}
	c.log.Error("pipeline fatal error", slog.String("stage", stage), slogError(err))
	go func() {
		c.emit(Event{Kind: EventError, Error: &ErrorInfo{Stage: stage, Kind: "device", Message: err.Error(), Fatal: true}})
		c.shutdown()
	}()
}

func (c *Coordinator) abort(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Error("pipeline failed to start", slogError(err))
	c.stopOnce.Do(func() {
		c.teardown()
	})
	return err
}

// cancelDrainTimeout bounds how long cancelled work may take to report
// before undelivered events are dropped.
const cancelDrainTimeout = time.Second

// force cancels all remaining work and stops delivering events.
func (c *Coordinator) force() {
	c.forceOnce.Do(func() {
		c.runCancel()
		close(c.hardStop)
	})
}

func (c *Coordinator) shutdown() {
	c.stopOnce.Do(func() {
		c.log.Info("pipeline stopping")

		c.captureCancel()
		<-c.captureDone
		if err := c.source.Close(); err != nil {
			c.log.Warn("audio source close failed", slogError(err))
		}
		if c.partialCancel != nil {
			c.partialCancel()
		}
		if utt := c.segmenter.Flush(); utt != nil {
			c.enqueue(*utt)
		}
		c.queue.Close()

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			c.workers.Wait()
			c.tickCancel()
			c.ticker.Wait()
			c.handleQuestions(c.detector.Flush())
			c.answers.Wait()
		}()

		grace := time.NewTimer(c.opts.Pipeline.Grace())
		defer grace.Stop()
		select {
		case <-drained:
		case <-grace.C:
			c.log.Warn("grace period elapsed, cancelling remaining work",
				slog.Int("queued_utterances", c.queue.Len()),
				slog.Int64("inflight_answers", c.dispatcher.Inflight()),
			)
			c.runCancel()
			select {
			case <-drained:
			case <-time.After(cancelDrainTimeout):
				c.force()
				<-drained
			}
		}
		c.runCancel()
		c.background.Wait()

		stats := c.segmenter.Stats()
		c.log.Info("pipeline stopped",
			slog.Uint64("utterances", stats.Emitted),
			slog.Uint64("forced_cuts", stats.Forced),
			slog.Uint64("discarded", stats.Discarded),
		)
		c.teardown()
	})
}

// teardown releases models and closes the event stream.
func (c *Coordinator) teardown() {
	if err := c.deps.Model.Close(); err != nil {
		c.log.Warn("stt model close failed", slogError(err))
	}
	if closer, ok := c.deps.Generator.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.log.Warn("llm provider close failed", slogError(err))
		}
	}

	c.forceOnce.Do(func() {
		if c.runCancel != nil {
			c.runCancel()
		}
		close(c.hardStop)
	})
	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()
	close(c.done)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

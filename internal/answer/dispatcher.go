// Package answer turns detected questions into model answers with bounded
// concurrency and a per-call timeout.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/llm"
	"github.com/loqalabs/loqa-cue/internal/metrics"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDispatchTimeout   = errors.New("answer generation timed out")
	ErrDispatchProvider  = errors.New("answer provider failed")
	ErrDispatchCancelled = errors.New("answer dispatch cancelled")
)

// Error kinds carried on a failed protocol.AnswerResult.
const (
	KindTimeout   = "timeout"
	KindProvider  = "provider"
	KindCancelled = "cancelled"
)

// ErrorOf maps a failed result back to its sentinel error. It returns nil
// for successful results.
func ErrorOf(res protocol.AnswerResult) error {
	var base error
	switch res.ErrorKind {
	case "":
		return nil
	case KindTimeout:
		base = ErrDispatchTimeout
	case KindCancelled:
		base = ErrDispatchCancelled
	default:
		base = ErrDispatchProvider
	}
	if res.Error == "" {
		return base
	}
	return &resultError{base: base, msg: res.Error}
}

type resultError struct {
	base error
	msg  string
}

func (e *resultError) Error() string { return e.msg }
func (e *resultError) Unwrap() error { return e.base }

type Option func(*Dispatcher)

func WithMetrics(in *metrics.Instruments) Option {
	return func(d *Dispatcher) { d.metrics = in }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher runs answer generation. Dispatch is safe for concurrent use;
// at most cfg.MaxConcurrent generations run at once.
type Dispatcher struct {
	gen      llm.Generator
	cfg      config.LLMConfig
	maxChars int
	log      *slog.Logger
	sem      chan struct{}
	inflight atomic.Int64
	metrics  *metrics.Instruments
	tracer   trace.Tracer
}

func New(gen llm.Generator, cfg config.LLMConfig, knowledge config.KnowledgeConfig, log *slog.Logger, opts ...Option) *Dispatcher {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	d := &Dispatcher{
		gen:      gen,
		cfg:      cfg,
		maxChars: knowledge.MaxChars,
		log:      log.With(slog.String("component", "answer")),
		sem:      make(chan struct{}, limit),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-cue/answer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics.ObserveInflight(d.inflight.Load)
	return d
}

// Inflight reports the number of generations holding a slot.
func (d *Dispatcher) Inflight() int64 {
	return d.inflight.Load()
}

// Dispatch answers one question. onChunk, when set, receives streamed
// partial output. Failures are reported on the result, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.AnswerRequest, onChunk func(protocol.AnswerChunk)) protocol.AnswerResult {
	q := req.Question
	result := protocol.AnswerResult{
		QuestionID: q.ID,
		Question:   questionText(q),
		Provider:   d.gen.Name(),
		Model:      d.gen.Model(),
	}

	ctx, span := d.tracer.Start(ctx, "answer.dispatch", trace.WithAttributes(
		attribute.String("question.id", q.ID),
		attribute.String("llm.provider", result.Provider),
	))
	defer span.End()

	start := time.Now()
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return d.fail(ctx, span, result, start, KindCancelled, fmt.Errorf("%w: %v", ErrDispatchCancelled, ctx.Err()))
	}
	d.inflight.Add(1)
	defer func() {
		d.inflight.Add(-1)
		<-d.sem
	}()

	callCtx := ctx
	if timeout := d.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	llmReq := llm.RequestFromConfig(d.cfg)
	llmReq.QuestionID = q.ID
	llmReq.Prompt = BuildPrompt(req, d.maxChars)

	var text strings.Builder
	var final llm.Chunk
	err := d.gen.Generate(callCtx, llmReq, func(chunk llm.Chunk) error {
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if chunk.Partial && onChunk != nil {
				onChunk(protocol.AnswerChunk{QuestionID: q.ID, Content: chunk.Content})
			}
		}
		if !chunk.Partial {
			final = chunk
		}
		return nil
	})

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return d.fail(ctx, span, result, start, KindCancelled, fmt.Errorf("%w: %v", ErrDispatchCancelled, err))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return d.fail(ctx, span, result, start, KindTimeout, fmt.Errorf("%w after %s", ErrDispatchTimeout, d.cfg.Timeout()))
	default:
		return d.fail(ctx, span, result, start, KindProvider, fmt.Errorf("%w: %v", ErrDispatchProvider, err))
	}

	answer := Clean(text.String())
	if answer == "" {
		return d.fail(ctx, span, result, start, KindProvider, fmt.Errorf("%w: empty response", ErrDispatchProvider))
	}
	result.Text = answer
	result.Latency = time.Since(start)
	result.PromptTokens = final.PromptTokens
	result.CompletionTokens = final.CompletionTokens
	span.SetAttributes(attribute.Int("llm.completion_tokens", final.CompletionTokens))
	d.metrics.Answer(ctx, "ok", result.Provider, result.Latency.Seconds())
	d.log.Info("answer ready",
		slog.String("question_id", q.ID),
		slog.Duration("latency", result.Latency),
		slog.Int("chars", len(answer)),
	)
	return result
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, result protocol.AnswerResult, start time.Time, kind string, err error) protocol.AnswerResult {
	result.Text = ""
	result.ErrorKind = kind
	result.Error = err.Error()
	result.Latency = time.Since(start)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	d.metrics.Answer(context.WithoutCancel(ctx), kind, result.Provider, result.Latency.Seconds())
	level := slog.LevelWarn
	if kind == KindCancelled {
		level = slog.LevelDebug
	}
	d.log.Log(context.WithoutCancel(ctx), level, "answer failed",
		slog.String("question_id", result.QuestionID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	return result
}

// Package metrics holds the OpenTelemetry instruments shared by the pipeline
// stages. A nil *Instruments is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-cue/pipeline"

type Instruments struct {
	frames         metric.Int64Counter
	utterances     metric.Int64Counter
	dropped        metric.Int64Counter
	decodeFailures metric.Int64Counter
	questions      metric.Int64Counter
	duplicates     metric.Int64Counter
	answers        metric.Int64Counter
	droppedEvents  metric.Int64Counter
	answerLatency  metric.Float64Histogram

	queueGauge    metric.Int64ObservableGauge
	inflightGauge metric.Int64ObservableGauge

	mu       sync.RWMutex
	queue    func() int64
	inflight func() int64
}

// New registers instruments on the global meter provider.
func New() (*Instruments, error) {
	return NewWithMeter(otel.Meter(instrumentationName))
}

func NewWithMeter(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	in.frames = counter("cue.audio.frames", "Audio frames captured")
	in.utterances = counter("cue.vad.utterances", "Utterances emitted by the segmenter")
	in.dropped = counter("cue.pipeline.utterances_dropped", "Utterances dropped because the transcription queue was full")
	in.decodeFailures = counter("cue.stt.decode_failures", "Utterances whose transcription failed")
	in.questions = counter("cue.detector.questions", "Questions admitted for answering")
	in.duplicates = counter("cue.dedup.duplicates", "Questions suppressed as duplicates")
	in.answers = counter("cue.answer.results", "Answer results by status")
	in.droppedEvents = counter("cue.pipeline.events_dropped", "Events discarded because the host was not keeping up")

	hist, err := meter.Float64Histogram("cue.answer.latency",
		metric.WithDescription("Answer generation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	in.answerLatency = hist

	in.queueGauge, err = meter.Int64ObservableGauge("cue.pipeline.queue_depth", metric.WithDescription("Utterances waiting for transcription"))
	if err != nil {
		errs = append(errs, err)
	}
	in.inflightGauge, err = meter.Int64ObservableGauge("cue.answer.inflight", metric.WithDescription("Answers currently being generated"))
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		in.mu.RLock()
		queue, inflight := in.queue, in.inflight
		in.mu.RUnlock()
		if queue != nil {
			obs.ObserveInt64(in.queueGauge, queue())
		}
		if inflight != nil {
			obs.ObserveInt64(in.inflightGauge, inflight())
		}
		return nil
	}, in.queueGauge, in.inflightGauge)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// ObserveQueue installs the reader behind the queue depth gauge.
func (in *Instruments) ObserveQueue(fn func() int64) {
	if in == nil {
		return
	}
	in.mu.Lock()
	in.queue = fn
	in.mu.Unlock()
}

// ObserveInflight installs the reader behind the in-flight answers gauge.
func (in *Instruments) ObserveInflight(fn func() int64) {
	if in == nil {
		return
	}
	in.mu.Lock()
	in.inflight = fn
	in.mu.Unlock()
}

func (in *Instruments) Frame(ctx context.Context) {
	if in == nil {
		return
	}
	in.frames.Add(ctx, 1)
}

func (in *Instruments) Utterance(ctx context.Context, forced bool) {
	if in == nil {
		return
	}
	in.utterances.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (in *Instruments) DroppedUtterance(ctx context.Context) {
	if in == nil {
		return
	}
	in.dropped.Add(ctx, 1)
}

func (in *Instruments) DroppedEvent(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.droppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (in *Instruments) DecodeFailure(ctx context.Context) {
	if in == nil {
		return
	}
	in.decodeFailures.Add(ctx, 1)
}

func (in *Instruments) Question(ctx context.Context) {
	if in == nil {
		return
	}
	in.questions.Add(ctx, 1)
}

func (in *Instruments) Duplicate(ctx context.Context) {
	if in == nil {
		return
	}
	in.duplicates.Add(ctx, 1)
}

// Answer records one finished dispatch. Status is "ok" or the failure kind.
func (in *Instruments) Answer(ctx context.Context, status, provider string, latencySeconds float64) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("provider", provider),
	)
	in.answers.Add(ctx, 1, attrs)
	in.answerLatency.Record(ctx, latencySeconds, attrs)
}

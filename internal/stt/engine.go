// Package stt turns finalized utterances into timed transcript segments
// through a pluggable recognizer.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/vad"
)

// DecodeError reports a failed decode of one utterance. The caller skips the
// utterance and keeps going.
type DecodeError struct {
	UtteranceID uint64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stt: decode utterance %d: %v", e.UtteranceID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Engine struct {
	model        *Model
	timeout      time.Duration
	silenceFloor float64
	log          *slog.Logger
}

func NewEngine(model *Model, cfg config.STTConfig, log *slog.Logger) *Engine {
	return &Engine{
		model:        model,
		timeout:      cfg.Timeout(),
		silenceFloor: cfg.SilenceFloor,
		log:          log.With(slog.String("component", "stt-engine")),
	}
}

// Transcribe decodes a finalized utterance. Empty or near-silent audio
// yields no segments and no error.
func (e *Engine) Transcribe(ctx context.Context, utt protocol.Utterance) ([]protocol.TranscriptSegment, error) {
	result, ok, err := e.decode(ctx, utt, true)
	if err != nil || !ok {
		return nil, err
	}

	var segments []protocol.TranscriptSegment
	if len(result.Segments) == 0 {
		if text := strings.TrimSpace(result.Text); text != "" {
			segments = append(segments, protocol.TranscriptSegment{
				UtteranceID: utt.ID,
				Text:        text,
				Start:       utt.Start,
				End:         utt.End,
				Confidence:  result.Confidence,
				Final:       true,
			})
		}
	} else {
		prevStart := utt.Start
		for _, seg := range result.Segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			start := clamp(utt.Start+seg.Start, utt.Start, utt.End)
			if start < prevStart {
				start = prevStart
			}
			end := clamp(utt.Start+seg.End, start, utt.End)
			prevStart = start
			segments = append(segments, protocol.TranscriptSegment{
				UtteranceID: utt.ID,
				Index:       len(segments),
				Text:        text,
				Start:       start,
				End:         end,
				Confidence:  seg.Confidence,
				Final:       true,
			})
		}
	}

	if n := len(segments); n > 0 && !utt.Forced {
		segments[n-1].TrailingPause = utt.TrailingSilence
	}
	return segments, nil
}

// TranscribePartial decodes in-progress audio into a single preview segment.
func (e *Engine) TranscribePartial(ctx context.Context, utt protocol.Utterance) (protocol.TranscriptSegment, bool, error) {
	result, ok, err := e.decode(ctx, utt, false)
	if err != nil || !ok {
		return protocol.TranscriptSegment{}, false, err
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return protocol.TranscriptSegment{}, false, nil
	}
	return protocol.TranscriptSegment{
		UtteranceID: utt.ID,
		Text:        text,
		Start:       utt.Start,
		End:         utt.End,
		Confidence:  result.Confidence,
	}, true, nil
}

func (e *Engine) decode(ctx context.Context, utt protocol.Utterance, final bool) (TranscriptResult, bool, error) {
	samples := utt.Samples()
	if len(samples) == 0 || vad.RMS(samples) < e.silenceFloor {
		e.log.Debug("skipping near-silent utterance", slog.Uint64("utterance_id", utt.ID))
		return TranscriptResult{}, false, nil
	}
	rec, err := e.model.Recognizer()
	if err != nil {
		return TranscriptResult{}, false, &DecodeError{UtteranceID: utt.ID, Err: err}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	result, err := rec.Transcribe(ctx, utt.PCM(), utt.SampleRate, 1, final)
	if err != nil {
		return TranscriptResult{}, false, &DecodeError{UtteranceID: utt.ID, Err: err}
	}
	return result, true, nil
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

//go:build whisper

package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-cue/internal/config"
)

// whisperRecognizer runs whisper.cpp in process through its cgo bindings.
// The model is loaded once; each decode gets a fresh context.
type whisperRecognizer struct {
	model whisper.Model
	cfg   config.STTConfig
	mu    sync.Mutex
}

func newWhisperRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("stt model_path is empty")
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", cfg.ModelPath, err)
	}
	return &whisperRecognizer{model: model, cfg: cfg}, nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if sampleRate != whisper.SampleRate {
		return TranscriptResult{}, fmt.Errorf("whisper needs %d Hz audio, got %d", whisper.SampleRate, sampleRate)
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	samples := pcmToFloat(pcm, channels)

	r.mu.Lock()
	defer r.mu.Unlock()
	wctx, err := r.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper context: %w", err)
	}
	if r.cfg.Language != "" {
		if err := wctx.SetLanguage(r.cfg.Language); err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper language %q: %w", r.cfg.Language, err)
		}
	}
	// whisper.cpp has no cancellation hook; abandon the result instead.
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper process: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}

	var result TranscriptResult
	var confSum float64
	var texts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper segment: %w", err)
		}
		conf := tokenConfidence(seg.Tokens)
		confSum += conf
		texts = append(texts, seg.Text)
		result.Segments = append(result.Segments, Segment{
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
			Confidence: conf,
		})
	}
	result.Text = joinSegments(texts)
	if len(result.Segments) > 0 {
		result.Confidence = confSum / float64(len(result.Segments))
	}
	return result, nil
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.Close()
}

func tokenConfidence(tokens []whisper.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, tok := range tokens {
		sum += float64(tok.P)
	}
	return sum / float64(len(tokens))
}

// pcmToFloat converts little-endian PCM16 to mono float32 in [-1, 1].
func pcmToFloat(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / 2 / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Package audio captures system audio as a stream of fixed-size PCM frames.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

var (
	// ErrReadTimeout is returned by Read when no frame arrived within the
	// configured read timeout. It is not fatal.
	ErrReadTimeout = errors.New("audio: read timed out")
	// ErrClosed is returned by Read once the source has been closed.
	ErrClosed = errors.New("audio: source closed")
)

// DeviceNotFoundError is returned by Open when no input device matches the
// configured selector. The adapter never falls back to a microphone.
type DeviceNotFoundError struct {
	Pattern    string
	Candidates []string
}

func (e *DeviceNotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("audio: no input device matches %q (no input devices available)", e.Pattern)
	}
	return fmt.Sprintf("audio: no input device matches %q (available: %s)", e.Pattern, strings.Join(e.Candidates, ", "))
}

// DeviceError reports a failure of the capture device itself. It ends the
// session.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s %q: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsFatal reports whether err should stop the pipeline.
func IsFatal(err error) bool {
	var devErr *DeviceError
	var notFound *DeviceNotFoundError
	return errors.As(err, &devErr) || errors.As(err, &notFound)
}

// Source is an open capture stream. Read blocks until a frame is available,
// the read timeout elapses or ctx is done. Close is idempotent and releases
// the OS handle.
type Source interface {
	Read(ctx context.Context) (protocol.AudioFrame, error)
	Close() error
}

// Opener opens a Source. The pipeline holds one so tests can substitute
// their own streams.
type Opener func(ctx context.Context) (Source, error)

// Open opens the configured backend directly.
func Open(ctx context.Context, cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	opener, err := NewOpener(cfg, log)
	if err != nil {
		return nil, err
	}
	return opener(ctx)
}

// NewOpener returns the Opener for the configured backend.
func NewOpener(cfg config.AudioConfig, log *slog.Logger) (Opener, error) {
	log = log.With(slog.String("component", "audio-source"))
	switch cfg.Backend {
	case "portaudio":
		return func(ctx context.Context) (Source, error) {
			return OpenLoopback(ctx, cfg, log)
		}, nil
	case "wav":
		return func(ctx context.Context) (Source, error) {
			return OpenWAV(cfg, log)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported audio backend %q", cfg.Backend)
	}
}

// downmix averages interleaved channels into mono.
func downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return append([]int16(nil), interleaved...)
	}
	out := make([]int16, len(interleaved)/channels)
	for i := range out {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(interleaved[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
)

// wavSource replays a recorded interview from a PCM WAV file. With Realtime
// set, frames are paced at their natural rate; otherwise they are returned
// as fast as the consumer reads. Read returns io.EOF at the end of the file.
type wavSource struct {
	log        *slog.Logger
	path       string
	file       *os.File
	decoder    *wav.Decoder
	buf        *goaudio.IntBuffer
	channels   int
	sampleRate int
	bitDepth   int
	frameDur   time.Duration
	realtime   bool

	mu      sync.Mutex
	started time.Time
	seq     uint64
	closed  bool
}

// OpenWAV opens cfg.FilePath for replay.
func OpenWAV(cfg config.AudioConfig, log *slog.Logger) (Source, error) {
	file, err := os.Open(cfg.FilePath)
	if err != nil {
		return nil, &DeviceError{Device: cfg.FilePath, Op: "open", Err: err}
	}
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, &DeviceError{Device: cfg.FilePath, Op: "open", Err: fmt.Errorf("not a valid wav file")}
	}
	if err := decoder.FwdToPCM(); err != nil {
		file.Close()
		return nil, &DeviceError{Device: cfg.FilePath, Op: "open", Err: err}
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		file.Close()
		return nil, &DeviceError{Device: cfg.FilePath, Op: "open", Err: fmt.Errorf("unsupported bit depth %d", bitDepth)}
	}
	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)
	if channels <= 0 {
		channels = 1
	}
	if sampleRate != cfg.SampleRate {
		log.Warn("wav sample rate differs from configured rate",
			slog.Int("file_rate", sampleRate),
			slog.Int("configured_rate", cfg.SampleRate))
	}

	frameSamples := sampleRate * cfg.FrameDurationMS / 1000
	s := &wavSource{
		log:        log.With(slog.String("file", cfg.FilePath)),
		path:       cfg.FilePath,
		file:       file,
		decoder:    decoder,
		channels:   channels,
		sampleRate: sampleRate,
		bitDepth:   bitDepth,
		frameDur:   time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		realtime:   cfg.Realtime,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			Data:   make([]int, frameSamples*channels),
		},
	}
	s.log.Info("wav replay opened",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Bool("realtime", cfg.Realtime))
	return s, nil
}

func (s *wavSource) Read(ctx context.Context) (protocol.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.AudioFrame{}, ErrClosed
	}

	if s.realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(time.Duration(s.seq) * s.frameDur)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return protocol.AudioFrame{}, ctx.Err()
			}
		}
	}

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil && err != io.EOF {
		return protocol.AudioFrame{}, &DeviceError{Device: s.path, Op: "read", Err: err}
	}
	n -= n % s.channels
	if n == 0 {
		return protocol.AudioFrame{}, io.EOF
	}

	interleaved := make([]int16, n)
	shift := uint(s.bitDepth - 16)
	for i := 0; i < n; i++ {
		interleaved[i] = int16(s.buf.Data[i] >> shift)
	}
	frame := protocol.AudioFrame{
		Sequence:   s.seq,
		SampleRate: s.sampleRate,
		Samples:    downmix(interleaved, s.channels),
		Timestamp:  time.Duration(s.seq) * s.frameDur,
		CapturedAt: time.Now(),
	}
	s.seq++
	return frame, nil
}

func (s *wavSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

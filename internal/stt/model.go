package stt

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-cue/internal/config"
)

var ErrModelClosed = errors.New("stt: model closed")

// Model owns the recognizer for a session. The recognizer is built on first
// use and torn down by Close.
type Model struct {
	log   *slog.Logger
	build func() (Recognizer, error)

	mu     sync.Mutex
	rec    Recognizer
	closed bool
}

func NewModel(cfg config.STTConfig, log *slog.Logger) *Model {
	return &Model{
		log:   log.With(slog.String("component", "stt-model")),
		build: func() (Recognizer, error) { return NewRecognizer(cfg) },
	}
}

// NewModelWith wraps an already constructed recognizer.
func NewModelWith(rec Recognizer, log *slog.Logger) *Model {
	return &Model{
		log:   log.With(slog.String("component", "stt-model")),
		build: func() (Recognizer, error) { return rec, nil },
	}
}

// Recognizer returns the recognizer, building it if needed. A failed build
// is retried on the next call.
func (m *Model) Recognizer() (Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModelClosed
	}
	if m.rec != nil {
		return m.rec, nil
	}
	rec, err := m.build()
	if err != nil {
		return nil, err
	}
	m.rec = rec
	m.log.Info("stt recognizer initialized")
	return rec, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	rec := m.rec
	m.rec = nil
	if closer, ok := rec.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

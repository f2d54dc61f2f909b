// Package vad gates captured audio into utterances with a two-state
// voice-activity machine.
package vad

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// Scorer rates the speech activity of one frame in [0, 1].
type Scorer interface {
	Score(frame protocol.AudioFrame) (float64, error)
}

// NewScorer builds the scorer named by cfg.Engine.
func NewScorer(cfg config.VADConfig, sampleRate int) (Scorer, error) {
	switch cfg.Engine {
	case "", "energy":
		return EnergyScorer{}, nil
	case "webrtc":
		return NewWebRTCScorer(cfg.Mode, sampleRate)
	default:
		return nil, fmt.Errorf("unsupported vad engine %q", cfg.Engine)
	}
}

// EnergyScorer scores a frame by its RMS level relative to full scale.
type EnergyScorer struct{}

func (EnergyScorer) Score(frame protocol.AudioFrame) (float64, error) {
	return RMS(frame.Samples), nil
}

// RMS returns the root mean square of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// WebRTCScorer wraps the WebRTC voice activity detector. Scores are binary.
// Frames must be 10, 20 or 30 ms long at 8, 16, 32 or 48 kHz.
type WebRTCScorer struct {
	vad        *webrtcvad.VAD
	sampleRate int
}

func NewWebRTCScorer(mode, sampleRate int) (*WebRTCScorer, error) {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: invalid sample rate %d", sampleRate)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set webrtc vad mode: %w", err)
	}
	return &WebRTCScorer{vad: v, sampleRate: sampleRate}, nil
}

func (w *WebRTCScorer) Score(frame protocol.AudioFrame) (float64, error) {
	per10ms := w.sampleRate / 100
	n := len(frame.Samples)
	if n == 0 || n%per10ms != 0 || n/per10ms > 3 {
		return 0, fmt.Errorf("webrtc vad: frame of %d samples invalid at %d Hz", n, w.sampleRate)
	}
	buf := make([]byte, n*2)
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	active, err := w.vad.Process(w.sampleRate, buf)
	if err != nil {
		return 0, fmt.Errorf("webrtc vad: %w", err)
	}
	if active {
		return 1, nil
	}
	return 0, nil
}

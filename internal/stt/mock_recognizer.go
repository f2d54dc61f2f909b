package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockStep scripts one final decode of a MockRecognizer.
type MockStep struct {
	Result TranscriptResult
	Err    error
	Delay  time.Duration
}

// MockRecognizer replays scripted results for final decodes in call order.
// Once the script is exhausted it describes the audio it was given.
type MockRecognizer struct {
	mu    sync.Mutex
	steps []MockStep
	calls int
}

func NewMockRecognizer(steps ...MockStep) *MockRecognizer {
	return &MockRecognizer{steps: steps}
}

// Calls reports how many final decodes were requested.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if !final {
		return TranscriptResult{Text: fmt.Sprintf("[partial transcript length=%d]", len(pcm))}, nil
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	var step MockStep
	scripted := idx < len(m.steps)
	if scripted {
		step = m.steps[idx]
	}
	m.mu.Unlock()

	if !scripted {
		return TranscriptResult{Text: fmt.Sprintf("[final transcript length=%d]", len(pcm))}, nil
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return TranscriptResult{}, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	return step.Result, step.Err
}

package llm

import (
	"context"
	"strings"
	"time"
)

// MockGenerator answers instantly-ish with a canned reply. Tests tune Delay
// and Err to exercise timeouts and failures.
type MockGenerator struct {
	Delay time.Duration
	Reply func(req Request) string
	Err   error
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{Delay: 20 * time.Millisecond}
}

func (m *MockGenerator) Name() string  { return "mock" }
func (m *MockGenerator) Model() string { return "mock" }

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
	}
	if m.Err != nil {
		return m.Err
	}
	content := "[mock answer for " + lastLine(req.Prompt) + "]"
	if m.Reply != nil {
		content = m.Reply(req)
	}
	return consumer(Chunk{
		QuestionID: req.QuestionID,
		Content:    content,
		Partial:    false,
		Latency:    m.Delay,
	})
}

func lastLine(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		return strings.TrimSpace(prompt[i+1:])
	}
	return prompt
}

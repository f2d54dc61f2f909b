// Package llm holds the language model providers the answer dispatcher
// talks to.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-cue/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	QuestionID  string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	QuestionID       string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Generate streams chunks to
// consumer; the last chunk has Partial unset.
type Generator interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Provider.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Provider {
	case "local":
		return NewLocalProvider(cfg.Endpoint, cfg.Model), nil
	case "remote":
		return NewRemoteProvider(cfg.RemoteBaseURL, cfg.APIKey, cfg.RemoteModel), nil
	case "mock":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// RequestFromConfig fills request defaults from config.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{System: cfg.SystemPrompt, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

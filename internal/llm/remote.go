package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// RemoteProvider streams chat completions from an OpenAI-compatible API.
// The default base URL points at OpenRouter.
type RemoteProvider struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
}

func NewRemoteProvider(baseURL, apiKey, model string) *RemoteProvider {
	httpClient := &http.Client{}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &RemoteProvider{client: &client, httpClient: httpClient, model: model}
}

func (p *RemoteProvider) Name() string  { return "remote" }
func (p *RemoteProvider) Model() string { return p.model }

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *RemoteProvider) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	start := time.Now()
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var promptTokens, completionTokens int
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 {
			promptTokens = int(chunk.Usage.PromptTokens)
		}
		if chunk.Usage.CompletionTokens > 0 {
			completionTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := consumer(Chunk{
			QuestionID: req.QuestionID,
			Content:    chunk.Choices[0].Delta.Content,
			Partial:    true,
			Latency:    time.Since(start),
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && err != io.EOF {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("remote completion: %w", err)
	}
	return consumer(Chunk{
		QuestionID:       req.QuestionID,
		Partial:          false,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Latency:          time.Since(start),
	})
}

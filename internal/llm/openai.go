package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to OpenAI or any endpoint speaking its chat API.
type OpenAIBackend struct {
	name    string
	baseURL string
	aliases map[string]string
	http    *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAIBackend(name, baseURL string, aliases map[string]string, client *http.Client) *OpenAIBackend {
	return &OpenAIBackend{name: name, baseURL: baseURL, aliases: aliases, http: client, clients: map[string]*openai.Client{}}
}

func (b *OpenAIBackend) Name() string { return b.name }

// client returns a go-openai client bound to the given key. Keys differ per
// organisation so clients are cached by key.
func (b *OpenAIBackend) client(apiKey string) *openai.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[apiKey]; ok {
		return c
	}
	cfg := openai.DefaultConfig(apiKey)
	if b.baseURL != "" {
		cfg.BaseURL = b.baseURL
	}
	if b.http != nil {
		cfg.HTTPClient = b.http
	}
	c := openai.NewClientWithConfig(cfg)
	b.clients[apiKey] = c
	return c
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Completion, error) {
	if req.APIKey == "" {
		return Completion{}, &CallError{Kind: KindUnauthorized, Backend: b.name, Model: req.Model, Err: errors.New("missing api key")}
	}
	model := resolveModel(b.aliases, req.Model)
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.Params.MaxTokens,
	}
	if req.Params.Temperature != nil {
		creq.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	resp, err := b.client(req.APIKey).CreateChatCompletion(ctx, creq)
	if err != nil {
		return Completion{}, classifyOpenAI(b.name, req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &CallError{Kind: KindMalformed, Backend: b.name, Model: req.Model, Err: errors.New("no choices")}
	}
	return Completion{
		Backend:      b.name,
		Model:        req.Model,
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func classifyOpenAI(backend, model string, err error) *CallError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Classify(backend, model, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusOK {
			return &CallError{Kind: KindMalformed, Backend: backend, Model: model, Err: err}
		}
		return Classify(backend, model, reqErr.HTTPStatusCode, err)
	}
	return Classify(backend, model, 0, fmt.Errorf("openai: %w", err))
}

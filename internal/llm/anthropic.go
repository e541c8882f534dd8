package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	anthropicMaxOut  = 4096
)

// AnthropicBackend calls the Messages API over plain HTTP.
type AnthropicBackend struct {
	name    string
	baseURL string
	aliases map[string]string
	client  *http.Client
}

func NewAnthropicBackend(name, baseURL string, aliases map[string]string, client *http.Client) *AnthropicBackend {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicBackend{name: name, baseURL: strings.TrimRight(baseURL, "/"), aliases: aliases, client: client}
}

func (b *AnthropicBackend) Name() string { return b.name }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (Completion, error) {
	if req.APIKey == "" {
		return Completion{}, &CallError{Kind: KindUnauthorized, Backend: b.name, Model: req.Model, Err: errors.New("missing api key")}
	}
	system, turns := SplitSystem(req.Messages)
	if req.Params.JSON {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}
	msgs := make([]anthropicMessage, 0, len(turns))
	for _, m := range turns {
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxOut
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       resolveModel(b.aliases, req.Model),
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Params.Temperature,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-api-key", req.APIKey)
	hreq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.client.Do(hreq)
	if err != nil {
		return Completion{}, Classify(b.name, req.Model, 0, fmt.Errorf("do: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Completion{}, Classify(b.name, req.Model, resp.StatusCode, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, &CallError{Kind: KindMalformed, Backend: b.name, Model: req.Model, Err: fmt.Errorf("decode: %w", err)}
	}
	var text strings.Builder
	for _, part := range out.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	return Completion{
		Backend:      b.name,
		Model:        req.Model,
		Content:      text.String(),
		InputTokens:  int64(out.Usage.InputTokens),
		OutputTokens: int64(out.Usage.OutputTokens),
	}, nil
}

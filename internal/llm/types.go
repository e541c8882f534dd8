package llm

import (
	"strings"
	"time"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged text block of a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single generation.
type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// JSON asks the backend for a JSON object reply when it supports it.
	JSON bool `json:"json,omitempty"`
}

// Request is the uniform call contract shared by all backends.
type Request struct {
	Backend  string
	Model    string
	APIKey   string
	Messages []Message
	Params   Params
	// Schema, when set, forces the reply to be a JSON document validated
	// against it. A mismatch surfaces as a malformed failure.
	Schema *ReplySchema
}

// Completion is a successful generation.
type Completion struct {
	Backend      string        `json:"backend"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// TotalTokens sums prompt and completion tokens.
func (c Completion) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}

// Temperature is a helper for building Params literals.
func Temperature(t float64) *float64 { return &t }

// SplitSystem separates leading system messages from the conversation turns.
func SplitSystem(msgs []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedBackend replies from a handler function. It backs tests and the
// offline dry-run mode of the CLI.
type ScriptedBackend struct {
	name    string
	handler func(ctx context.Context, req Request) (string, error)

	mu    sync.Mutex
	calls []Request
}

func NewScriptedBackend(name string, handler func(ctx context.Context, req Request) (string, error)) *ScriptedBackend {
	return &ScriptedBackend{name: name, handler: handler}
}

// StaticBackend always answers with the same text.
func StaticBackend(name, reply string) *ScriptedBackend {
	return NewScriptedBackend(name, func(context.Context, Request) (string, error) { return reply, nil })
}

// FailingBackend always fails with the given kind.
func FailingBackend(name string, kind Kind) *ScriptedBackend {
	return NewScriptedBackend(name, func(_ context.Context, req Request) (string, error) {
		return "", &CallError{Kind: kind, Backend: name, Model: req.Model}
	})
}

func (b *ScriptedBackend) Name() string { return b.name }

func (b *ScriptedBackend) Complete(ctx context.Context, req Request) (Completion, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	content, err := b.handler(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Backend:      b.name,
		Model:        req.Model,
		Content:      content,
		InputTokens:  int64(approxTokens(req.Messages)),
		OutputTokens: int64(len(strings.Fields(content))),
	}, nil
}

// Calls returns a copy of every request the backend received.
func (b *ScriptedBackend) Calls() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.calls))
	copy(out, b.calls)
	return out
}

func approxTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}

// LastUserMessage returns the final user turn of a request.
func LastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

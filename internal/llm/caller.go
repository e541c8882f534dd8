package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var callerTracer trace.Tracer = otel.Tracer("council/internal/llm")

// Observation is reported for every finished call, successful or not.
type Observation struct {
	Backend string
	Model   string
	Latency time.Duration
	Tokens  int64
	// Kind is empty on success.
	Kind Kind
}

// Caller is the single entry point for model calls. It resolves backend
// defaults, measures latency, classifies failures and validates structured
// replies.
type Caller struct {
	registry *Registry
	logger   *log.Logger
	observe  func(Observation)
}

// CallerOption customises a Caller.
type CallerOption func(*Caller)

// WithObserver registers a hook invoked after every call.
func WithObserver(fn func(Observation)) CallerOption {
	return func(c *Caller) { c.observe = fn }
}

// WithLogger overrides the caller logger.
func WithLogger(logger *log.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger }
}

func NewCaller(registry *Registry, opts ...CallerOption) *Caller {
	c := &Caller{
		registry: registry,
		logger:   log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the backend table behind the caller.
func (c *Caller) Registry() *Registry { return c.registry }

// Call performs one generation. Failures are always *CallError.
func (c *Caller) Call(ctx context.Context, req Request) (Completion, error) {
	backend, ok := c.registry.Lookup(req.Backend)
	if !ok {
		return Completion{}, NewError(KindUnknownBackend, req.Backend, req.Model, fmt.Errorf("backend %q not registered", req.Backend))
	}
	info, _ := c.registry.Info(req.Backend)
	if strings.TrimSpace(req.Model) == "" {
		req.Model = info.DefaultModel
	}
	if strings.TrimSpace(req.APIKey) == "" {
		req.APIKey = info.APIKey
	}
	if req.Schema != nil {
		req.Params.JSON = true
	}

	ctx, span := callerTracer.Start(ctx, "llm.Call", trace.WithAttributes(
		attribute.String("llm.backend", req.Backend),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	start := time.Now()
	completion, err := backend.Complete(ctx, req)
	latency := time.Since(start)
	if err == nil {
		completion, err = c.finish(req, completion)
	}
	if err != nil {
		ce := Classify(req.Backend, req.Model, 0, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && ce.Kind == KindUnavailable {
			ce.Kind = KindTimeout
		}
		span.RecordError(ce)
		span.SetStatus(codes.Error, string(ce.Kind))
		c.report(Observation{Backend: req.Backend, Model: req.Model, Latency: latency, Kind: ce.Kind})
		c.logger.Printf("call %s/%s failed after %s: %v", req.Backend, req.Model, latency.Round(time.Millisecond), ce)
		return Completion{}, ce
	}
	completion.Latency = latency
	span.SetAttributes(attribute.Int64("llm.tokens", completion.TotalTokens()))
	c.report(Observation{Backend: req.Backend, Model: completion.Model, Latency: latency, Tokens: completion.TotalTokens()})
	return completion, nil
}

func (c *Caller) finish(req Request, completion Completion) (Completion, error) {
	if completion.Backend == "" {
		completion.Backend = req.Backend
	}
	if completion.Model == "" {
		completion.Model = req.Model
	}
	if strings.TrimSpace(completion.Content) == "" {
		return completion, NewError(KindMalformed, req.Backend, req.Model, errors.New("empty reply"))
	}
	if req.Schema == nil {
		return completion, nil
	}
	raw := ExtractJSON(completion.Content)
	if err := req.Schema.Validate([]byte(raw)); err != nil {
		return completion, NewError(KindMalformed, req.Backend, req.Model, err)
	}
	completion.Content = raw
	return completion, nil
}

func (c *Caller) report(o Observation) {
	if c.observe != nil {
		c.observe(o)
	}
}

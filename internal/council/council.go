package council

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/council/internal/llm"
)

// Caller is the slice of the model caller the fan-out needs.
type Caller interface {
	Call(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// ProgressFunc is invoked once per sealed record, serialised, with the
// running completion count.
type ProgressFunc func(rec ReviewRecord, completed, total int)

// Council dispatches reviewers concurrently and joins on all of them.
type Council struct {
	caller      Caller
	logger      *log.Logger
	timeout     time.Duration
	maxParallel int
	prompt      func(query, artifact string) []llm.Message
}

// Option customises a Council.
type Option func(*Council)

func WithLogger(l *log.Logger) Option { return func(c *Council) { c.logger = l } }

// WithTimeout sets the per-reviewer call timeout.
func WithTimeout(d time.Duration) Option { return func(c *Council) { c.timeout = d } }

// WithMaxParallel bounds the number of reviewers in flight.
func WithMaxParallel(n int) Option { return func(c *Council) { c.maxParallel = n } }

// WithPrompt overrides how the review request is phrased.
func WithPrompt(fn func(query, artifact string) []llm.Message) Option {
	return func(c *Council) { c.prompt = fn }
}

func New(caller Caller, opts ...Option) *Council {
	c := &Council{
		caller:      caller,
		logger:      log.New(log.Writer(), "[COUNCIL] ", log.LstdFlags),
		timeout:     45 * time.Second,
		maxParallel: 8,
		prompt:      defaultPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Review runs every reviewer against the artifact. The result always holds
// exactly len(reviewers) records in reviewer order; failed, timed out and
// unavailable reviewers are replaced by heuristic fallbacks.
func (c *Council) Review(ctx context.Context, query, artifact string, reviewers []Reviewer, progress ProgressFunc) []ReviewRecord {
	records := make([]ReviewRecord, len(reviewers))
	total := len(reviewers)
	var (
		mu        sync.Mutex
		completed int
	)
	seal := func(idx int, rec ReviewRecord) {
		mu.Lock()
		defer mu.Unlock()
		records[idx] = rec
		completed++
		if progress != nil {
			progress(rec, completed, total)
		}
	}

	var g errgroup.Group
	if c.maxParallel > 0 {
		g.SetLimit(c.maxParallel)
	}
	for i, r := range reviewers {
		i, r := i, r
		if r.Unavailable {
			rec := FallbackReview(r, artifact, "no credentials for backend "+r.Backend)
			rec.Skipped = true
			seal(i, rec)
			continue
		}
		g.Go(func() error {
			seal(i, c.reviewOne(ctx, query, artifact, r))
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (c *Council) reviewOne(ctx context.Context, query, artifact string, r Reviewer) (rec ReviewRecord) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			rec = FallbackReview(r, artifact, fmt.Sprintf("reviewer panicked: %v", p))
		}
		rec.Latency = time.Since(start)
	}()

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.caller.Call(callCtx, llm.Request{
		Backend:  r.Backend,
		Model:    r.Model,
		APIKey:   r.APIKey,
		Messages: c.prompt(query, artifact),
		Params:   llm.Params{Temperature: llm.Temperature(0.2)},
	})
	if err != nil {
		c.logger.Printf("warn: reviewer %s (%s) fell back: %v", r.Name, r.Backend, err)
		return FallbackReview(r, artifact, string(llm.KindOf(err)))
	}
	return ReviewRecord{
		Source:  r.Name,
		Backend: r.Backend,
		Model:   out.Model,
		Stance:  ParseStance(out.Content),
		Content: out.Content,
	}
}

func defaultPrompt(query, artifact string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You are an independent reviewer. Start your reply with a line 'STANCE: agree|mixed|disagree', then list concrete strengths and problems."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Original request:\n%s\n\nArtifact under review:\n%s", query, artifact)},
	}
}

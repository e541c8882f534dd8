package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/council/config"
)

// Backend is one model provider reachable by the caller.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// BackendInfo is the static description of a configured backend.
type BackendInfo struct {
	Name         string
	Type         string
	DefaultModel string
	// APIKey is the operator level key, used when no organisation key exists.
	APIKey  string
	Timeout time.Duration
}

// Registry maps backend names to implementations. Safe for concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	info     map[string]BackendInfo
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}, info: map[string]BackendInfo{}}
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend, info BackendInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.Name = b.Name()
	r.backends[b.Name()] = b
	r.info[b.Name()] = info
}

// Lookup returns the backend with the given name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Info returns the static description of a backend.
func (r *Registry) Info(name string) (BackendInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[name]
	return info, ok
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultModel returns the configured default model of a backend.
func (r *Registry) DefaultModel(name string) string {
	info, _ := r.Info(name)
	return info.DefaultModel
}

// NewRegistryFromConfig builds HTTP backed providers for every configured entry.
func NewRegistryFromConfig(cfg config.LLMConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client := &http.Client{Timeout: timeout}
		info := BackendInfo{
			Type:         strings.ToLower(p.Type),
			DefaultModel: p.DefaultModel,
			APIKey:       p.APIKey,
			Timeout:      timeout,
		}
		var b Backend
		switch info.Type {
		case "openai", "openai_compatible":
			b = NewOpenAIBackend(name, p.BaseURL, modelAliases(p), client)
		case "anthropic":
			b = NewAnthropicBackend(name, p.BaseURL, modelAliases(p), client)
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", name, p.Type)
		}
		reg.Register(b, info)
	}
	return reg, nil
}

// modelAliases maps configured model names to the provider's API names.
func modelAliases(p config.LLMProvider) map[string]string {
	out := make(map[string]string, len(p.Models))
	for name, m := range p.Models {
		if m.APIName != "" {
			out[name] = m.APIName
		}
	}
	return out
}

func resolveModel(aliases map[string]string, model string) string {
	if api, ok := aliases[model]; ok {
		return api
	}
	return model
}

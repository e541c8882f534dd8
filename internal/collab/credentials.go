package collab

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/council/internal/llm"
)

// CredentialResolver finds an organisation's key for a backend. A missing
// key makes the backend unavailable for that run; it is not an error.
type CredentialResolver interface {
	GetKey(ctx context.Context, org, provider string) (string, bool, error)
}

// HistoryStore supplies recent conversation turns to seed the first stage.
type HistoryStore interface {
	GetRecent(ctx context.Context, threadID string, limit int) ([]llm.Message, error)
}

// StaticCredentials maps backend names to operator keys.
type StaticCredentials map[string]string

func (s StaticCredentials) GetKey(_ context.Context, _ string, provider string) (string, bool, error) {
	key, ok := s[provider]
	return key, ok && key != "", nil
}

// StaticCredentialsFromRegistry collects the operator keys from configuration.
func StaticCredentialsFromRegistry(reg *llm.Registry) StaticCredentials {
	out := StaticCredentials{}
	for _, name := range reg.Names() {
		if info, ok := reg.Info(name); ok && info.APIKey != "" {
			out[name] = info.APIKey
		}
	}
	return out
}

// ChainCredentials asks each resolver in turn; the first key found wins.
type ChainCredentials []CredentialResolver

func (c ChainCredentials) GetKey(ctx context.Context, org, provider string) (string, bool, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		key, ok, err := r.GetKey(ctx, org, provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return key, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/council/internal/store"
)

type memKeys map[string]map[string]string

func (m memKeys) PutProviderKey(_ context.Context, org, provider, secret string) error {
	if m[org] == nil {
		m[org] = map[string]string{}
	}
	m[org][provider] = secret
	return nil
}

func (m memKeys) DeleteProviderKey(_ context.Context, org, provider string) error {
	delete(m[org], provider)
	return nil
}

func (m memKeys) ListProviders(_ context.Context, org string) ([]string, error) {
	var out []string
	for p := range m[org] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

type noVault struct{ memKeys }

func (noVault) PutProviderKey(context.Context, string, string, string) error {
	return store.ErrVaultNotConfigured
}

func keysServer(keys keyStore) *echo.Echo {
	e := echo.New()
	h := &KeysHandler{Keys: keys}
	h.Register(e.Group("/api/keys"), anonymous)
	return e
}

func TestKeysLifecycle(t *testing.T) {
	keys := memKeys{}
	e := keysServer(keys)

	req := httptest.NewRequest(http.MethodPut, "/api/keys/alpha", strings.NewReader(`{"key":" sk-1 "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	if keys[DefaultOrg]["alpha"] != "sk-1" {
		t.Fatalf("key not stored: %+v", keys)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/keys", nil))
	var resp ProvidersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Providers) != 1 || resp.Providers[0] != "alpha" {
		t.Fatalf("list: %v %s", err, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-1") {
		t.Fatalf("listing must not expose keys")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/keys/alpha", nil))
	if rec.Code != http.StatusNoContent || len(keys[DefaultOrg]) != 0 {
		t.Fatalf("delete: %d %+v", rec.Code, keys)
	}
}

func TestKeysWithoutVault(t *testing.T) {
	e := keysServer(noVault{memKeys{}})
	req := httptest.NewRequest(http.MethodPut, "/api/keys/alpha", strings.NewReader(`{"key":"sk"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}

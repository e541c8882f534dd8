package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/council/internal/store"
)

type keyStore interface {
	PutProviderKey(ctx context.Context, org, provider, secret string) error
	DeleteProviderKey(ctx context.Context, org, provider string) error
	ListProviders(ctx context.Context, org string) ([]string, error)
}

// KeysHandler manages the per-organisation backend keys. Keys are write-only:
// listing returns provider names.
type KeysHandler struct {
	Keys keyStore
}

func (h *KeysHandler) Register(g *echo.Group, guard echo.MiddlewareFunc) {
	g.Use(guard)
	g.GET("", h.list)
	g.PUT("/:provider", h.put)
	g.DELETE("/:provider", h.delete)
}

func (h *KeysHandler) list(c echo.Context) error {
	names, err := h.Keys.ListProviders(c.Request().Context(), orgOf(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, ProvidersResponse{Providers: names})
}

func (h *KeysHandler) put(c echo.Context) error {
	provider := strings.TrimSpace(c.Param("provider"))
	var req ProviderKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if provider == "" || strings.TrimSpace(req.Key) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider and key are required")
	}
	if err := h.Keys.PutProviderKey(c.Request().Context(), orgOf(c), provider, strings.TrimSpace(req.Key)); err != nil {
		return keyError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *KeysHandler) delete(c echo.Context) error {
	if err := h.Keys.DeleteProviderKey(c.Request().Context(), orgOf(c), c.Param("provider")); err != nil {
		return keyError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func keyError(err error) error {
	if errors.Is(err, store.ErrVaultNotConfigured) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/archive"
	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/store"
	"github.com/mohammad-safakhou/council/internal/telemetry"
)

// Options carries the dependencies of the HTTP API. Store, Index and Secret
// are optional; without Store and Secret every request runs as the default
// organisation.
type Options struct {
	Config     config.ServerConfig
	Controller *collab.Controller
	Store      *store.Store
	Index      *archive.Index
	Metrics    *telemetry.Metrics
	Secret     []byte
	Logger     *log.Logger
}

// DefaultOrg owns runs started on a server without authentication.
const DefaultOrg = "default"

// New builds the echo instance with every route registered.
func New(opts Options) (*echo.Echo, error) {
	if opts.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := opts.Logger
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))

	api := e.Group("/api")
	guard := anonymous
	if opts.Store != nil && len(opts.Secret) > 0 {
		auth := &AuthHandler{Store: opts.Store, Secret: opts.Secret}
		auth.Register(api.Group("/auth"))
		guard = func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, opts.Secret) }
	} else {
		baseLogger.Printf("warn: authentication disabled, requests run as org %q", DefaultOrg)
	}

	me := api.Group("/me")
	me.Use(guard)
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: userID(c), Org: orgOf(c)})
	})

	ch := &CollabHandler{
		Controller: opts.Controller,
		Index:      opts.Index,
		MaxQuery:   opts.Config.MaxQueryLength,
		Stream:     opts.Config.StreamEnabled,
		Logger:     baseLogger,
	}
	if opts.Store != nil {
		ch.Runs = opts.Store
	}
	ch.Register(api.Group("/collab"), guard)

	if opts.Store != nil {
		kh := &KeysHandler{Keys: opts.Store}
		kh.Register(api.Group("/keys"), guard)
	}
	return e, nil
}

// Run serves e on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

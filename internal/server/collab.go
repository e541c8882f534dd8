package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/council/internal/archive"
	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/store"
)

type runLister interface {
	ListRuns(ctx context.Context, org string, limit int) ([]store.RunRecord, error)
}

// CollabHandler exposes the run lifecycle over HTTP. Begin and resume stream
// events as server-sent events unless streaming is off.
type CollabHandler struct {
	Controller *collab.Controller
	Runs       runLister
	Index      *archive.Index
	MaxQuery   int
	Stream     bool
	Logger     *log.Logger
}

func (h *CollabHandler) Register(g *echo.Group, guard echo.MiddlewareFunc) {
	g.Use(guard)
	g.POST("/runs", h.begin)
	g.GET("/runs", h.list)
	g.GET("/runs/:run_id", h.get)
	g.POST("/runs/:run_id/resume", h.resume)
	g.POST("/runs/:run_id/cancel", h.cancel)
	g.GET("/search", h.search)
}

// Begin
//
//	@Summary		Start a run
//	@Description	Streams run events as text/event-stream; ?stream=false returns the final snapshot
//	@Tags			collab
//	@Accept			json
//	@Param			payload	body	BeginRunRequest	true	"Run request"
//	@Failure		400		{object}	HTTPError
//	@Router			/api/collab/runs [post]
func (h *CollabHandler) begin(c echo.Context) error {
	var req BeginRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if h.MaxQuery > 0 && utf8.RuneCountInString(req.Query) > h.MaxQuery {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("query longer than %d characters", h.MaxQuery))
	}
	mode, err := collab.ParseMode(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	br := collab.BeginRequest{
		Org:      orgOf(c),
		ThreadID: strings.TrimSpace(req.ThreadID),
		Query:    req.Query,
		Mode:     mode,
		Backends: req.Backends,
	}
	// the run outlives a disconnected client
	ctx := context.WithoutCancel(c.Request().Context())
	if !h.streaming(c) {
		run, err := h.Controller.Begin(ctx, br, nil)
		return h.respond(c, run, err)
	}
	sink := newSSESink(c)
	run, err := h.Controller.Begin(ctx, br, sink)
	return h.endStream(c, sink, run, err)
}

// Resume
//
//	@Summary	Resume a paused run
//	@Tags		collab
//	@Accept		json
//	@Param		run_id	path	string				true	"Run id"
//	@Param		payload	body	ResumeRunRequest	true	"Decision"
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/collab/runs/{run_id}/resume [post]
func (h *CollabHandler) resume(c echo.Context) error {
	runID := c.Param("run_id")
	var req ResumeRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d := collab.Decision{Kind: collab.DecisionKind(strings.ToLower(strings.TrimSpace(req.Decision))), EditedText: req.EditedText}
	if err := d.Validate(); err != nil {
		return collabError(err)
	}
	if err := h.authorize(c, runID); err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())
	if !h.streaming(c) {
		run, err := h.Controller.Resume(ctx, runID, d, nil)
		return h.respond(c, run, err)
	}
	sink := newSSESink(c)
	run, err := h.Controller.Resume(ctx, runID, d, sink)
	return h.endStream(c, sink, run, err)
}

// Cancel
//
//	@Summary	Cancel a running or paused run
//	@Tags		collab
//	@Param		run_id	path		string	true	"Run id"
//	@Success	202		{object}	CancelResponse
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/collab/runs/{run_id}/cancel [post]
func (h *CollabHandler) cancel(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.authorize(c, runID); err != nil {
		return err
	}
	if err := h.Controller.Cancel(c.Request().Context(), runID); err != nil {
		return collabError(err)
	}
	return c.JSON(http.StatusAccepted, CancelResponse{RunID: runID, Status: "cancelling"})
}

// Get
//
//	@Summary	Run snapshot, live or archived
//	@Tags		collab
//	@Param		run_id	path	string	true	"Run id"
//	@Failure	404		{object}	HTTPError
//	@Router		/api/collab/runs/{run_id} [get]
func (h *CollabHandler) get(c echo.Context) error {
	run, err := h.Controller.Get(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return collabError(err)
	}
	if run.Org != orgOf(c) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *CollabHandler) list(c echo.Context) error {
	if h.Runs == nil {
		return c.JSON(http.StatusOK, []RunSummary{})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	recs, err := h.Runs.ListRuns(c.Request().Context(), orgOf(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, RunSummary{ID: r.ID, ThreadID: r.ThreadID, Query: r.Query, Mode: r.Mode, State: r.State, CreatedAt: r.CreatedAt, CompletedAt: r.CompletedAt})
	}
	return c.JSON(http.StatusOK, out)
}

// Search
//
//	@Summary	Full-text search over finished runs
//	@Tags		collab
//	@Param		q		query	string	true	"Query"
//	@Param		limit	query	int		false	"Max hits"
//	@Router		/api/collab/search [get]
func (h *CollabHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "archive disabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	hits, err := h.Index.Search(q, orgOf(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []archive.Hit{}
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *CollabHandler) streaming(c echo.Context) bool {
	if c.QueryParam("stream") == "false" {
		return false
	}
	return h.Stream
}

// authorize hides runs of other organisations. Unknown runs pass through so
// the controller can restore them from a checkpoint.
func (h *CollabHandler) authorize(c echo.Context, runID string) error {
	run, err := h.Controller.Get(c.Request().Context(), runID)
	if err != nil {
		return nil
	}
	if run.Org != orgOf(c) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return nil
}

func (h *CollabHandler) respond(c echo.Context, run *collab.Run, err error) error {
	if run != nil {
		return c.JSON(http.StatusOK, run)
	}
	return collabError(err)
}

// endStream finishes an SSE response. Once the stream has started, failures
// were already delivered as error events.
func (h *CollabHandler) endStream(c echo.Context, sink *sseSink, run *collab.Run, err error) error {
	if sink.started() {
		if err != nil && h.Logger != nil {
			h.Logger.Printf("warn: stream %s ended with: %v", c.Request().URL.Path, err)
		}
		return nil
	}
	return h.respond(c, run, err)
}

func collabError(err error) error {
	if err == nil {
		return nil
	}
	var term *collab.ErrAlreadyTerminal
	switch {
	case errors.As(err, &term):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, collab.ErrRunNotFound), errors.Is(err, collab.ErrCheckpointMissing):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, collab.ErrRunBusy), errors.Is(err, collab.ErrNotPaused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, collab.ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, collab.ErrNoBackends):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// sseSink writes events as text/event-stream frames. Headers are sent with
// the first event so errors before it can still be plain JSON.
type sseSink struct {
	mu   sync.Mutex
	c    echo.Context
	sent bool
}

func newSSESink(c echo.Context) *sseSink { return &sseSink{c: c} }

func (s *sseSink) Send(_ context.Context, ev collab.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Request().Context().Err(); err != nil {
		return err
	}
	w := s.c.Response()
	if !s.sent {
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		s.sent = true
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *sseSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

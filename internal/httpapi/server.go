// Package httpapi exposes the processing pipeline over HTTP: submit a
// session for processing, watch unit progress, inspect results and
// duplicate groups, cancel and retry.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"siftworks.dev/sift/internal/db"
	"siftworks.dev/sift/internal/dedup"
	"siftworks.dev/sift/internal/globaltime"
	"siftworks.dev/sift/internal/pipeline"
)

const (
	defaultErrorLimit = 100
	maxErrorLimit     = 1000
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	svc    *pipeline.Service
	runner *pipeline.Runner
	logger zerolog.Logger
	opts   Options
}

type unitView struct {
	UnitUUID        string     `json:"unit_uuid"`
	SessionUUID     string     `json:"session_uuid"`
	Status          string     `json:"status"`
	Stage           string     `json:"stage"`
	Progress        int        `json:"progress"`
	TotalRaw        int        `json:"total_raw"`
	ProcessedCount  int        `json:"processed_count"`
	ErrorCount      int        `json:"error_count"`
	DuplicateCount  int        `json:"duplicate_count"`
	RetryCount      int        `json:"retry_count"`
	CancelRequested bool       `json:"cancel_requested"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type resultView struct {
	ProcessedResultUUID string  `json:"processed_result_uuid"`
	NormalizedURL       string  `json:"normalized_url"`
	SourceDomain        string  `json:"source_domain,omitempty"`
	Title               string  `json:"title"`
	Snippet             string  `json:"snippet,omitempty"`
	SourceEngine        string  `json:"source_engine"`
	FileType            string  `json:"file_type,omitempty"`
	Language            string  `json:"language,omitempty"`
	PublicationYear     *int    `json:"publication_year,omitempty"`
	SourceOrg           string  `json:"source_org,omitempty"`
	HasFullText         bool    `json:"has_full_text"`
	IsAcademic          bool    `json:"is_academic"`
	QualityScore        float64 `json:"quality_score"`
	DuplicateGroupID    *int64  `json:"duplicate_group_id,omitempty"`
	IsDuplicate         bool    `json:"is_duplicate"`
	ProcessedAt         string  `json:"processed_at"`
}

type groupMemberView struct {
	ProcessedResultID int64    `json:"processed_result_id"`
	MatchType         string   `json:"match_type"`
	MatchScore        *float64 `json:"match_score,omitempty"`
	ConfidenceBand    string   `json:"confidence_band,omitempty"`
}

type groupView struct {
	DuplicateGroupUUID string            `json:"duplicate_group_uuid"`
	CanonicalResultID  int64             `json:"canonical_result_id"`
	MemberCount        int               `json:"member_count"`
	Sources            []string          `json:"sources,omitempty"`
	Members            []groupMemberView `json:"members"`
}

type errorView struct {
	OccurredAt time.Time `json:"occurred_at"`
	Message    string    `json:"message"`
	Context    string    `json:"context,omitempty"`
}

func NewServer(svc *pipeline.Service, runner *pipeline.Runner, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8080
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		svc:    svc,
		runner: runner,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// waits for submitted runs to finish.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.svc == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.router(ctx)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("sift api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	if s.runner != nil {
		s.runner.Wait()
	}
	s.logger.Info().Msg("sift api server stopped")
	return nil
}

// router assembles the echo instance; split out so handler tests can
// drive it without binding a socket. runCtx bounds the lifetime of
// background runs kicked off by process requests.
func (s *Server) router(runCtx context.Context) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			evt := s.logger.Info()
			if v.Error != nil {
				evt = s.logger.Error().Err(v.Error)
			}
			evt.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.POST("/sessions/:session_uuid/process", func(c echo.Context) error {
		return s.handleProcess(c, runCtx)
	})
	api.GET("/units/:unit_uuid", s.handleUnitStatus)
	api.GET("/units/:unit_uuid/results", s.handleUnitResults)
	api.GET("/units/:unit_uuid/groups", s.handleUnitGroups)
	api.GET("/units/:unit_uuid/errors", s.handleUnitErrors)
	api.POST("/units/:unit_uuid/cancel", s.handleUnitCancel)
	api.POST("/units/:unit_uuid/retry", func(c echo.Context) error {
		return s.handleUnitRetry(c, runCtx)
	})

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	stale, err := s.svc.StaleUnits(c.Request().Context(), 50)
	if err != nil {
		s.logger.Error().Err(err).Msg("health check stale query failed")
		return internalError(c, "Health check failed")
	}
	return success(c, map[string]any{
		"service":     "sift",
		"time":        globaltime.UTC(),
		"stale_units": len(stale),
	})
}

// handleProcess accepts a session for asynchronous processing. A session
// already queued or running is an accepted no-op, so callers can submit
// blindly.
func (s *Server) handleProcess(c echo.Context, runCtx context.Context) error {
	session := strings.TrimSpace(c.Param("session_uuid"))
	if session == "" {
		return fail(c, http.StatusBadRequest, "session_uuid is required", nil)
	}

	submitted := s.runner.Submit(runCtx, session)
	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"session_uuid": session,
		"submitted":    submitted,
	})
}

func (s *Server) handleUnitStatus(c echo.Context) error {
	unit, err := s.svc.Status(c.Request().Context(), c.Param("unit_uuid"))
	if err != nil {
		return s.unitError(c, err, "load unit")
	}
	return success(c, toUnitView(unit))
}

func (s *Server) handleUnitResults(c echo.Context) error {
	results, err := s.svc.Results(c.Request().Context(), c.Param("unit_uuid"))
	if err != nil {
		return s.unitError(c, err, "load results")
	}
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, toResultView(r))
	}
	return success(c, map[string]any{"results": views})
}

func (s *Server) handleUnitGroups(c echo.Context) error {
	groups, err := s.svc.Groups(c.Request().Context(), c.Param("unit_uuid"))
	if err != nil {
		return s.unitError(c, err, "load groups")
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, toGroupView(g))
	}
	return success(c, map[string]any{"groups": views})
}

func (s *Server) handleUnitErrors(c echo.Context) error {
	limit := defaultErrorLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return fail(c, http.StatusBadRequest, "limit must be a positive integer", nil)
		}
		limit = parsed
	}
	if limit > maxErrorLimit {
		limit = maxErrorLimit
	}

	entries, err := s.svc.Errors(c.Request().Context(), c.Param("unit_uuid"), limit)
	if err != nil {
		return s.unitError(c, err, "load errors")
	}
	views := make([]errorView, 0, len(entries))
	for _, e := range entries {
		views = append(views, errorView{
			OccurredAt: e.OccurredAt,
			Message:    e.Message,
			Context:    e.Context,
		})
	}
	return success(c, map[string]any{"errors": views})
}

func (s *Server) handleUnitCancel(c echo.Context) error {
	if err := s.svc.Cancel(c.Request().Context(), c.Param("unit_uuid")); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return failNotFound(c, "Unit not found")
		}
		return fail(c, http.StatusConflict, err.Error(), nil)
	}
	return success(c, map[string]any{"cancel_requested": true})
}

// handleUnitRetry re-queues a failed unit and resumes it in the
// background.
func (s *Server) handleUnitRetry(c echo.Context, runCtx context.Context) error {
	unit, err := s.svc.MarkRetry(c.Request().Context(), c.Param("unit_uuid"))
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			return failNotFound(c, "Unit not found")
		case errors.Is(err, pipeline.ErrRetryExhausted):
			return fail(c, http.StatusConflict, "Retry budget exhausted", nil)
		default:
			return fail(c, http.StatusConflict, err.Error(), nil)
		}
	}

	s.runner.Submit(runCtx, unit.SessionUUID)
	return successWithStatus(c, http.StatusAccepted, toUnitView(unit))
}

func (s *Server) unitError(c echo.Context, err error, action string) error {
	if errors.Is(err, pipeline.ErrNotFound) {
		return failNotFound(c, "Unit not found")
	}
	s.logger.Error().Err(err).Str("action", action).Msg("unit request failed")
	return internalError(c, "Internal server error")
}

func toUnitView(u db.ProcessingUnit) unitView {
	return unitView{
		UnitUUID:        u.UnitUUID,
		SessionUUID:     u.SessionUUID,
		Status:          u.Status,
		Stage:           u.Stage,
		Progress:        u.Progress,
		TotalRaw:        u.TotalRaw,
		ProcessedCount:  u.ProcessedCount,
		ErrorCount:      u.ErrorCount,
		DuplicateCount:  u.DuplicateCount,
		RetryCount:      u.RetryCount,
		CancelRequested: u.CancelRequested,
		StartedAt:       u.StartedAt,
		HeartbeatAt:     u.HeartbeatAt,
		CompletedAt:     u.CompletedAt,
		CreatedAt:       u.CreatedAt,
	}
}

func toResultView(r db.ProcessedResult) resultView {
	return resultView{
		ProcessedResultUUID: r.ProcessedResultUUID,
		NormalizedURL:       r.NormalizedURL,
		SourceDomain:        r.SourceDomain,
		Title:               r.Title,
		Snippet:             r.Snippet,
		SourceEngine:        r.SourceEngine,
		FileType:            r.FileType,
		Language:            r.Language,
		PublicationYear:     r.PublicationYear,
		SourceOrg:           r.SourceOrg,
		HasFullText:         r.HasFullText,
		IsAcademic:          r.IsAcademic,
		QualityScore:        r.QualityScore,
		DuplicateGroupID:    r.DuplicateGroupID,
		IsDuplicate:         r.IsDuplicate,
		ProcessedAt:         r.ProcessedAt.UTC().Format(time.RFC3339),
	}
}

func toGroupView(g pipeline.GroupView) groupView {
	var sources []string
	if len(g.Group.Sources) > 0 {
		_ = json.Unmarshal(g.Group.Sources, &sources)
	}

	members := make([]groupMemberView, 0, len(g.Members))
	for _, m := range g.Members {
		view := groupMemberView{
			ProcessedResultID: m.ProcessedResultID,
			MatchType:         m.MatchType,
			MatchScore:        m.MatchScore,
		}
		if m.MatchScore != nil {
			view.ConfidenceBand = dedup.ConfidenceBand(*m.MatchScore)
		}
		members = append(members, view)
	}

	return groupView{
		DuplicateGroupUUID: g.Group.DuplicateGroupUUID,
		CanonicalResultID:  g.Group.CanonicalResultID,
		MemberCount:        g.Group.MemberCount,
		Sources:            sources,
		Members:            members,
	}
}

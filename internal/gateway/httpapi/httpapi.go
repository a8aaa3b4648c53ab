// Package httpapi implements an HTTP API gateway for repld sessions.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/replforge/repld/internal/executor"
	"github.com/replforge/repld/internal/observability"
	"github.com/replforge/repld/internal/ratelimit"
	"github.com/replforge/repld/internal/repl"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → caller ID mapping. Empty = no auth.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	registry *repl.Registry
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway over the session registry.
func NewGateway(cfg Config, registry *repl.Registry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		registry: registry,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "repld",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions/{id}/load", g.handleLoadFile,
		okapi.DocSummary("Load a text file into a session variable"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (created on first use)"),
		okapi.DocRequestBody(LoadFileRequest{}),
		okapi.DocResponse(LoadFileResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/load-batch", g.handleLoadFiles,
		okapi.DocSummary("Load multiple text files into a session mapping"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(LoadFilesRequest{}),
		okapi.DocResponse(LoadFilesResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/execute", g.handleExecute,
		okapi.DocSummary("Execute a snippet against the session's variables"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionInfo,
		okapi.DocSummary("Inspect a session's variables and counters"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(SessionInfoResponse{}),
	)
	g.group.Get("/sessions/{id}/variables/{name}", g.handleGetVariable,
		okapi.DocSummary("Fetch a session variable rendered as text"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocPathParam("name", "string", "Variable name"),
		okapi.DocResponse(VariableResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/reset", g.handleReset,
		okapi.DocSummary("Clear a session's variables and history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleRemove,
		okapi.DocSummary("Discard a session entirely"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// LoadFileRequest is the JSON body for POST /v1/sessions/{id}/load.
type LoadFileRequest struct {
	Path     string `json:"path"`
	Variable string `json:"variable,omitempty"` // Default: "context".
}

// LoadFileResponse reports a completed load. The file content itself is
// never returned.
type LoadFileResponse struct {
	SessionID     string `json:"session_id"`
	Variable      string `json:"variable"`
	Chars         int    `json:"chars"`
	Lines         int    `json:"lines"`
	Preview       string `json:"preview"`
	SmallFile     bool   `json:"small_file"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleLoadFile(c *okapi.Context) error {
	callerID, err := g.admit(c)
	if err != nil {
		return err
	}

	var req LoadFileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}

	correlationID := newCorrelationID()
	session := g.registry.Resolve(c.Param("id"))

	g.logger.Info("http load file",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
		slog.String("session_id", session.ID()),
	)

	report, err := session.LoadFile(req.Path, req.Variable)
	if err != nil {
		return domainError(c, err)
	}

	return c.OK(LoadFileResponse{
		SessionID:     session.ID(),
		Variable:      report.BindName,
		Chars:         report.Chars,
		Lines:         report.Lines,
		Preview:       report.Preview,
		SmallFile:     report.SmallFile,
		CorrelationID: correlationID,
	})
}

// LoadFilesRequest is the JSON body for POST /v1/sessions/{id}/load-batch.
type LoadFilesRequest struct {
	Paths    []string `json:"paths"`
	Names    []string `json:"names,omitempty"`    // Positional mapping keys; default is the base name.
	Variable string   `json:"variable,omitempty"` // Default: "files".
}

// FileStatus is the per-file outcome of a batch load.
type FileStatus struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Chars int    `json:"chars,omitempty"`
	Error string `json:"error,omitempty"`
}

// LoadFilesResponse reports a completed batch load.
type LoadFilesResponse struct {
	SessionID     string       `json:"session_id"`
	Variable      string       `json:"variable"`
	Loaded        int          `json:"loaded"`
	TotalChars    int          `json:"total_chars"`
	Files         []FileStatus `json:"files"`
	CorrelationID string       `json:"correlation_id"`
}

func (g *Gateway) handleLoadFiles(c *okapi.Context) error {
	callerID, err := g.admit(c)
	if err != nil {
		return err
	}

	var req LoadFilesRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Paths) == 0 {
		return c.AbortBadRequest("paths is required")
	}

	correlationID := newCorrelationID()
	session := g.registry.Resolve(c.Param("id"))

	g.logger.Info("http load batch",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
		slog.String("session_id", session.ID()),
		slog.Int("paths", len(req.Paths)),
	)

	report, err := session.LoadFiles(req.Paths, req.Names, req.Variable)
	if err != nil {
		return domainError(c, err)
	}

	resp := LoadFilesResponse{
		SessionID:     session.ID(),
		Variable:      report.BindName,
		Loaded:        report.Loaded,
		TotalChars:    report.TotalChars,
		CorrelationID: correlationID,
	}
	for _, f := range report.Files {
		fs := FileStatus{Path: f.Path, Name: f.Name, Chars: f.Chars}
		if f.Err != nil {
			fs.Error = f.Err.Error()
		}
		resp.Files = append(resp.Files, fs)
	}
	return c.OK(resp)
}

// ExecuteRequest is the JSON body for POST /v1/sessions/{id}/execute.
type ExecuteRequest struct {
	Code           string  `json:"code"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"` // Default: 30.
}

// ExecuteResponse is the JSON response for an execution.
type ExecuteResponse struct {
	Outcome        string   `json:"outcome"` // "completed", "timed_out", or "crashed".
	Stdout         string   `json:"stdout,omitempty"`
	Stderr         string   `json:"stderr,omitempty"`
	ReturnedValue  string   `json:"returned_value,omitempty"`
	Diagnostic     string   `json:"diagnostic,omitempty"`
	Truncated      bool     `json:"truncated,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	ExecutionCount int      `json:"execution_count"`
	Remaining      int      `json:"remaining"` // -1 = unlimited.
	DurationMs     int64    `json:"duration_ms"`
	CorrelationID  string   `json:"correlation_id"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	callerID, err := g.admit(c)
	if err != nil {
		return err
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}

	correlationID := newCorrelationID()
	session := g.registry.Resolve(c.Param("id"))

	g.logger.Info("http execute",
		slog.String("caller_id", callerID),
		slog.String("correlation_id", correlationID),
		slog.String("session_id", session.ID()),
		slog.Int("code_bytes", len(req.Code)),
	)

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	result, err := session.Execute(c.Context(), req.Code, timeout)
	if err != nil {
		return domainError(c, err)
	}

	return c.OK(ExecuteResponse{
		Outcome:        outcomeString(result.Outcome),
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		ReturnedValue:  result.ReturnedValue,
		Diagnostic:     result.Diagnostic,
		Truncated:      result.Truncated,
		Warnings:       result.Warnings,
		ExecutionCount: result.ExecutionCount,
		Remaining:      result.Remaining,
		DurationMs:     result.Duration.Milliseconds(),
		CorrelationID:  correlationID,
	})
}

// SessionInfoResponse is the JSON response for GET /v1/sessions/{id}.
type SessionInfoResponse struct {
	SessionID      string   `json:"session_id"`
	Variables      []string `json:"variables"`
	TotalSizeBytes int      `json:"total_size_bytes"`
	ExecutionCount int      `json:"execution_count"`
	Remaining      int      `json:"remaining"` // -1 = unlimited.
	IdleSeconds    int64    `json:"idle_seconds"`
}

func (g *Gateway) handleSessionInfo(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	session := g.registry.Resolve(c.Param("id"))
	info := session.Info()
	return c.OK(SessionInfoResponse{
		SessionID:      info.ID,
		Variables:      info.Variables,
		TotalSizeBytes: info.TotalSizeBytes,
		ExecutionCount: info.ExecutionCount,
		Remaining:      info.Remaining,
		IdleSeconds:    int64(info.Idle.Seconds()),
	})
}

// VariableResponse is the JSON response for a variable fetch.
type VariableResponse struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

func (g *Gateway) handleGetVariable(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	maxLen := 0
	if raw := c.Request().URL.Query().Get("max_length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("max_length must be a non-negative integer")
		}
		maxLen = n
	}

	session := g.registry.Resolve(c.Param("id"))
	name := c.Param("name")
	value, err := session.GetVariable(name, maxLen)
	if err != nil {
		return domainError(c, err)
	}
	return c.OK(VariableResponse{SessionID: session.ID(), Name: name, Value: value})
}

func (g *Gateway) handleReset(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	session := g.registry.Resolve(c.Param("id"))
	if err := session.Reset(); err != nil {
		return domainError(c, err)
	}
	return c.OK(okapi.M{"status": "reset", "session_id": session.ID()})
}

func (g *Gateway) handleRemove(c *okapi.Context) error {
	if _, err := g.admit(c); err != nil {
		return err
	}

	id := c.Param("id")
	if !g.registry.Remove(id) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	return c.OK(okapi.M{"status": "removed", "session_id": id})
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware and helpers ---

// authenticate resolves the caller identity. With no API keys configured the
// gateway is open and callers are identified by remote address for rate
// limiting only.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				host = c.Request().RemoteAddr
			}
			c.Set("callerID", host)
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, caller := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = caller
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// admit applies rate limiting and returns the caller id.
func (g *Gateway) admit(c *okapi.Context) (string, error) {
	callerID := c.GetString("callerID")
	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return callerID, c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	return callerID, nil
}

// domainError maps domain errors to HTTP responses.
func domainError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, repl.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	case errors.Is(err, repl.ErrDecode):
		return c.JSON(http.StatusUnprocessableEntity, okapi.M{"error": err.Error()})
	case errors.Is(err, repl.ErrSessionBusy):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, repl.ErrExecutionBudget), errors.Is(err, repl.ErrResetBudget):
		return c.JSON(http.StatusTooManyRequests, okapi.M{"error": err.Error()})
	case errors.Is(err, executor.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": err.Error()})
	default:
		return c.AbortInternalServerError("internal error")
	}
}

func outcomeString(o executor.Outcome) string {
	switch o {
	case executor.OutcomeCompleted:
		return "completed"
	case executor.OutcomeTimedOut:
		return "timed_out"
	case executor.OutcomeCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

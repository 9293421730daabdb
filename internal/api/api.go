// Package api serves the gate over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
)

const (
	headerIdempotencyKey  = "Idempotency-Key"
	headerPendingActionID = "X-Pending-Action-Id"
	headerCorrelationID   = "X-Correlation-Id"

	maxBodyBytes = 1 << 20
)

// Options configures the router.
type Options struct {
	Gate    *gate.Gate
	Logger  *zap.Logger
	Version string
	// Metrics is served at /metrics when set.
	Metrics prometheus.Gatherer
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

type handlers struct {
	gate    *gate.Gate
	logger  *zap.Logger
	version string
}

// NewRouter builds the HTTP surface of the gate.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{gate: opts.Gate, logger: logger, version: opts.Version}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", h.health)
	r.Get("/mcp/tools", h.listTools)
	r.Post("/tools/{name}", h.callTool)
	r.Post("/confirm/{id}", h.confirm)

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *handlers) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.gate.ListTools(r.Context(), auth.CredentialFromHeader(r.Header))
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"tools": tools})
}

func (h *handlers) callTool(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationFrom(w, r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, h.logger, http.StatusRequestEntityTooLarge, errorBody{Status: gate.StatusError, Error: "request body too large", CorrelationID: correlationID})
			return
		}
		writeJSON(w, h.logger, http.StatusBadRequest, errorBody{Status: gate.StatusError, Error: "unreadable request body", CorrelationID: correlationID})
		return
	}

	resp, err := h.gate.Call(r.Context(), gate.CallRequest{
		ToolName:        chi.URLParam(r, "name"),
		Credential:      auth.CredentialFromHeader(r.Header),
		Arguments:       body,
		DedupToken:      r.Header.Get(headerIdempotencyKey),
		PendingActionID: r.Header.Get(headerPendingActionID),
		CorrelationID:   correlationID,
	})
	if err != nil {
		h.writeError(w, err, correlationID)
		return
	}
	h.writeResponse(w, resp)
}

type confirmBody struct {
	Approve *bool `json:"approve"`
}

func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(headerCorrelationID)

	var body confirmBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Approve == nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorBody{Status: gate.StatusError, Error: `body must be {"approve": true|false}`, CorrelationID: correlationID})
		return
	}

	resp, err := h.gate.Confirm(r.Context(), gate.ConfirmRequest{
		Credential:      auth.CredentialFromHeader(r.Header),
		PendingActionID: chi.URLParam(r, "id"),
		Approve:         *body.Approve,
		CorrelationID:   correlationID,
	})
	if err != nil {
		h.writeError(w, err, correlationID)
		return
	}
	h.writeResponse(w, resp)
}

// correlationFrom returns the caller's correlation id or mints one, and
// echoes it on the response.
func correlationFrom(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(headerCorrelationID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func (h *handlers) writeResponse(w http.ResponseWriter, resp *gate.Response) {
	w.Header().Set(headerCorrelationID, resp.CorrelationID)
	status := http.StatusOK
	if resp.Status == gate.StatusRequiresConfirmation {
		status = http.StatusAccepted
	}
	writeJSON(w, h.logger, status, resp)
}

type errorBody struct {
	Status        gate.Status `json:"status"`
	Error         string      `json:"error"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func (h *handlers) writeError(w http.ResponseWriter, err error, correlationID string) {
	code, status := classify(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	var rl *gate.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, h.logger, code, errorBody{Status: status, Error: msg, CorrelationID: correlationID})
}

// classify maps gate errors onto HTTP status codes.
func classify(err error) (int, gate.Status) {
	switch {
	case errors.Is(err, gate.ErrUnauthorized):
		return http.StatusUnauthorized, gate.StatusUnauthorized
	case errors.Is(err, gate.ErrRateLimited):
		return http.StatusTooManyRequests, gate.StatusRateLimited
	case errors.Is(err, gate.ErrForbidden):
		return http.StatusForbidden, gate.StatusForbidden
	case errors.Is(err, gate.ErrInvalidArguments):
		return http.StatusUnprocessableEntity, gate.StatusError
	case errors.Is(err, gate.ErrNotFound):
		return http.StatusNotFound, gate.StatusError
	case errors.Is(err, gate.ErrAlreadyResolved):
		return http.StatusConflict, gate.StatusError
	case errors.Is(err, gate.ErrExpired):
		return http.StatusGone, gate.StatusError
	case errors.Is(err, gate.ErrToolTimeout):
		return http.StatusGatewayTimeout, gate.StatusError
	case errors.Is(err, gate.ErrToolExecution):
		return http.StatusBadGateway, gate.StatusError
	default:
		return http.StatusInternalServerError, gate.StatusError
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to write JSON response", zap.Error(err))
	}
}

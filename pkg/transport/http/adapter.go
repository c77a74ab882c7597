package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// Adapter serves the chat and session API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	chat     transport.ChatHandler
	sessions transport.SessionService
	mux      *http.ServeMux
	config   Config
	wrap     []func(http.Handler) http.Handler
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// MetricsPath is where Prometheus metrics are served. Empty disables
	// the endpoint.
	MetricsPath string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
		MetricsPath: "/metrics",
	}
}

// NewAdapter creates an HTTP adapter. Middleware is applied to the chat
// handler in the given order.
func NewAdapter(chat transport.ChatHandler, sessions transport.SessionService, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		chat = transport.Chain(middlewares...)(chat)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		chat:     chat,
		sessions: sessions,
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/chat", a.handleChat)
	a.mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	a.mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)
	a.mux.HandleFunc("GET /v1/sessions/{id}/messages", a.handleHistory)
	a.mux.HandleFunc("POST /v1/sessions/{id}/messages", a.handleContinue)
	a.mux.HandleFunc("POST /v1/sessions/{id}/cancel", a.handleCancel)
	a.mux.HandleFunc("POST /v1/sessions/{id}/clear", a.handleClear)
	a.mux.HandleFunc("GET /v1/search", a.handleSearch)
	a.mux.HandleFunc("GET /v1/stats", a.handleStats)
	a.mux.HandleFunc("GET /v1/models", a.handleModels)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return a
}

// Handle mounts an additional handler, such as the WebSocket endpoint.
func (a *Adapter) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// Use adds HTTP-level middleware (authentication, for example). The first
// middleware added runs first.
func (a *Adapter) Use(mw ...func(http.Handler) http.Handler) {
	a.wrap = append(a.wrap, mw...)
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// request ID propagation, request metrics and the middleware added with Use.
func (a *Adapter) Handler() http.Handler {
	var h http.Handler = a.mux
	for i := len(a.wrap) - 1; i >= 0; i-- {
		h = a.wrap[i](h)
	}
	return httpRequestIDMiddleware(observability.MetricsMiddleware(h))
}

// httpRequestIDMiddleware propagates the X-Request-ID header into the
// context, generating an id when the client sent none, and echoes it on
// the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleChat handles POST /v1/chat.
func (a *Adapter) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeChat(w, r)
	if !ok {
		return
	}
	a.serveChat(w, r, req)
}

// handleContinue handles POST /v1/sessions/{id}/messages. The session id
// in the path wins over one in the body.
func (a *Adapter) handleContinue(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeChat(w, r)
	if !ok {
		return
	}
	req.SessionID = r.PathValue("id")
	a.serveChat(w, r, req)
}

func (a *Adapter) serveChat(w http.ResponseWriter, r *http.Request, req *api.ChatRequest) {
	ew := newSSEEventWriter(w)
	err := a.chat.HandleChat(r.Context(), req, ew)
	if err == nil {
		return
	}

	apiErr := api.AsError(err)
	switch {
	case ew.streaming():
		// The stream is open; report the failure in-band.
		ew.WriteEvent(context.WithoutCancel(r.Context()), api.TokenEvent{
			Type:      api.TokenError,
			SessionID: req.SessionID,
			Error:     apiErr,
		})
	case ew.started():
		debug.Log("http", "chat failed after the answer was written", "error", err)
	default:
		transport.WriteAPIError(w, apiErr)
	}
}

// decodeChat reads a ChatRequest body. It writes the error response and
// returns false when the body is unacceptable.
func (a *Adapter) decodeChat(w http.ResponseWriter, r *http.Request) (*api.ChatRequest, bool) {
	var req api.ChatRequest
	if !a.decode(w, r, &req) {
		return nil, false
	}
	return &req, true
}

func (a *Adapter) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

type createSessionRequest struct {
	Backend api.Backend `json:"backend"`
	Model   string      `json:"model"`
	Name    string      `json:"name"`
}

// handleCreateSession handles POST /v1/sessions.
func (a *Adapter) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	sess, err := a.sessions.Create(r.Context(), req.Backend, req.Model, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions handles GET /v1/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := a.sessions.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleGetSession handles GET /v1/sessions/{id}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conv, err := a.sessions.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleHistory handles GET /v1/sessions/{id}/messages.
func (a *Adapter) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.sessions.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleCancel handles POST /v1/sessions/{id}/cancel.
func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := a.sessions.CancelSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleClear handles POST /v1/sessions/{id}/clear.
func (a *Adapter) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Clear(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession handles DELETE /v1/sessions/{id}.
func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch handles GET /v1/search.
func (a *Adapter) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	hits, err := a.sessions.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// handleStats handles GET /v1/stats.
func (a *Adapter) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleModels handles GET /v1/models.
func (a *Adapter) handleModels(w http.ResponseWriter, r *http.Request) {
	backend, err := api.ParseBackend(r.URL.Query().Get("backend"))
	if err != nil {
		writeError(w, err)
		return
	}
	models, err := a.sessions.ListModels(r.Context(), backend)
	if err != nil && len(models) == 0 {
		writeError(w, err)
		return
	}
	if err != nil {
		// Some backends answered; serve what we have.
		debug.Log("http", "model listing incomplete", "error", err)
	}
	if models == nil {
		models = []api.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.HealthCheck(r.Context()); err != nil {
		transport.WriteErrorResponse(w,
			api.NewError(api.KindStoreUnavailable, "not ready: %s", err),
			http.StatusServiceUnavailable,
		)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// parseLimit reads the optional limit query parameter. Zero means the
// store default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit < 1 {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("limit", "limit must be a positive integer"),
			http.StatusBadRequest,
		)
		return 0, false
	}
	return limit, true
}

func writeError(w http.ResponseWriter, err error) {
	transport.WriteAPIError(w, api.AsError(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package httpx exposes the worker over HTTP: task submission, health,
// metrics and the lifecycle event feeds.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/botrunner/internal/store/postgres"
	"github.com/splax/botrunner/internal/worker"
	"github.com/splax/botrunner/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxTaskBody        = 64 << 20
)

// Dispatcher runs tasks.
type Dispatcher interface {
	Handle(ctx context.Context, task worker.Task) (worker.Envelope, error)
}

// Journal lists recorded lifecycle events.
type Journal interface {
	ListRecent(ctx context.Context, tenantID string, limit int) ([]postgres.Entry, error)
}

// Deps are the router collaborators. Journal and Hub are optional.
type Deps struct {
	Dispatcher Dispatcher
	Health     func(context.Context) error
	Journal    Journal
	Hub        *ws.Hub
	Auth       *Authenticator
	Registry   prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router exposes HTTP endpoints for the bot runner.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	dispatcher      Dispatcher
	health          func(context.Context) error
	journal         Journal
	hub             *ws.Hub
	auth            *Authenticator
	upgrader        websocket.Upgrader
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers handlers.
func New(logger *slog.Logger, deps Deps) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "http"),
		dispatcher: deps.Dispatcher,
		health:     deps.Health,
		journal:    deps.Journal,
		hub:        deps.Hub,
		auth:       deps.Auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	reg := deps.Registry
	gatherer := deps.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(reg)
	r.routes(gatherer)
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes(gatherer prometheus.Gatherer) {
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("GET /healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("POST /tasks/{name}", r.instrument("/tasks/:name", r.requireAuth(r.handleTask)))
	r.mux.HandleFunc("GET /events", r.instrument("/events", r.requireAuth(r.handleEvents)))
	r.mux.HandleFunc("GET /events/stream", r.instrument("/events/stream", r.requireAuth(r.handleEventStream)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.health != nil {
		if err := r.health(ctx); err != nil {
			status = "degraded"
			component = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		}
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(req.Body, maxTaskBody))
	if err != nil {
		r.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task := worker.Task{
		ID:     strings.TrimSpace(req.Header.Get("X-Task-ID")),
		Name:   name,
		Params: json.RawMessage(body),
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if v := req.URL.Query().Get("timeout_seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			r.writeError(w, http.StatusBadRequest, "timeout_seconds must be a positive integer")
			return
		}
		task.TimeoutSeconds = secs
	}

	env, err := r.dispatcher.Handle(req.Context(), task)
	switch {
	case errors.Is(err, worker.ErrUnknownTask):
		r.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		r.logger.Warn("task not executed", "task", name, "task_id", task.ID, "error", err)
		r.writeError(w, http.StatusServiceUnavailable, "task could not be scheduled")
		return
	}
	w.Header().Set("X-Task-ID", task.ID)
	r.writeJSON(w, http.StatusOK, env)
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		r.writeError(w, http.StatusNotFound, "event journal not configured")
		return
	}
	tenantID := strings.TrimSpace(req.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		r.writeError(w, http.StatusBadRequest, "tenant_id query parameter required")
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := r.journal.ListRecent(req.Context(), tenantID, limit)
	if err != nil {
		r.logger.Error("list events failed", "tenant_id", tenantID, "error", err)
		r.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if entries == nil {
		entries = []postgres.Entry{}
	}
	r.writeJSON(w, http.StatusOK, map[string]any{"events": entries, "count": len(entries)})
}

func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		r.writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	tenantID := strings.TrimSpace(req.URL.Query().Get("tenant_id"))
	if tenantID == "" {
		r.writeError(w, http.StatusBadRequest, "tenant_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(tenantID, client)
	go func() {
		defer func() {
			r.hub.Unregister(tenantID, client)
			client.Close()
		}()
		client.ReadUntilClosed()
	}()
}

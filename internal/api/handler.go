package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/a2a"
	"github.com/nidhogg/control-tower/internal/event"
	"github.com/nidhogg/control-tower/internal/gateway"
	"github.com/nidhogg/control-tower/internal/workflow"
)

// Workflow is the part of the orchestrator the ingress drives.
type Workflow interface {
	Start(image []byte) (workflow.Handle, error)
	Current() (workflow.Snapshot, bool)
	Get(id string) (workflow.Snapshot, error)
	MaxImageBytes() int64
}

// Agents lists the agent descriptors discovered so far.
type Agents interface {
	Cached() []a2a.Descriptor
}

// Events is the broadcaster as seen by websocket observers.
type Events interface {
	Subscribe() *event.Observer
	Unsubscribe(o *event.Observer)
	Recent(limit int) []event.Event
	Count() int
}

// Options carries the static settings of the ingress.
type Options struct {
	VisionURL     string
	SupplierURL   string
	StaticDir     string
	TestImagesDir string
	CORSOrigins   []string
	// WriteTimeout bounds every websocket write.
	WriteTimeout time.Duration
	// Notices reports notifications sent by the gateway, if one runs.
	Notices func(limit int) []gateway.Record
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	flow   Workflow
	agents Agents
	events Events
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(flow Workflow, agents Agents, events Events, opts Options, logger *zap.Logger) *Handler {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Handler{
		flow:   flow,
		agents: agents,
		events: events,
		opts:   opts,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/analyze", h.analyze)

		r.Get("/runs/current", h.currentRun)
		r.Get("/runs/{id}", h.getRun)

		r.Get("/agents", h.listAgents)
		r.Get("/events/recent", h.recentEvents)
		r.Get("/notifications", h.listNotifications)

		r.Get("/test-images", h.listTestImages)
		r.Get("/test-image/{name}", h.getTestImage)
	})

	r.Get("/ws", h.serveWS)
	r.Get("/", h.index)
	if h.opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(h.opts.StaticDir))))
	}

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"service":      "control-tower",
		"vision_url":   h.opts.VisionURL,
		"supplier_url": h.opts.SupplierURL,
		"observers":    h.events.Count(),
	})
}

func (h *Handler) currentRun(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.flow.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.flow.Get(chi.URLParam(r, "id"))
	if errors.Is(err, workflow.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.Cached()
	if agents == nil {
		agents = []a2a.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	events := h.events.Recent(limit)
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	records := []gateway.Record{}
	if h.opts.Notices != nil {
		records = append(records, h.opts.Notices(limit)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": records})
}

// limitParam reads ?limit=, defaulting to 50.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 50, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

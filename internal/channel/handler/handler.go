// Package handler serves the Twilio-compatible HTTP surface of the stub: the
// custom and js_api chat channels and the assistant schema admin routes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/humanagencyorg/twilio-stub/internal/httputil"
	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
	"github.com/humanagencyorg/twilio-stub/pkg/media"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB
	defaultTurnDelay   = time.Second
)

// Resolver runs one dialog turn.
type Resolver interface {
	Resolve(ctx context.Context, in dialog.Turn) error
}

// Handler implements the stub's HTTP routes.
type Handler struct {
	store     store.Store
	engine    Resolver
	media     media.Registry
	pool      workerpool.WorkerPool
	metrics   http.Handler
	admin     []func(http.Handler) http.Handler
	turnDelay time.Duration

	locks    *channelLocks
	schemaMu sync.Mutex
	pending  sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithWorkerPool runs asynchronous turns on pool instead of bare goroutines.
func WithWorkerPool(pool workerpool.WorkerPool) Option {
	return func(h *Handler) { h.pool = pool }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(mh http.Handler) Option {
	return func(h *Handler) { h.metrics = mh }
}

// WithAdminMiddleware guards the schema admin routes.
func WithAdminMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.admin = append(h.admin, mw...) }
}

// WithTurnDelay sets the wait before an asynchronous js_api turn runs.
func WithTurnDelay(d time.Duration) Option {
	return func(h *Handler) { h.turnDelay = d }
}

// NewHandler creates the HTTP handler.
func NewHandler(st store.Store, engine Resolver, reg media.Registry, opts ...Option) *Handler {
	h := &Handler{
		store:     st,
		engine:    engine,
		media:     reg,
		turnDelay: defaultTurnDelay,
		locks:     newChannelLocks(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httputil.Logging)
	r.Use(middleware.Recoverer)
	r.Use(httputil.CrossOrigin)

	r.Get("/healthz", h.Healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	// Chat channels.
	r.Post("/v2/{account}/{assistant}/custom/{session}", h.CustomMessage)
	r.Route("/js_api/channels/{channel}", func(r chi.Router) {
		r.Get("/", h.OpenChannel)
		r.Get("/messages", h.LastMessage)
		r.Post("/messages", h.PostMessage)
	})
	r.Get("/v2/Services/{assistant}/Channels/{channel}", h.GetChannel)
	r.Post("/v2/Services/{assistant}/Channels/{channel}/Webhooks", h.ChannelWebhook)

	// Schema admin.
	r.Group(func(r chi.Router) {
		r.Use(h.admin...)

		r.Post("/autopilot/update", h.UpdateSchema)
		r.Route("/v1/Assistants", func(r chi.Router) {
			r.Post("/", h.CreateAssistant)
			r.Post("/{assistant}", h.UpdateAssistant)
			r.Post("/{assistant}/StyleSheet", h.SetStyleSheet)
			r.Post("/{assistant}/Defaults", h.SetDefaults)
			r.Post("/{assistant}/ModelBuilds", h.ModelBuild)
			r.Post("/{assistant}/Tasks", h.CreateTask)
			r.Delete("/{assistant}/Tasks/{task}", h.DeleteTask)
			r.Post("/{assistant}/Tasks/{task}/Samples", h.CreateSample)
			r.Delete("/{assistant}/Tasks/{task}/Samples/{sample}", h.DeleteSample)
		})
		r.Put("/media/{id}", h.SetMedia)
		r.Delete("/store", h.ResetStore)
	})

	return otelhttp.NewHandler(r, "twilio-stub")
}

// Wait blocks until every scheduled asynchronous turn has finished.
func (h *Handler) Wait() { h.pending.Wait() }

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetMedia handles PUT /media/{id}
func (h *Handler) SetMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	origin := r.FormValue("url")
	if origin == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	h.media.Set(chi.URLParam(r, "id"), origin)
	w.WriteHeader(http.StatusNoContent)
}

// ResetStore handles DELETE /store
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reset(r.Context()); err != nil {
		util.Log(r.Context()).WithError(err).Error("reset store")
		writeError(w, http.StatusInternalServerError, "failed to reset store")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeTurnError maps an aborted dialog turn to an HTTP error.
func writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	util.Log(r.Context()).WithError(err).Error("dialog turn failed")
	switch {
	case errors.Is(err, schema.ErrNoSchema), errors.Is(err, schema.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Package admin serves the operator HTTP surface: health, metrics, saga
// status, dead-letter inspection and the notification websocket.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"fulfillment/internal/delivery"
	"fulfillment/internal/fault"
	"fulfillment/internal/observability"
	"fulfillment/internal/saga"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SagaReader looks up executions.
type SagaReader interface {
	Status(ctx context.Context, orderID string) (saga.Execution, error)
}

// DeadLetterAdmin lists and redrives dead letters.
type DeadLetterAdmin interface {
	DeadLetters(channel string) ([]delivery.DeadLetter, error)
	Redrive(ctx context.Context, channel, id string) (delivery.Envelope, error)
}

// HealthCheck reports a dependency's health; nil means healthy.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Sagas       SagaReader
	DeadLetters DeadLetterAdmin
	Metrics     *observability.Metrics
	// Websocket serves /ws when set.
	Websocket http.Handler
	Checks    map[string]HealthCheck
	Logger    *slog.Logger
}

type handler struct {
	deps   Deps
	logger *slog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewRouter builds the admin router.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{deps: deps, logger: logger.With("component", "admin")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", observability.Handler(deps.Metrics))
	r.Get("/sagas/{orderID}", h.sagaStatus)
	r.Route("/dead-letters/{channel}", func(r chi.Router) {
		r.Get("/", h.listDeadLetters)
		r.Post("/{id}/redrive", h.redrive)
	})
	if deps.Websocket != nil {
		r.Handle("/ws", deps.Websocket)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{}
	code := http.StatusOK
	for name, check := range h.deps.Checks {
		if err := check(r.Context()); err != nil {
			out[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": out})
}

func (h *handler) sagaStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := h.deps.Sagas.Status(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.deps.DeadLetters.DeadLetters(chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if dead == nil {
		dead = []delivery.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (h *handler) redrive(w http.ResponseWriter, r *http.Request) {
	env, err := h.deps.DeadLetters.Redrive(r.Context(), chi.URLParam(r, "channel"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, env)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "admin request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: kind, Message: err.Error()})
}

func statusFor(err error) (int, string) {
	if errors.Is(err, saga.ErrNotFound) {
		return http.StatusNotFound, "not_found"
	}
	kind := fault.Classify(err)
	switch kind {
	case fault.KindValidation:
		if errors.Is(err, delivery.ErrUnknownChannel) || errors.Is(err, delivery.ErrDeadLetterNotFound) {
			return http.StatusNotFound, string(kind)
		}
		return http.StatusBadRequest, string(kind)
	case fault.KindConflict:
		return http.StatusConflict, string(kind)
	case fault.KindBusinessRule:
		return http.StatusUnprocessableEntity, string(kind)
	case fault.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

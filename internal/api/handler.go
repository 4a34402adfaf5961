// Package api exposes alert queries and operator commands over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"grainwatch/internal/alerts"
	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

// AlertService is the lifecycle surface the API drives.
type AlertService interface {
	List(ctx context.Context, filter alerts.Filter) ([]domain.Alert, error)
	Get(ctx context.Context, id string) (domain.Alert, error)
	Acknowledge(ctx context.Context, id, actorID string) (domain.Alert, error)
	Transition(ctx context.Context, id string, to domain.Status, actorID string) (domain.Alert, error)
}

// Handler serves alert listing, lookup, export and status commands.
type Handler struct {
	service     AlertService
	basePath    string
	actorHeader string
	nameHeader  string
	maxLimit    int
	logger      *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Items []domain.Alert `json:"items"`
	Count int            `json:"count"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// NewHandler creates API handler.
// Params: lifecycle service, API config, and optional logger.
// Returns: handler ready to be registered on a mux.
func NewHandler(service AlertService, cfg config.APIConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	basePath := strings.TrimSuffix(cfg.BasePath, "/")
	actorHeader := cfg.ActorHeader
	if actorHeader == "" {
		actorHeader = "X-Actor-Id"
	}
	nameHeader := cfg.ActorNameHeader
	if nameHeader == "" {
		nameHeader = "X-Actor-Name"
	}
	return &Handler{
		service:     service,
		basePath:    basePath,
		actorHeader: actorHeader,
		nameHeader:  nameHeader,
		maxLimit:    cfg.MaxListLimit,
		logger:      logger,
	}
}

// Register mounts API routes on mux under the configured base path.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.basePath+"/alerts", h.list)
	mux.HandleFunc("GET "+h.basePath+"/alerts/export.xlsx", h.export)
	mux.HandleFunc("GET "+h.basePath+"/alerts/{id}", h.get)
	mux.HandleFunc("POST "+h.basePath+"/alerts/{id}/acknowledge", h.acknowledge)
	mux.HandleFunc("POST "+h.basePath+"/alerts/{id}/status", h.setStatus)
}

func (h *Handler) list(writer http.ResponseWriter, request *http.Request) {
	filter, err := ParseFilter(request.URL.Query(), h.maxLimit)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	items, err := h.service.List(request.Context(), filter)
	if err != nil {
		h.writeServiceError(writer, request, err)
		return
	}
	if items == nil {
		items = []domain.Alert{}
	}
	writeJSON(writer, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (h *Handler) get(writer http.ResponseWriter, request *http.Request) {
	alert, err := h.service.Get(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeServiceError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, alert)
}

func (h *Handler) acknowledge(writer http.ResponseWriter, request *http.Request) {
	actor, ok := h.actor(writer, request)
	if !ok {
		return
	}
	ctx := request.Context()
	if name := strings.TrimSpace(request.Header.Get(h.nameHeader)); name != "" {
		ctx = alerts.WithActorName(ctx, name)
	}
	alert, err := h.service.Acknowledge(ctx, request.PathValue("id"), actor)
	if err != nil {
		h.writeServiceError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, alert)
}

func (h *Handler) setStatus(writer http.ResponseWriter, request *http.Request) {
	actor, ok := h.actor(writer, request)
	if !ok {
		return
	}
	var body statusRequest
	decoder := json.NewDecoder(http.MaxBytesReader(writer, request.Body, 4096))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, errors.New("invalid status body"))
		return
	}
	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err)
		return
	}
	alert, err := h.service.Transition(request.Context(), request.PathValue("id"), status, actor)
	if err != nil {
		h.writeServiceError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, alert)
}

// actor reads the opaque identity header; commands without it are rejected.
func (h *Handler) actor(writer http.ResponseWriter, request *http.Request) (string, bool) {
	actor := strings.TrimSpace(request.Header.Get(h.actorHeader))
	if actor == "" {
		writeError(writer, http.StatusUnauthorized, errors.New("missing "+h.actorHeader+" header"))
		return "", false
	}
	return actor, true
}

// writeServiceError maps lifecycle errors to HTTP status codes.
func (h *Handler) writeServiceError(writer http.ResponseWriter, request *http.Request, err error) {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		writeError(writer, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, alerts.ErrDedupHeld), errors.Is(err, alerts.ErrConflict):
		writeError(writer, http.StatusConflict, err)
	case errors.Is(err, context.Canceled):
		writeError(writer, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("alert api request failed", "method", request.Method, "path", request.URL.Path, "error", err.Error())
		writeError(writer, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, errorResponse{Error: err.Error()})
}

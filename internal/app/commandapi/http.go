package commandapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/contracts"
)

const (
	codeNotFound          = "NOT_FOUND"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeConflict          = "OPTIMISTIC_LOCKING_FAILED"
	codeInvalidRequest    = "INVALID_REQUEST"
	codeStoreUnavailable  = "STORE_UNAVAILABLE"
	codeSerialization     = "SERIALIZATION_FAILED"
	codeInternal          = "INTERNAL_SERVER_ERROR"
)

type Handler struct {
	Service       *Service
	AllowedOrigin string
}

func NewHandler(service *Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestLogMiddleware)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/todos", h.handleCreate)
	r.Get("/api/todos", h.handleList)
	r.Get("/api/todos/{id}", h.handleGet)
	r.Put("/api/todos/{id}", h.handleUpdate)
	r.Put("/api/todos/{id}/complete", h.handleComplete)
	r.Delete("/api/todos/{id}", h.handleDelete)
	r.Get("/api/todos/{id}/events", h.handleHistory)

	return r
}

type todoRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type createTodoResponse struct {
	ID uuid.UUID `json:"id"`
}

type eventView struct {
	EventID    uuid.UUID         `json:"event_id"`
	Kind       contracts.Kind    `json:"kind"`
	Version    int64             `json:"version"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    contracts.Payload `json:"payload"`
}

type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Expected *int64 `json:"expected_version,omitempty"`
	Actual   *int64 `json:"actual_version,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req todoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON payload")
		return
	}
	id, err := h.Service.CreateTodo(r.Context(), req.Title, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/todos/"+id.String())
	h.writeJSON(w, http.StatusCreated, createTodoResponse{ID: id})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	todos, err := h.Service.ListTodos(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, todos)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.todoID(w, r)
	if !ok {
		return
	}
	todo, err := h.Service.GetTodo(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.todoID(w, r)
	if !ok {
		return
	}
	var req todoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON payload")
		return
	}
	if err := h.Service.UpdateTodo(r.Context(), id, req.Title, req.Description); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.todoID(w, r)
	if !ok {
		return
	}
	if err := h.Service.CompleteTodo(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.todoID(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeleteTodo(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.todoID(w, r)
	if !ok {
		return
	}
	events, err := h.Service.TodoHistory(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			EventID:    ev.EventID,
			Kind:       ev.Kind(),
			Version:    ev.Version,
			OccurredAt: ev.OccurredAt,
			Payload:    ev.Payload,
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) todoID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid todo id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *contracts.ConcurrencyConflictError
	switch {
	case errors.Is(err, ErrTitleRequired):
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		h.writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.As(err, &conflict):
		h.writeJSON(w, http.StatusConflict, errorResponse{
			Code:     codeConflict,
			Message:  "todo was modified concurrently, reload and retry",
			Expected: &conflict.Expected,
			Actual:   &conflict.Actual,
		})
	case errors.Is(err, contracts.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, contracts.ErrStoreUnavailable):
		log.WithField("path", r.URL.Path).WithError(err).Error("store unavailable")
		h.writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "store unavailable")
	case errors.Is(err, contracts.ErrSerialization):
		log.WithField("path", r.URL.Path).WithError(err).Error("event serialization failed")
		h.writeError(w, http.StatusInternalServerError, codeSerialization, "event serialization failed")
	default:
		log.WithField("path", r.URL.Path).WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *Handler) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = nuid.Next()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		log.WithFields(log.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Debug("http request")
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

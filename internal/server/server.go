// Package server is the HTTP adapter over the service facade. It owns no
// logic of its own: every handler decodes a request, calls one service
// operation, and encodes the result.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/normanking/mnemo/internal/attention"
	"github.com/normanking/mnemo/internal/service"
)

// NewRouter builds the chi router for the memory API.
func NewRouter(svc *service.Service) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", handleHealth)

	r.Route("/api/scopes/{scope}", func(r chi.Router) {
		h := &handler{svc: svc}
		r.Post("/items", h.admitItem)
		r.Post("/items/{itemID}/touch", h.touchItem)
		r.Get("/memory", h.getWorkingMemory)
		r.Put("/focus", h.setFocus)
		r.Get("/budget", h.getBudget)
		r.Post("/context-switch", h.recordContextSwitch)
		r.Post("/session/reset", h.resetSession)
		r.Post("/consolidate", h.triggerConsolidation)
		r.Delete("/consolidate", h.cancelConsolidation)
		r.Get("/routing", h.getRoutingHistory)
		r.Get("/routing/stats", h.getRoutingStats)
	})

	return r
}

type handler struct {
	svc *service.Service
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// admitItem handles POST /api/scopes/{scope}/items
func (h *handler) admitItem(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	var in attention.ItemInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.AdmitItem(r.Context(), scope, in)
	if err != nil {
		if errors.Is(err, attention.ErrInvalidSalienceInput) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"item_id": id})
}

// touchItem handles POST /api/scopes/{scope}/items/{itemID}/touch
func (h *handler) touchItem(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	itemID := chi.URLParam(r, "itemID")

	if err := h.svc.TouchItem(r.Context(), scope, itemID); err != nil {
		if errors.Is(err, attention.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getWorkingMemory handles GET /api/scopes/{scope}/memory
func (h *handler) getWorkingMemory(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	writeJSON(w, http.StatusOK, h.svc.GetWorkingMemory(r.Context(), scope))
}

// setFocus handles PUT /api/scopes/{scope}/focus
func (h *handler) setFocus(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	var req struct {
		Area  attention.FocusArea `json:"area"`
		Level float64             `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SetFocus(r.Context(), scope, req.Area, req.Level); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getBudget handles GET /api/scopes/{scope}/budget
func (h *handler) getBudget(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	writeJSON(w, http.StatusOK, h.svc.GetAttentionBudget(r.Context(), scope))
}

// recordContextSwitch handles POST /api/scopes/{scope}/context-switch
func (h *handler) recordContextSwitch(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	h.svc.RecordContextSwitch(r.Context(), scope)
	w.WriteHeader(http.StatusNoContent)
}

// resetSession handles POST /api/scopes/{scope}/session/reset
func (h *handler) resetSession(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	h.svc.ResetSession(r.Context(), scope)
	w.WriteHeader(http.StatusNoContent)
}

// triggerConsolidation handles POST /api/scopes/{scope}/consolidate
func (h *handler) triggerConsolidation(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	result, started := h.svc.TriggerConsolidation(r.Context(), scope)
	if !started {
		writeJSON(w, http.StatusAccepted, map[string]any{"skipped": true})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// cancelConsolidation handles DELETE /api/scopes/{scope}/consolidate
func (h *handler) cancelConsolidation(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	h.svc.CancelConsolidation(r.Context(), scope)
	w.WriteHeader(http.StatusAccepted)
}

// getRoutingHistory handles GET /api/scopes/{scope}/routing
func (h *handler) getRoutingHistory(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	decisions, err := h.svc.GetRoutingHistory(r.Context(), scope, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

// getRoutingStats handles GET /api/scopes/{scope}/routing/stats
func (h *handler) getRoutingStats(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")

	stats, err := h.svc.GetRoutingStats(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

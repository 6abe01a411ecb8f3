package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleSimilarStats handles GET /api/admin/similar-stats/{id}
func (s *Server) handleSimilarStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.sim.Stats(r.Context(), id)
	if err != nil {
		s.log.Error("similar stats failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": stats})
}

// handleClearSimilarCache handles GET /api/admin/clear-similar-cache/{id}
func (s *Server) handleClearSimilarCache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sim.Invalidate(r.Context(), id); err != nil {
		s.log.Error("similar cache clear failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":   true,
		"articleId": id,
	})
}

// handleClearAllCache handles POST /api/admin/clear-all-cache-except-user
func (s *Server) handleClearAllCache(w http.ResponseWriter, r *http.Request) {
	report, err := s.cache.ClearAllExceptUser(r.Context())
	if err != nil {
		s.log.Error("cache clear failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": report})
}

// handleClearSpecificTypes handles POST /api/admin/clear-specific-cache-types
func (s *Server) handleClearSpecificTypes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		s.respondError(w, http.StatusBadRequest, "types query parameter is required")
		return
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	report, err := s.cache.ClearSpecificTypes(r.Context(), types, s.gw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": report})
}

// handleCacheStatistics handles GET /api/admin/cache-statistics
func (s *Server) handleCacheStatistics(w http.ResponseWriter, r *http.Request) {
	report, err := s.cache.Statistics(r.Context())
	if err != nil {
		s.log.Error("cache statistics failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "statistics unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": report})
}

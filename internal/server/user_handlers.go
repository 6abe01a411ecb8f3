package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pressroom/internal/personalize"
)

// handleGenerateUserID handles POST /api/user/generate-id
func (s *Server) handleGenerateUserID(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"userId": newUserID()})
}

// newUserID mints an anonymous user handle: epoch millis plus a short
// base36 suffix. Uniqueness is best-effort; collisions only merge two
// anonymous histories.
func newUserID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("user_%d_%s", time.Now().UnixMilli(), suffix)
}

type preferencesRequest struct {
	Topics []string `json:"topics"`
}

// handleSetPreferences handles POST and PUT /api/user/{userId}/preferences
func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	var body preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "body must be JSON with a topics array")
		return
	}

	prefs, err := s.pers.UpdatePreferences(r.Context(), userID, body.Topics)
	if errors.Is(err, personalize.ErrNoValidTopics) {
		s.respondError(w, http.StatusBadRequest, "topics must contain at least one non-empty string")
		return
	}
	if err != nil {
		s.log.Error("storing preferences failed", "userId", userID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "preference store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": prefs})
}

// handleGetPreferences handles GET /api/user/{userId}/preferences
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	prefs, err := s.pers.Preferences().Get(r.Context(), userID)
	if errors.Is(err, personalize.ErrNoPreferences) {
		s.respondError(w, http.StatusNotFound, "no preferences stored for user")
		return
	}
	if err != nil {
		s.log.Error("loading preferences failed", "userId", userID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "preference store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": prefs})
}

// handlePersonalizedNews handles GET /api/user/{userId}/personalized-news
func (s *Server) handlePersonalizedNews(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := personalize.Options{
		ForceRefresh: r.URL.Query().Get("forceRefresh") == "true",
	}

	res, err := s.pers.Feed(r.Context(), userID, p.Limit, p.Offset, opts)
	if err != nil {
		s.log.Error("personalized feed failed", "userId", userID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "personalization unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       res.Articles,
		Pagination: buildPagination(r, p, res.Total),
		Extra: map[string]interface{}{
			"cached":            res.Cached,
			"fallback":          res.Fallback,
			"personalizedCount": res.PersonalizedCount,
			"filteredReadCount": res.FilteredReadCount,
		},
	})
}

// handlePersonalizedSearch handles GET /api/user/{userId}/personalized-news/search
func (s *Server) handlePersonalizedSearch(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	sentiment := strings.TrimSpace(r.URL.Query().Get("sentiment"))
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	opts := personalize.Options{
		ForceRefresh: r.URL.Query().Get("forceRefresh") == "true",
	}

	res, err := s.pers.Search(r.Context(), userID, q, sentiment, source, p.Limit, p.Offset, opts)
	if err != nil {
		s.log.Error("personalized search failed", "userId", userID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "personalization unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       res.Articles,
		Pagination: buildPagination(r, p, res.Total),
		Extra: map[string]interface{}{
			"cached":            res.Cached,
			"personalizedCount": res.PersonalizedCount,
			"filteredReadCount": res.FilteredReadCount,
		},
	})
}

// handleUserHistory handles GET /api/user/{userId}/history
func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Fetch unbounded so totalCount reflects the whole history, not
	// just the pages seen so far.
	history, err := s.metrics.UserHistory(r.Context(), userID, 0)
	if err != nil {
		s.log.Error("user history failed", "userId", userID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	total := len(history)
	if p.Offset < len(history) {
		end := p.Offset + p.Limit
		if end > len(history) {
			end = len(history)
		}
		history = history[p.Offset:end]
	} else {
		history = history[:0]
	}
	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       history,
		Pagination: buildPagination(r, p, total),
	})
}

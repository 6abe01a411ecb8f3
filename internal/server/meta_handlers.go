package server

import (
	"net/http"
	"time"

	"pressroom/internal/core"
	"pressroom/internal/index"
)

// Topics offered to clients for preference selection. The list is a
// product decision, not derived from stored articles.
var metadataTopics = []string{
	"India", "Technology", "Politics", "World", "Sports",
	"Business", "Entertainment", "Science", "Health",
}

var serverStartTime = time.Now()

// handleMetadataTopics handles GET /api/metadata/topics
func (s *Server) handleMetadataTopics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": metadataTopics})
}

// handleMetadataSentiments handles GET /api/metadata/sentiments
func (s *Server) handleMetadataSentiments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data": []string{core.SentimentPositive, core.SentimentNegative, core.SentimentNeutral},
	})
}

// handleMetadataSources handles GET /api/metadata/sources
func (s *Server) handleMetadataSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.gw.ListSources(r.Context())
	if err != nil {
		s.log.Error("source aggregation failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "source listing unavailable")
		return
	}
	if sources == nil {
		sources = []index.SourceCount{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": sources})
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = "error"
		s.respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Checks: checks,
		})
		return
	}
	checks["redis"] = "ok"

	if err := s.gw.EnsureIndex(r.Context()); err != nil {
		checks["index"] = "error"
	} else {
		checks["index"] = "ok"
	}

	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Checks: checks,
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"uptime": time.Since(serverStartTime).String(),
	})
}

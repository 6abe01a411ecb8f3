package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/similar"
)

// intersectCap bounds each subquery of a combined topic+search lookup.
const intersectCap = 1000

// handleListNews handles GET /api/news
func (s *Server) handleListNews(w http.ResponseWriter, r *http.Request) {
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	key := cache.AllArticlesKey(p.Limit, p.Offset)
	if env, side, err := s.cache.Probe(ctx, key, key+":meta"); err == nil && env != nil {
		total := len(env.Results)
		if side != nil {
			total = side.TotalCount
		}
		s.respondJSON(w, http.StatusOK, paginatedResponse{
			Data:       env.Results,
			Pagination: buildPagination(r, p, total),
			Extra:      map[string]interface{}{"cached": true},
		})
		return
	}

	page, err := s.gw.Latest(ctx, p.Limit, p.Offset)
	if err != nil {
		s.log.Error("listing articles failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "article listing unavailable")
		return
	}
	scored := plainScored(page.Articles)

	now := time.Now()
	env := &core.CacheEnvelope{Results: scored, Timestamp: now}
	side := &core.CacheSidecar{TotalCount: page.Total, Timestamp: now, LastUpdated: now}
	if err := s.cache.Write(ctx, key, key+":meta", env, side, cache.TTLAllArticles); err != nil {
		s.log.Warn("article list cache write failed", "error", err)
	}

	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       scored,
		Pagination: buildPagination(r, p, page.Total),
	})
}

// handleGetArticle handles GET /api/news/{id}. Viewing an article
// counts a view, marks it read for the requesting user, and drops that
// user's personalized caches so the next feed reflects the read.
func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	article, err := s.gw.GetArticle(ctx, id)
	if err == index.ErrNotFound {
		s.respondError(w, http.StatusNotFound, "article not found")
		return
	}
	if err != nil {
		s.log.Error("loading article failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "article store unavailable")
		return
	}

	userID := requestUserID(r)
	meta := core.ViewMeta{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
		Language:  r.Header.Get("Accept-Language"),
	}
	if err := s.metrics.RecordView(ctx, id, userID, meta); err != nil {
		s.log.Warn("recording view failed", "id", id, "error", err)
	}
	if userID != "" {
		if err := s.reads.MarkRead(ctx, userID, id); err != nil {
			s.log.Warn("marking read failed", "id", id, "userId", userID, "error", err)
		}
		if err := s.pers.InvalidateUser(ctx, userID); err != nil {
			s.log.Warn("personalized invalidation failed", "userId", userID, "error", err)
		}
	}

	snapshot, _, err := s.metrics.Metrics(ctx, id)
	if err != nil {
		s.log.Warn("metrics snapshot failed", "id", id, "error", err)
		snapshot = &core.ArticleMetrics{ArticleID: id}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":    article,
		"metrics": snapshot,
	})
}

// handleSimilar handles GET /api/news/{id}/similar
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := similar.Options{
		ForceRefresh: r.URL.Query().Get("forceRefresh") == "true",
	}

	res, err := s.sim.Similar(r.Context(), id, p.Limit, p.Offset, opts)
	if err != nil {
		s.log.Error("similar lookup failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "similarity engine unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       res.Articles,
		Pagination: buildPagination(r, p, res.Total),
		Extra: map[string]interface{}{
			"cached":     res.Cached,
			"method":     res.Method,
			"fallback":   res.Fallback,
			"cacheAgeMs": res.CacheAgeMs,
		},
	})
}

// handleArticleMetrics handles GET /api/news/{id}/metrics
func (s *Server) handleArticleMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snapshot, engagement, err := s.metrics.Metrics(r.Context(), id)
	if err != nil {
		s.log.Error("metrics lookup failed", "id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":       snapshot,
		"engagement": engagement,
	})
}

// handleSearch handles GET /api/news/search with the composite
// q/sentiment/source/topic dispatch.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	sentiment := strings.TrimSpace(r.URL.Query().Get("sentiment"))
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	ctx := r.Context()

	hasSearch := q != "" || sentiment != "" || source != ""
	newestFirst := index.SearchOptions{SortBy: "published_at", Asc: false}

	switch {
	case topic != "" && hasSearch:
		searchOpts := newestFirst
		searchOpts.Limit = intersectCap
		searchPage, err := s.gw.Search(ctx, index.SearchQuery(q, sentiment, source), searchOpts)
		if err != nil {
			s.log.Error("search subquery failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "search unavailable")
			return
		}
		topicPage, err := s.gw.Search(ctx, index.TopicQuery(topic), searchOpts)
		if err != nil {
			s.log.Error("topic subquery failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "search unavailable")
			return
		}
		inTopic := make(map[string]struct{}, len(topicPage.Articles))
		for _, a := range topicPage.Articles {
			inTopic[a.ID] = struct{}{}
		}
		var both []core.Article
		for _, a := range searchPage.Articles {
			if _, ok := inTopic[a.ID]; ok {
				both = append(both, a)
			}
		}
		s.respondJSON(w, http.StatusOK, paginatedResponse{
			Data:       plainScored(slicePage(both, p.Offset, p.Limit)),
			Pagination: buildPagination(r, p, len(both)),
		})
		return

	case topic != "":
		s.searchAndRespond(w, r, p, index.TopicQuery(topic))
		return

	case hasSearch:
		s.searchAndRespond(w, r, p, index.SearchQuery(q, sentiment, source))
		return

	default:
		page, err := s.gw.Latest(ctx, p.Limit, p.Offset)
		if err != nil {
			s.log.Error("listing articles failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "article listing unavailable")
			return
		}
		s.respondJSON(w, http.StatusOK, paginatedResponse{
			Data:       plainScored(page.Articles),
			Pagination: buildPagination(r, p, page.Total),
		})
	}
}

// handleTopic handles GET /api/news/topic/{topic}
func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.searchAndRespond(w, r, p, index.TopicQuery(chi.URLParam(r, "topic")))
}

// handleSentiment handles GET /api/news/sentiment/{sentiment}
func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	sentiment := strings.ToLower(chi.URLParam(r, "sentiment"))
	switch sentiment {
	case core.SentimentPositive, core.SentimentNegative, core.SentimentNeutral:
	default:
		s.respondError(w, http.StatusBadRequest, "sentiment must be positive, negative or neutral")
		return
	}
	p, err := parsePageParams(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.searchAndRespond(w, r, p, index.TagFilter("sentiment", sentiment))
}

// handleTrending handles GET /api/news/trending
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			s.respondError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	period, err := parsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	trending, err := s.metrics.Trending(r.Context(), limit, period)
	if err != nil {
		s.log.Error("trending lookup failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "trending unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   trending,
		"period": period,
	})
}

// parsePeriod resolves the trending window in days. Accepts day/week/
// month aliases or a bare day count up to the counter retention.
func parsePeriod(raw string) (int, error) {
	switch raw {
	case "", "day":
		return 1, nil
	case "week":
		return 7, nil
	case "month":
		return 30, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 30 {
		return 0, fmt.Errorf("period must be day, week, month, or 1-30 days")
	}
	return n, nil
}

// searchAndRespond runs an index query newest-first and writes one page.
func (s *Server) searchAndRespond(w http.ResponseWriter, r *http.Request, p pageParams, query string) {
	page, err := s.gw.Search(r.Context(), query, index.SearchOptions{
		SortBy: "published_at",
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		s.log.Error("search failed", "query", query, "error", err)
		s.respondError(w, http.StatusInternalServerError, "search unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, paginatedResponse{
		Data:       plainScored(page.Articles),
		Pagination: buildPagination(r, p, page.Total),
	})
}

// requestUserID resolves the acting user from header or query.
func requestUserID(r *http.Request) string {
	if id := r.Header.Get("x-user-id"); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}

func plainScored(articles []core.Article) []core.ScoredArticle {
	out := make([]core.ScoredArticle, 0, len(articles))
	for _, a := range articles {
		out = append(out, core.ScoredArticle{Article: a})
	}
	return out
}

func slicePage(articles []core.Article, offset, limit int) []core.Article {
	if offset >= len(articles) {
		return []core.Article{}
	}
	end := offset + limit
	if end > len(articles) {
		end = len(articles)
	}
	return articles[offset:end]
}

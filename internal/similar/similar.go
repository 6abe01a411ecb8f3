package similar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/llm"
	"pressroom/internal/logger"
)

// SimilarityThreshold is the minimum cosine similarity a vector
// neighbour needs to count as related.
const SimilarityThreshold = 0.5

// Fusion weights for the fallback blender. They sum to one so fused
// scores stay comparable to single-strategy scores.
const (
	weightText     = 0.4
	weightSemantic = 0.3
	weightCategory = 0.2
	weightTemporal = 0.1
)

// knnPadding over-fetches neighbours so post-threshold filtering still
// fills the requested page.
const knnPadding = 20

// tombstoneTTL keeps the last-known-good result around long after the
// live cache entry expired.
const tombstoneTTL = 24 * time.Hour

// Engine computes related-article lists. The vector path is primary;
// when embedding or the KNN index fails it degrades to a blended
// text/semantic/category/temporal ranking, and as a last resort serves
// the tombstoned previous result.
type Engine struct {
	gw    index.Gateway
	cache *cache.Cache
	embed llm.Embedder
	ttl   time.Duration
	log   *slog.Logger
}

// Options tweaks a single lookup.
type Options struct {
	// ForceRefresh skips the cache probe and recomputes.
	ForceRefresh bool
}

// Result is one page of related articles plus provenance.
type Result struct {
	Articles     []core.ScoredArticle `json:"articles"`
	Total        int                  `json:"total"`
	Cached       bool                 `json:"cached"`
	Fallback     bool                 `json:"fallback,omitempty"`
	Method       string               `json:"method"`
	CacheAgeMs   int64                `json:"cacheAgeMs,omitempty"`
	KeywordsUsed []string             `json:"keywordsUsed,omitempty"`
}

func New(gw index.Gateway, c *cache.Cache, embed llm.Embedder, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = cache.TTLSimilar
	}
	return &Engine{gw: gw, cache: c, embed: embed, ttl: ttl, log: logger.Get()}
}

// Similar returns articles related to the given one.
func (e *Engine) Similar(ctx context.Context, articleID string, limit, offset int, opts Options) (*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	key := cache.SimilarKey(articleID, limit, offset)
	metaKey := cache.SimilarMetaKey(articleID)
	statsKey := cache.SimilarStatsKey(articleID)

	if !opts.ForceRefresh {
		env, side, err := e.cache.Probe(ctx, key, metaKey)
		if err != nil {
			e.log.Warn("similar cache probe failed", "articleId", articleID, "error", err)
		}
		if env != nil {
			e.cache.BumpHit(ctx, statsKey)
			res := &Result{
				Articles: page(env.Results, offset, limit),
				Total:    len(env.Results),
				Cached:   true,
				Method:   env.Method,
			}
			if side != nil {
				res.Total = side.TotalCount
				res.CacheAgeMs = time.Since(side.Timestamp).Milliseconds()
			} else {
				res.CacheAgeMs = time.Since(env.Timestamp).Milliseconds()
			}
			return res, nil
		}
	}

	e.cache.BumpMiss(ctx, statsKey)
	e.cache.BloomMark(ctx, cache.SimilarBloomKey(articleID), articleID)

	target, err := e.gw.GetArticle(ctx, articleID)
	if err == index.ErrNotFound {
		return &Result{Articles: []core.ScoredArticle{}, Method: core.MethodVector}, nil
	}
	if err != nil {
		return e.tombstone(ctx, articleID, offset, limit, err)
	}

	searchText := target.Title
	keywordsUsed := target.Keywords
	if len(target.Keywords) > 0 {
		searchText = strings.Join(target.Keywords, " ")
	}

	ranked, method, err := e.computeVector(ctx, target, searchText, limit+offset+knnPadding)
	if err != nil {
		e.log.Warn("vector path failed, blending fallback strategies",
			"articleId", articleID, "error", err)
		ranked, err = e.blend(ctx, target, limit+offset+knnPadding)
		method = core.MethodCombined
		if err != nil {
			return e.tombstone(ctx, articleID, offset, limit, err)
		}
	}

	now := time.Now()
	env := &core.CacheEnvelope{Results: ranked, Timestamp: now, Method: method}
	side := &core.CacheSidecar{TotalCount: len(ranked), Timestamp: now, Method: method, LastUpdated: now}
	if err := e.cache.Write(ctx, key, metaKey, env, side, e.ttl); err != nil {
		e.log.Warn("similar write-back failed", "articleId", articleID, "error", err)
	} else {
		e.cache.TouchLRU(ctx, cache.SimilarLRUKey, key, 24*e.ttl)
	}
	e.writeTombstone(ctx, articleID, env)
	e.cache.AddDailyUnique(ctx, cache.SimilarUniqueKey(now), articleID)

	return &Result{
		Articles:     page(ranked, offset, limit),
		Total:        len(ranked),
		Method:       method,
		KeywordsUsed: keywordsUsed,
	}, nil
}

// Stats exposes the per-article cache counters.
func (e *Engine) Stats(ctx context.Context, articleID string) (core.CacheStats, error) {
	return e.cache.Stats(ctx, cache.SimilarStatsKey(articleID))
}

// Invalidate drops every cached page for an article.
func (e *Engine) Invalidate(ctx context.Context, articleID string) error {
	if _, err := e.cache.PurgePattern(ctx, fmt.Sprintf("similar:%s:*", articleID)); err != nil {
		return err
	}
	return e.cache.Delete(ctx, cache.SimilarMetaKey(articleID), cache.SimilarStatsKey(articleID))
}

func (e *Engine) computeVector(ctx context.Context, target *core.Article, searchText string, k int) ([]core.ScoredArticle, string, error) {
	vec, err := e.embed.Embed(ctx, searchText)
	if err != nil {
		return nil, "", fmt.Errorf("embedding search text: %w", err)
	}
	hits, err := e.gw.VectorSearch(ctx, vec, k, "", target.ID)
	if err != nil {
		return nil, "", fmt.Errorf("knn query: %w", err)
	}
	kept := make([]core.ScoredArticle, 0, len(hits))
	for _, hit := range hits {
		sim := 1 - hit.Distance
		if sim < SimilarityThreshold {
			continue
		}
		kept = append(kept, core.ScoredArticle{
			Article:      hit.Article,
			Method:       core.MethodVector,
			Similarity:   sim,
			KeywordsUsed: len(target.Keywords) > 0,
		})
	}
	return kept, core.MethodVector, nil
}

// blend runs the four fallback strategies concurrently and fuses their
// scores in a transient sorted set. Individual strategy failures are
// tolerated; only all four failing is an error.
func (e *Engine) blend(ctx context.Context, target *core.Article, k int) ([]core.ScoredArticle, error) {
	type strategy struct {
		name   string
		weight float64
		run    func(context.Context, *core.Article, int) (map[string]float64, error)
	}
	strategies := []strategy{
		{core.MethodText, weightText, e.textStrategy},
		{core.MethodSemantic, weightSemantic, e.semanticStrategy},
		{core.MethodCategory, weightCategory, e.categoryStrategy},
		{core.MethodTemporal, weightTemporal, e.temporalStrategy},
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		succeeded int
	)
	fused := map[string]float64{}
	for _, s := range strategies {
		wg.Add(1)
		go func(s strategy) {
			defer wg.Done()
			scores, err := s.run(ctx, target, k)
			if err != nil {
				e.log.Debug("fallback strategy failed", "strategy", s.name, "error", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			succeeded++
			for id, score := range scores {
				fused[id] += s.weight * score
			}
		}(s)
	}
	wg.Wait()
	if succeeded == 0 {
		return nil, fmt.Errorf("all fallback strategies failed for %s", target.ID)
	}
	delete(fused, target.ID)

	ranked, err := e.rankFused(ctx, target.ID, fused, k)
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

// rankFused materializes the fused scores in a temporary sorted set and
// reads them back highest-first, hydrating each id.
func (e *Engine) rankFused(ctx context.Context, targetID string, fused map[string]float64, k int) ([]core.ScoredArticle, error) {
	rdb := e.cache.Client()
	tempKey := cache.TempSimilarityKey(targetID)
	defer rdb.Del(context.WithoutCancel(ctx), tempKey)

	pipe := rdb.Pipeline()
	for id, score := range fused {
		pipe.ZIncrBy(ctx, tempKey, score, id)
	}
	pipe.Expire(ctx, tempKey, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("accumulating fused scores: %w", err)
	}

	entries, err := rdb.ZRevRangeWithScores(ctx, tempKey, 0, int64(k)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading fused ranking: %w", err)
	}

	ranked := make([]core.ScoredArticle, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		article, err := e.gw.GetArticle(ctx, id)
		if err != nil {
			continue
		}
		ranked = append(ranked, core.ScoredArticle{
			Article:    *article,
			Method:     core.MethodCombined,
			Similarity: entry.Score,
		})
	}
	return ranked, nil
}

func (e *Engine) textStrategy(ctx context.Context, target *core.Article, k int) (map[string]float64, error) {
	terms := textTerms(target.Title, target.Summary, target.Description)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}
	return e.rankDecayQuery(ctx, index.TermsQuery(terms), k)
}

func (e *Engine) semanticStrategy(ctx context.Context, target *core.Article, k int) (map[string]float64, error) {
	text := target.Title + " " + target.Description
	terms := entities(text)
	terms = append(terms, quotedPhrases(target.Content)...)
	terms = append(terms, technicalTokens(text)...)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}
	return e.rankDecayQuery(ctx, index.TermsQuery(terms), k)
}

func (e *Engine) categoryStrategy(ctx context.Context, target *core.Article, k int) (map[string]float64, error) {
	var clauses []string
	if c := index.TagFilter("sentiment", target.Sentiment); c != "" {
		clauses = append(clauses, c)
	}
	if c := index.TagFilter("source", target.Source.Name); c != "" {
		clauses = append(clauses, c)
	}
	if len(clauses) == 0 {
		return map[string]float64{}, nil
	}
	page, err := e.gw.Search(ctx, "("+strings.Join(clauses, "|")+")", index.SearchOptions{Limit: k})
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(page.Articles))
	for _, a := range page.Articles {
		var score float64
		if a.Sentiment != "" && a.Sentiment == target.Sentiment {
			score += 0.3
		}
		if a.Source.Name != "" && a.Source.Name == target.Source.Name {
			score += 0.2
		}
		score += 0.3 * keywordOverlap(target.Keywords, a.Keywords)
		scores[a.ID] = score
	}
	return scores, nil
}

func (e *Engine) temporalStrategy(ctx context.Context, target *core.Article, k int) (map[string]float64, error) {
	if target.PublishedAt.IsZero() {
		return map[string]float64{}, nil
	}
	from := target.PublishedAt.AddDate(0, 0, -7).Unix()
	to := target.PublishedAt.AddDate(0, 0, 7).Unix()
	page, err := e.gw.Search(ctx, index.PublishedBetween(from, to), index.SearchOptions{Limit: k})
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(page.Articles))
	for _, a := range page.Articles {
		deltaDays := math.Abs(target.PublishedAt.Sub(a.PublishedAt).Hours()) / 24
		scores[a.ID] = math.Max(0, 1-deltaDays/30)
	}
	return scores, nil
}

// rankDecayQuery scores search hits by inverse rank, 1.0 for the first
// result down to just above zero for the last.
func (e *Engine) rankDecayQuery(ctx context.Context, query string, k int) (map[string]float64, error) {
	page, err := e.gw.Search(ctx, query, index.SearchOptions{Limit: k})
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(page.Articles))
	for i, a := range page.Articles {
		scores[a.ID] = 1 - float64(i)/float64(len(page.Articles))
	}
	return scores, nil
}

// tombstone serves the last-known-good result after a full pipeline
// failure. The original error is returned when no tombstone exists.
func (e *Engine) tombstone(ctx context.Context, articleID string, offset, limit int, cause error) (*Result, error) {
	raw, err := e.cache.Client().Get(ctx, cache.SimilarFallbackKey(articleID)).Result()
	if err != nil {
		return &Result{Articles: []core.ScoredArticle{}}, cause
	}
	var env core.CacheEnvelope
	if json.Unmarshal([]byte(raw), &env) != nil {
		return &Result{Articles: []core.ScoredArticle{}}, cause
	}
	e.log.Warn("serving tombstoned similar results", "articleId", articleID, "cause", cause)
	return &Result{
		Articles: page(env.Results, offset, limit),
		Total:    len(env.Results),
		Cached:   true,
		Fallback: true,
		Method:   env.Method,
	}, nil
}

func (e *Engine) writeTombstone(ctx context.Context, articleID string, env *core.CacheEnvelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := e.cache.Client().Set(ctx, cache.SimilarFallbackKey(articleID), raw, tombstoneTTL).Err(); err != nil {
		e.log.Debug("tombstone write failed", "articleId", articleID, "error", err)
	}
}

func page(results []core.ScoredArticle, offset, limit int) []core.ScoredArticle {
	if offset >= len(results) {
		return []core.ScoredArticle{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

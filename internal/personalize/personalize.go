package personalize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/llm"
	"pressroom/internal/logger"
	"pressroom/internal/readhistory"
)

// PreferenceThreshold is the minimum similarity for a preference match.
const PreferenceThreshold = 0.4

// SearchThreshold is the minimum query similarity kept by search.
const SearchThreshold = 0.3

// generalScore marks general top-up articles; any preference match
// outranks them.
const generalScore = 0.1

// feedPadding over-computes so read-filtering still fills the page.
const feedPadding = 10

// knnPadding over-fetches per-preference neighbours.
const knnPadding = 20

// readRecomputeRatio: a cache hit losing more than this fraction of a
// page to read-filtering is recomputed instead of served thin.
const readRecomputeRatio = 0.3

// Engine builds per-user feeds by running one vector query per stored
// preference and fusing the results, topped up with recent general
// articles. Feeds are cached pre-read-filter so one cache entry serves
// the user as their read set grows.
type Engine struct {
	gw        index.Gateway
	cache     *cache.Cache
	reads     *readhistory.Tracker
	embed     llm.Embedder
	prefs     *PrefStore
	feedTTL   time.Duration
	searchTTL time.Duration
	log       *slog.Logger
}

// Options tweaks a single request.
type Options struct {
	ForceRefresh bool
}

// FeedResult is one page of a personalized feed.
type FeedResult struct {
	Articles          []core.ScoredArticle `json:"articles"`
	Total             int                  `json:"total"`
	PersonalizedCount int                  `json:"personalizedCount"`
	Cached            bool                 `json:"cached"`
	Fallback          bool                 `json:"fallback,omitempty"`
	FilteredReadCount int                  `json:"filteredReadCount"`
}

func New(gw index.Gateway, c *cache.Cache, reads *readhistory.Tracker, embed llm.Embedder, prefs *PrefStore, feedTTL, searchTTL time.Duration) *Engine {
	if feedTTL <= 0 {
		feedTTL = cache.TTLPersonalized
	}
	if searchTTL <= 0 {
		searchTTL = cache.TTLPersonalizedSearch
	}
	return &Engine{
		gw: gw, cache: c, reads: reads, embed: embed, prefs: prefs,
		feedTTL: feedTTL, searchTTL: searchTTL, log: logger.Get(),
	}
}

// Preferences exposes the preference store.
func (e *Engine) Preferences() *PrefStore {
	return e.prefs
}

// Feed assembles one page of the user's personalized feed.
func (e *Engine) Feed(ctx context.Context, userID string, limit, offset int, opts Options) (*FeedResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	key := cache.PersonalizedKey(userID, limit, offset)
	statsKey := cache.PersonalizedStatsKey(userID)

	prefs, prefsErr := e.prefs.Get(ctx, userID)
	if prefsErr != nil && prefsErr != ErrNoPreferences {
		return nil, prefsErr
	}

	if !opts.ForceRefresh && prefs != nil {
		if res := e.probeFeed(ctx, userID, key, prefs, limit, offset); res != nil {
			e.cache.BumpHit(ctx, statsKey)
			return res, nil
		}
	}
	e.cache.BumpMiss(ctx, statsKey)

	if prefs == nil {
		return e.generalFallback(ctx, userID, limit, offset)
	}

	ranked, err := e.computeFeed(ctx, prefs, limit+offset+feedPadding)
	if err != nil {
		e.log.Warn("personalized compute failed, serving general feed",
			"userId", userID, "error", err)
		return e.generalFallback(ctx, userID, limit, offset)
	}

	// Cached pre-filter: the read set moves faster than the feed.
	now := time.Now()
	env := &core.CacheEnvelope{Results: ranked, Timestamp: now, Method: core.MethodCombined, Version: Version(prefs)}
	if err := e.cache.Write(ctx, key, "", env, nil, e.feedTTL); err != nil {
		e.log.Warn("personalized write-back failed", "userId", userID, "error", err)
	} else {
		e.cache.Client().Set(ctx, cache.PrefsVersionKey(userID), Version(prefs), e.feedTTL)
	}

	filtered := e.reads.Filter(ctx, userID, ranked)
	removed := len(ranked) - len(filtered)
	pageOut := page(filtered, offset, limit)
	return &FeedResult{
		Articles:          pageOut,
		Total:             len(filtered),
		PersonalizedCount: personalizedCount(pageOut),
		FilteredReadCount: removed,
	}, nil
}

// probeFeed validates a cached feed against the preference version and
// the read-filter thinning rule. nil means miss.
func (e *Engine) probeFeed(ctx context.Context, userID, key string, prefs *core.UserPreferences, limit, offset int) *FeedResult {
	env, _, err := e.cache.Probe(ctx, key, "")
	if err != nil || env == nil {
		return nil
	}
	storedVersion, err := e.cache.Client().Get(ctx, cache.PrefsVersionKey(userID)).Result()
	if err != nil || storedVersion != Version(prefs) {
		return nil
	}

	filtered := e.reads.Filter(ctx, userID, env.Results)
	removed := len(env.Results) - len(filtered)
	if float64(removed) > readRecomputeRatio*float64(limit) {
		return nil
	}
	pageOut := page(filtered, offset, limit)
	return &FeedResult{
		Articles:          pageOut,
		Total:             len(filtered),
		PersonalizedCount: personalizedCount(pageOut),
		Cached:            true,
		FilteredReadCount: removed,
	}
}

// computeFeed runs one vector query per preference, weights matches by
// preference order, and tops up with general articles. Individual
// preference failures are tolerated; every preference failing is an
// error.
func (e *Engine) computeFeed(ctx context.Context, prefs *core.UserPreferences, want int) ([]core.ScoredArticle, error) {
	chosen := map[string]struct{}{}
	var ranked []core.ScoredArticle
	succeeded := 0
	for i, pref := range prefs.Preferences {
		weight := 1 - 0.1*float64(i)
		if weight < 0 {
			weight = 0
		}
		vec, err := e.embed.Embed(ctx, pref)
		if err != nil {
			e.log.Debug("preference embedding failed", "preference", pref, "error", err)
			continue
		}
		hits, err := e.gw.VectorSearch(ctx, vec, want+knnPadding, "", "")
		if err != nil {
			e.log.Debug("preference query failed", "preference", pref, "error", err)
			continue
		}
		succeeded++
		for _, hit := range hits {
			sim := 1 - hit.Distance
			if sim < PreferenceThreshold {
				continue
			}
			if _, dup := chosen[hit.Article.ID]; dup {
				continue
			}
			chosen[hit.Article.ID] = struct{}{}
			ranked = append(ranked, core.ScoredArticle{
				Article:           hit.Article,
				Method:            core.MethodVector,
				Similarity:        sim,
				FinalScore:        sim * weight,
				MatchedPreference: pref,
				PreferenceOrder:   i,
			})
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("no preference query succeeded for %s", prefs.UserID)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})

	if len(ranked) < want {
		general, err := e.gw.Latest(ctx, want, 0)
		if err != nil {
			e.log.Debug("general top-up failed", "error", err)
			return ranked, nil
		}
		for _, a := range general.Articles {
			if len(ranked) >= want {
				break
			}
			if _, dup := chosen[a.ID]; dup {
				continue
			}
			chosen[a.ID] = struct{}{}
			ranked = append(ranked, core.ScoredArticle{
				Article:           a,
				Method:            core.MethodGeneral,
				FinalScore:        generalScore,
				MatchedPreference: core.MethodGeneral,
			})
		}
	}
	return ranked, nil
}

// generalFallback serves newest articles when the user has no
// preferences or personalization failed entirely.
func (e *Engine) generalFallback(ctx context.Context, userID string, limit, offset int) (*FeedResult, error) {
	pageIn, err := e.gw.Latest(ctx, limit+offset+feedPadding, 0)
	if err != nil {
		return nil, err
	}
	scored := make([]core.ScoredArticle, 0, len(pageIn.Articles))
	for _, a := range pageIn.Articles {
		scored = append(scored, core.ScoredArticle{
			Article:           a,
			Method:            core.MethodGeneral,
			FinalScore:        generalScore,
			MatchedPreference: core.MethodGeneral,
		})
	}
	filtered := e.reads.Filter(ctx, userID, scored)
	removed := len(scored) - len(filtered)
	return &FeedResult{
		Articles:          page(filtered, offset, limit),
		Total:             len(filtered),
		Fallback:          true,
		FilteredReadCount: removed,
	}, nil
}

// Search filters the user's personalized pool by a query and optional
// sentiment/source, ranking by query similarity.
func (e *Engine) Search(ctx context.Context, userID, query, sentiment, source string, limit, offset int, opts Options) (*FeedResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	hash := cache.Hash(query, sentiment, source)
	key := cache.PersonalizedSearchKey(userID, hash, limit, offset)
	statsKey := cache.PersonalizedStatsKey(userID)

	if !opts.ForceRefresh {
		env, _, err := e.cache.Probe(ctx, key, "")
		if err == nil && env != nil {
			e.cache.BumpHit(ctx, statsKey)
			filtered := e.reads.Filter(ctx, userID, env.Results)
			pageOut := page(filtered, offset, limit)
			return &FeedResult{
				Articles:          pageOut,
				Total:             len(filtered),
				PersonalizedCount: personalizedCount(pageOut),
				Cached:            true,
				FilteredReadCount: len(env.Results) - len(filtered),
			}, nil
		}
	}
	e.cache.BumpMiss(ctx, statsKey)

	buffer := 8 * limit
	if buffer < 100 {
		buffer = 100
	}
	var pool []core.ScoredArticle
	if prefs, err := e.prefs.Get(ctx, userID); err == nil {
		if pool, err = e.computeFeed(ctx, prefs, buffer); err != nil {
			pool = nil
		}
	}
	if pool == nil {
		general, err := e.gw.Latest(ctx, buffer, 0)
		if err != nil {
			return nil, err
		}
		for _, a := range general.Articles {
			pool = append(pool, core.ScoredArticle{
				Article:           a,
				Method:            core.MethodGeneral,
				FinalScore:        generalScore,
				MatchedPreference: core.MethodGeneral,
			})
		}
	}

	matched := e.matchQuery(ctx, pool, query)
	kept := matched[:0:0]
	for _, a := range matched {
		if sentiment != "" && a.Sentiment != sentiment {
			continue
		}
		if source != "" && a.Source.Name != source {
			continue
		}
		kept = append(kept, a)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].SearchSimilarity != kept[j].SearchSimilarity {
			return kept[i].SearchSimilarity > kept[j].SearchSimilarity
		}
		return kept[i].FinalScore > kept[j].FinalScore
	})

	env := &core.CacheEnvelope{Results: kept, Timestamp: time.Now(), Method: core.MethodCombined}
	if err := e.cache.Write(ctx, key, "", env, nil, e.searchTTL); err != nil {
		e.log.Warn("personalized search write-back failed", "userId", userID, "error", err)
	}

	filtered := e.reads.Filter(ctx, userID, kept)
	pageOut := page(filtered, offset, limit)
	return &FeedResult{
		Articles:          pageOut,
		Total:             len(filtered),
		PersonalizedCount: personalizedCount(pageOut),
		FilteredReadCount: len(kept) - len(filtered),
	}, nil
}

// matchQuery keeps pool entries related to the query, preferring vector
// similarity and falling back to word overlap for unembedded articles.
func (e *Engine) matchQuery(ctx context.Context, pool []core.ScoredArticle, query string) []core.ScoredArticle {
	query = strings.TrimSpace(query)
	if query == "" {
		return pool
	}
	var qv []float32
	if vec, err := e.embed.Embed(ctx, query); err == nil {
		qv = vec
	} else {
		e.log.Debug("query embedding failed, word overlap only", "error", err)
	}

	kept := pool[:0:0]
	for _, a := range pool {
		var sim float64
		if qv != nil && len(a.Vector) == len(qv) && len(a.Vector) > 0 {
			sim = llm.CosineSimilarity(qv, a.Vector)
		} else {
			sim = wordOverlap(query, a.Title+" "+a.Description+" "+a.Summary)
		}
		if sim < SearchThreshold {
			continue
		}
		a.SearchSimilarity = sim
		kept = append(kept, a)
	}
	return kept
}

// UpdatePreferences stores a new topic list and invalidates every
// personalized cache entry for the user, so the next read recomputes.
func (e *Engine) UpdatePreferences(ctx context.Context, userID string, topics []string) (*core.UserPreferences, error) {
	prefs, err := e.prefs.Save(ctx, userID, topics)
	if err != nil {
		return nil, err
	}
	if err := e.InvalidateUser(ctx, userID); err != nil {
		return nil, err
	}
	return prefs, nil
}

// InvalidateUser drops the user's cached feeds, searches and version
// guard. Also used by the article-read side effect.
func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	patterns := []string{
		fmt.Sprintf("personalized_simple:%s:*", userID),
		fmt.Sprintf("personalized_search_simple:%s:*", userID),
	}
	for _, p := range patterns {
		if _, err := e.cache.PurgePattern(ctx, p); err != nil {
			return err
		}
	}
	return e.cache.Delete(ctx, cache.PrefsVersionKey(userID))
}

func personalizedCount(articles []core.ScoredArticle) int {
	n := 0
	for _, a := range articles {
		if a.MatchedPreference != "" && a.MatchedPreference != core.MethodGeneral {
			n++
		}
	}
	return n
}

func wordOverlap(query, text string) float64 {
	qWords := strings.Fields(strings.ToLower(query))
	if len(qWords) == 0 {
		return 0
	}
	tWords := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		tWords[strings.Trim(w, ".,;:!?\"'()")] = struct{}{}
	}
	matched := 0
	for _, w := range qWords {
		if _, ok := tWords[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qWords))
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

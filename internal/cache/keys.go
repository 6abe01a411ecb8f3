package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Namespace TTLs. Article documents and metrics counters never expire;
// everything else is freshness-governed.
const (
	TTLAllArticles        = 5 * time.Minute
	TTLSimilar            = time.Hour
	TTLSimilarLRU         = 24 * time.Hour
	TTLSimilarBloom       = time.Hour
	TTLSimilarStats       = time.Hour
	TTLPersonalized       = 30 * time.Minute
	TTLPersonalizedSearch = 15 * time.Minute
	TTLReadHistory        = 2 * time.Hour
	TTLDailyViews         = 30 * 24 * time.Hour
	TTLEngagement         = 7 * 24 * time.Hour
)

// MaxLRUEntries caps each namespace's LRU sorted set.
const MaxLRUEntries = 1000

// MaxEngagementEntries caps the per-article engagement ring buffer.
const MaxEngagementEntries = 1000

// SimilarLRUKey is the sorted set tracking recent similar-cache keys.
const SimilarLRUKey = "similar_lru"

// Key builders for the persisted layout. Every key the core touches is
// produced here so admin pattern matching stays in one place.

func SimilarKey(articleID string, limit, offset int) string {
	return fmt.Sprintf("similar:%s:%d:%d", articleID, limit, offset)
}

func SimilarMetaKey(articleID string) string {
	return fmt.Sprintf("similar_meta:%s", articleID)
}

func SimilarStatsKey(articleID string) string {
	return fmt.Sprintf("similar_stats:%s", articleID)
}

func SimilarBloomKey(articleID string) string {
	return fmt.Sprintf("similar_bloom:%s", articleID)
}

func SimilarFallbackKey(articleID string) string {
	return fmt.Sprintf("similar:%s:fallback", articleID)
}

func SimilarUniqueKey(day time.Time) string {
	return fmt.Sprintf("similar_unique_articles:%s", day.Format("2006-01-02"))
}

func TempSimilarityKey(targetID string) string {
	return fmt.Sprintf("temp:similarity:%s:%d", targetID, time.Now().UnixMilli())
}

func PersonalizedKey(userID string, limit, offset int) string {
	return fmt.Sprintf("personalized_simple:%s:%d:%d", userID, limit, offset)
}

func PersonalizedStatsKey(userID string) string {
	return fmt.Sprintf("personalized_stats_simple:%s", userID)
}

func PersonalizedSearchKey(userID, hash string, limit, offset int) string {
	return fmt.Sprintf("personalized_search_simple:%s:%s:%d:%d", userID, hash, limit, offset)
}

func PrefsVersionKey(userID string) string {
	return fmt.Sprintf("prefs_version_simple:%s", userID)
}

func UserPreferencesKey(userID string) string {
	return fmt.Sprintf("user:%s:preferences", userID)
}

func ReadKey(userID, articleID string) string {
	return fmt.Sprintf("user:%s:read:%s", userID, articleID)
}

func ReadSetKey(userID string) string {
	return fmt.Sprintf("user:%s:read_set", userID)
}

func AllArticlesKey(limit, offset int) string {
	return fmt.Sprintf("all_articles:%d:%d", limit, offset)
}

func ViewsKey(articleID string) string {
	return fmt.Sprintf("article_views:%s", articleID)
}

func UniqueViewsKey(articleID string) string {
	return fmt.Sprintf("article_unique_views:%s", articleID)
}

func UserViewsKey(articleID string) string {
	return fmt.Sprintf("article_user_views:%s", articleID)
}

func UserArticleViewsKey(userID string) string {
	return fmt.Sprintf("user_article_views:%s", userID)
}

// DailyViewsField is the counter field inside each daily views hash.
const DailyViewsField = "views"

func DailyViewsKey(articleID string, day time.Time) string {
	return fmt.Sprintf("article_daily_views:%s:%s", articleID, day.Format("2006-01-02"))
}

// DailyViewsPattern matches every article's daily views hash for one day.
func DailyViewsPattern(day time.Time) string {
	return fmt.Sprintf("article_daily_views:*:%s", day.Format("2006-01-02"))
}

func EngagementKey(articleID string) string {
	return fmt.Sprintf("article_engagement:%s", articleID)
}

func LastViewedKey(articleID string) string {
	return fmt.Sprintf("article_last_viewed:%s", articleID)
}

// Hash returns the md5 hex digest used for preference versions and
// search-parameter cache keys.
func Hash(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

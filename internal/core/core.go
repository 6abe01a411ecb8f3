package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Sentiment labels assigned by the upstream analyzer.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// MaxKeywords caps the keyword set produced by the summarizer.
const MaxKeywords = 15

// MaxPreferences caps the stored preference list per user.
const MaxPreferences = 10

// Source identifies where an article came from.
type Source struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Article is the unit of content served by the platform. Articles are
// created by the ingestion pipeline and are immutable to the serving
// core; ID is a content address derived from title and publish time.
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Sentiment   string    `json:"sentiment,omitempty"` // positive, negative, neutral
	Keywords    []string  `json:"keywords,omitempty"`
	Source      Source    `json:"source"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url,omitempty"`
	URLToImage  string    `json:"urlToImage,omitempty"`
	Author      string    `json:"author,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ArticleID derives the stable content address for an article.
func ArticleID(title string, publishedAt time.Time) string {
	sum := sha256.Sum256([]byte(title + publishedAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])
}

// UserPreferences holds a user's ordered topic preferences. Earlier
// entries carry more weight when building personalized feeds.
type UserPreferences struct {
	UserID      string    `json:"userId"`
	Preferences []string  `json:"preferences"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Result methods tag how a scored article was found.
const (
	MethodVector   = "vector"
	MethodText     = "text"
	MethodSemantic = "semantic"
	MethodCategory = "category"
	MethodTemporal = "temporal"
	MethodCombined = "combined"
	MethodGeneral  = "general"
)

// ScoredArticle is an article decorated with retrieval provenance.
type ScoredArticle struct {
	Article
	Method            string  `json:"method,omitempty"`
	Similarity        float64 `json:"similarity,omitempty"`
	FinalScore        float64 `json:"finalScore,omitempty"`
	SearchSimilarity  float64 `json:"searchSimilarity,omitempty"`
	MatchedPreference string  `json:"matchedPreference,omitempty"`
	PreferenceOrder   int     `json:"preferenceOrder,omitempty"`
	KeywordsUsed      bool    `json:"keywordsUsed,omitempty"`
}

// CacheEnvelope is the payload stored for a computed result set.
type CacheEnvelope struct {
	Results   []ScoredArticle `json:"results"`
	Timestamp time.Time       `json:"timestamp"`
	Method    string          `json:"method"`
	Version   string          `json:"version,omitempty"`
}

// CacheSidecar carries envelope metadata in a separate key so probes
// can answer "how fresh, how many" without deserializing results.
type CacheSidecar struct {
	TotalCount  int       `json:"totalCount"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// EngagementRecord is one entry of an article's engagement ring buffer.
type EngagementRecord struct {
	Timestamp time.Time `json:"ts"`
	UserAgent string    `json:"ua,omitempty"`
	Referrer  string    `json:"referrer,omitempty"`
	Language  string    `json:"lang,omitempty"`
	UserID    string    `json:"userId,omitempty"`
}

// ViewMeta describes the request context of a single article view.
type ViewMeta struct {
	IP        string
	UserAgent string
	Referrer  string
	Language  string
}

// ArticleMetrics is the per-article counter snapshot.
type ArticleMetrics struct {
	ArticleID     string    `json:"articleId"`
	TotalViews    int64     `json:"totalViews"`
	UniqueViewers int64     `json:"uniqueViewers"`
	UserViewers   int64     `json:"userViewers"`
	DailyViews    int64     `json:"dailyViews"`
	LastViewed    time.Time `json:"lastViewed,omitempty"`
}

// EngagementBreakdown groups the most recent engagement entries.
type EngagementBreakdown struct {
	ByHour     map[string]int `json:"byHour"`
	ByReferrer map[string]int `json:"byReferrer"`
	ByLanguage map[string]int `json:"byLanguage"`
	Sampled    int            `json:"sampled"`
}

// TrendingArticle decorates an article with its daily-view growth.
type TrendingArticle struct {
	Article        Article `json:"article"`
	TodayViews     int64   `json:"todayViews"`
	YesterdayViews int64   `json:"yesterdayViews"`
	Growth         float64 `json:"growth"`
}

// HistoryEntry is one row of a user's view history.
type HistoryEntry struct {
	ArticleID string    `json:"articleId"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	ViewedAt  time.Time `json:"viewedAt"`
}

// CacheStats summarizes hit/miss bookkeeping for one cache subject.
type CacheStats struct {
	Hits          int64     `json:"cacheHits"`
	Misses        int64     `json:"cacheMisses"`
	TotalRequests int64     `json:"totalRequests"`
	HitRate       float64   `json:"hitRate"`
	LastUpdated   time.Time `json:"lastUpdated,omitempty"`
}

package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"pressroom/internal/index"
)

// NuclearConfirmation must be supplied verbatim before NuclearClear
// will touch anything.
const NuclearConfirmation = "NUCLEAR"

// clearTarget binds a key glob to a human-readable description for the
// per-pattern report.
type clearTarget struct {
	Pattern     string
	Description string
}

// clearTypes enumerates the admin-clearable namespaces. The user:*
// namespace (preferences, read history) is deliberately absent; only
// NuclearClear removes it.
var clearTypes = map[string][]clearTarget{
	"articles": {
		{"news:*", "article documents"},
		{"all_articles:*", "paginated article listings"},
	},
	"article_metrics": {
		{"article_views:*", "total view counters"},
		{"article_unique_views:*", "unique viewer sets"},
		{"article_user_views:*", "authenticated viewer sets"},
		{"article_daily_views:*", "daily view breakdowns"},
		{"article_engagement:*", "engagement event buffers"},
		{"article_last_viewed:*", "last-viewed timestamps"},
		{"user_article_views:*", "per-user view counts"},
		{"similar_unique_articles:*", "daily unique-article estimates"},
	},
	"similar_articles": {
		{"similar:*", "similar-article result sets"},
		{"similar_meta:*", "similar-article sidecars"},
		{"similar_stats:*", "similar-article hit counters"},
		{"similar_bloom:*", "similar-article bloom hints"},
		{"similar_lru", "similar-article LRU tracker"},
	},
	"personalized": {
		{"personalized_simple:*", "personalized feed caches"},
		{"personalized_search_simple:*", "personalized search caches"},
		{"personalized_stats_simple:*", "personalization hit counters"},
	},
	"search": {
		{"all_articles:*", "cached listing and search pages"},
		{"personalized_search_simple:*", "personalized search caches"},
	},
	// vectors and search_index carry no key patterns in this layout:
	// vectors live inline on the news:* documents and the search index
	// is a module object, not keys. ClearSpecificTypes still accepts
	// them and reports per-step outcomes.
	"vectors":      {},
	"search_index": {},
	"versions": {
		{"prefs_version_simple:*", "preference version guards"},
	},
	"fallbacks": {
		{"similar:*:fallback", "fallback tombstones"},
	},
	"temp": {
		{"temp:*", "transient computation keys"},
	},
}

// clearAllTypes is the sweep order for ClearAllExceptUser. The search
// alias is excluded because its patterns already fall under articles
// and personalized; vectors and search_index have no patterns.
var clearAllTypes = []string{
	"articles", "article_metrics", "similar_articles",
	"personalized", "versions", "fallbacks", "temp",
}

// ClearTypeNames returns the selectable type names in stable order.
func ClearTypeNames() []string {
	names := make([]string, 0, len(clearTypes))
	for name := range clearTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PatternReport records the outcome of clearing one key pattern.
type PatternReport struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	KeysCleared int64  `json:"keysCleared"`
	TimeMs      int64  `json:"timeMs"`
	Error       string `json:"error,omitempty"`
}

// ClearReport aggregates a multi-pattern clear operation.
type ClearReport struct {
	Patterns   []PatternReport `json:"patterns"`
	TotalKeys  int64           `json:"totalKeys"`
	BytesFreed int64           `json:"bytesFreed"`
	ElapsedMs  int64           `json:"elapsedMs"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ClearAllExceptUser removes every cache namespace while preserving
// user:* keys. Pattern failures are recorded and the sweep continues.
func (c *Cache) ClearAllExceptUser(ctx context.Context) (*ClearReport, error) {
	return c.clearTypes(ctx, clearAllTypes)
}

// ClearSpecificTypes removes only the named namespaces. Unknown names
// produce an error before anything is deleted. The vectors and
// search_index types have no key patterns here: vectors report
// zero-key (they live inside the documents) and search_index drives a
// rebuild through the gateway, with step failures recorded in the
// report rather than aborting it.
func (c *Cache) ClearSpecificTypes(ctx context.Context, types []string, gw index.Gateway) (*ClearReport, error) {
	for _, t := range types {
		if _, ok := clearTypes[t]; !ok {
			return nil, fmt.Errorf("unknown cache type %q (valid: %v)", t, ClearTypeNames())
		}
	}
	start := time.Now()
	report, err := c.clearTypes(ctx, types)
	if err != nil {
		return nil, err
	}

	for _, t := range types {
		switch t {
		case "vectors":
			report.Patterns = append(report.Patterns, PatternReport{
				Pattern:     "vectors",
				Description: "vector blobs (stored inline on article documents)",
			})
		case "search_index":
			stepStart := time.Now()
			pr := PatternReport{
				Pattern:     "search_index",
				Description: "article search index rebuild",
			}
			if gw == nil {
				pr.Error = "no index gateway available"
			} else if err := gw.RecreateIndex(ctx); err != nil {
				pr.Error = err.Error()
				c.log.Warn("index rebuild failed", "error", err)
			}
			pr.TimeMs = time.Since(stepStart).Milliseconds()
			report.Patterns = append(report.Patterns, pr)
		}
	}
	report.ElapsedMs = time.Since(start).Milliseconds()
	return report, nil
}

func (c *Cache) clearTypes(ctx context.Context, types []string) (*ClearReport, error) {
	start := time.Now()
	before := c.usedMemory(ctx)

	report := &ClearReport{Timestamp: start.UTC()}
	for _, t := range types {
		for _, target := range clearTypes[t] {
			patternStart := time.Now()
			n, err := c.PurgePattern(ctx, target.Pattern)
			pr := PatternReport{
				Pattern:     target.Pattern,
				Description: target.Description,
				KeysCleared: n,
				TimeMs:      time.Since(patternStart).Milliseconds(),
			}
			if err != nil {
				pr.Error = err.Error()
				c.log.Warn("cache clear pattern failed", "pattern", target.Pattern, "error", err)
			}
			report.TotalKeys += n
			report.Patterns = append(report.Patterns, pr)
		}
	}

	if after := c.usedMemory(ctx); before > 0 && after > 0 && before > after {
		report.BytesFreed = before - after
	}
	report.ElapsedMs = time.Since(start).Milliseconds()
	c.log.Info("cache clear complete",
		"types", types,
		"keys", report.TotalKeys,
		"bytesFreed", report.BytesFreed,
		"elapsedMs", report.ElapsedMs)
	return report, nil
}

// NuclearClear flushes every database and drops the search index. The
// confirmation string must equal NuclearConfirmation exactly.
func (c *Cache) NuclearClear(ctx context.Context, confirmation string, gw index.Gateway) (*ClearReport, error) {
	if confirmation != NuclearConfirmation {
		return nil, fmt.Errorf("nuclear clear requires confirmation %q", NuclearConfirmation)
	}

	start := time.Now()
	before := c.usedMemory(ctx)
	total, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		total = 0
	}

	report := &ClearReport{Timestamp: start.UTC()}
	if err := c.rdb.FlushAll(ctx).Err(); err != nil {
		return nil, fmt.Errorf("flushing databases: %w", err)
	}
	report.TotalKeys = total
	report.Patterns = append(report.Patterns, PatternReport{
		Pattern:     "*",
		Description: "all keys in all databases",
		KeysCleared: total,
		TimeMs:      time.Since(start).Milliseconds(),
	})

	// The flush took the index definition with it; rebuild an empty one
	// so writes land somewhere searchable.
	if gw != nil {
		if err := gw.RecreateIndex(ctx); err != nil {
			report.Patterns = append(report.Patterns, PatternReport{
				Pattern:     index.IndexName,
				Description: "search index rebuild",
				Error:       err.Error(),
			})
			c.log.Warn("index rebuild after nuclear clear failed", "error", err)
		}
	}

	if after := c.usedMemory(ctx); before > 0 && before > after {
		report.BytesFreed = before - after
	}
	report.ElapsedMs = time.Since(start).Milliseconds()
	c.log.Info("nuclear clear complete", "keys", total, "elapsedMs", report.ElapsedMs)
	return report, nil
}

// NamespaceCount is one row of the cache statistics report.
type NamespaceCount struct {
	Namespace string `json:"namespace"`
	Pattern   string `json:"pattern"`
	Keys      int64  `json:"keys"`
}

// StatisticsReport summarizes cache occupancy by namespace.
type StatisticsReport struct {
	TotalKeys  int64            `json:"totalKeys"`
	UsedMemory int64            `json:"usedMemoryBytes"`
	Namespaces []NamespaceCount `json:"namespaces"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Statistics counts keys per namespace via SCAN.
func (c *Cache) Statistics(ctx context.Context) (*StatisticsReport, error) {
	report := &StatisticsReport{Timestamp: time.Now().UTC()}

	total, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	report.TotalKeys = total
	report.UsedMemory = c.usedMemory(ctx)

	for _, t := range clearAllTypes {
		for _, target := range clearTypes[t] {
			n, err := c.countPattern(ctx, target.Pattern)
			if err != nil {
				return nil, err
			}
			report.Namespaces = append(report.Namespaces, NamespaceCount{
				Namespace: t,
				Pattern:   target.Pattern,
				Keys:      n,
			})
		}
	}
	n, err := c.countPattern(ctx, "user:*")
	if err != nil {
		return nil, err
	}
	report.Namespaces = append(report.Namespaces, NamespaceCount{
		Namespace: "user",
		Pattern:   "user:*",
		Keys:      n,
	})
	return report, nil
}

func (c *Cache) countPattern(ctx context.Context, pattern string) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return count, err
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

var usedMemoryRe = regexp.MustCompile(`used_memory:(\d+)`)

// usedMemory reads used_memory from INFO. Zero when unavailable.
func (c *Cache) usedMemory(ctx context.Context) int64 {
	info, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0
	}
	m := usedMemoryRe.FindStringSubmatch(info)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseInt(m[1], 10, 64)
	return n
}

package metrics

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/logger"
)

// engagementSample caps how many ring-buffer entries a breakdown reads.
const engagementSample = 50

// Tracker maintains per-article view counters and engagement buffers.
// The headline counter is written synchronously; everything else is
// best-effort so a partial Redis failure never fails the view.
type Tracker struct {
	rdb *redis.Client
	gw  index.Gateway
	log *slog.Logger
}

func New(rdb *redis.Client, gw index.Gateway) *Tracker {
	return &Tracker{rdb: rdb, gw: gw, log: logger.Get()}
}

// RecordView counts one view of an article. The total and daily
// counters are the contract; unique-viewer sets, the engagement buffer
// and the last-viewed stamp ride along in a pipeline whose failure is
// only logged.
func (t *Tracker) RecordView(ctx context.Context, articleID, userID string, meta core.ViewMeta) error {
	now := time.Now()

	pipe := t.rdb.Pipeline()
	pipe.Incr(ctx, cache.ViewsKey(articleID))
	pipe.HIncrBy(ctx, cache.DailyViewsKey(articleID, now), cache.DailyViewsField, 1)
	pipe.Expire(ctx, cache.DailyViewsKey(articleID, now), cache.TTLDailyViews)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	pipe = t.rdb.Pipeline()
	if meta.IP != "" {
		pipe.SAdd(ctx, cache.UniqueViewsKey(articleID), hashIP(meta.IP))
	}
	if userID != "" {
		pipe.SAdd(ctx, cache.UserViewsKey(articleID), userID)
		pipe.HSet(ctx, cache.UserArticleViewsKey(userID), articleID, now.UnixMilli())
	}
	record := core.EngagementRecord{
		Timestamp: now,
		UserAgent: meta.UserAgent,
		Referrer:  meta.Referrer,
		Language:  meta.Language,
		UserID:    userID,
	}
	if raw, err := json.Marshal(record); err == nil {
		pipe.LPush(ctx, cache.EngagementKey(articleID), raw)
		pipe.LTrim(ctx, cache.EngagementKey(articleID), 0, cache.MaxEngagementEntries-1)
		pipe.Expire(ctx, cache.EngagementKey(articleID), cache.TTLEngagement)
	}
	pipe.Set(ctx, cache.LastViewedKey(articleID), now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("auxiliary view metrics failed", "articleId", articleID, "error", err)
	}
	return nil
}

// Metrics returns the counter snapshot plus an engagement breakdown
// over the newest ring-buffer entries.
func (t *Tracker) Metrics(ctx context.Context, articleID string) (*core.ArticleMetrics, *core.EngagementBreakdown, error) {
	now := time.Now()
	pipe := t.rdb.Pipeline()
	totalCmd := pipe.Get(ctx, cache.ViewsKey(articleID))
	uniqueCmd := pipe.SCard(ctx, cache.UniqueViewsKey(articleID))
	usersCmd := pipe.SCard(ctx, cache.UserViewsKey(articleID))
	dailyCmd := pipe.HGet(ctx, cache.DailyViewsKey(articleID, now), cache.DailyViewsField)
	lastCmd := pipe.Get(ctx, cache.LastViewedKey(articleID))
	engageCmd := pipe.LRange(ctx, cache.EngagementKey(articleID), 0, engagementSample-1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, err
	}

	m := &core.ArticleMetrics{ArticleID: articleID}
	if v, err := totalCmd.Result(); err == nil {
		m.TotalViews, _ = strconv.ParseInt(v, 10, 64)
	}
	m.UniqueViewers = uniqueCmd.Val()
	m.UserViewers = usersCmd.Val()
	if v, err := dailyCmd.Result(); err == nil {
		m.DailyViews, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := lastCmd.Result(); err == nil {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			m.LastViewed = time.UnixMilli(ms)
		}
	}

	breakdown := &core.EngagementBreakdown{
		ByHour:     map[string]int{},
		ByReferrer: map[string]int{},
		ByLanguage: map[string]int{},
	}
	for _, raw := range engageCmd.Val() {
		var rec core.EngagementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		breakdown.Sampled++
		breakdown.ByHour[rec.Timestamp.UTC().Format("15")]++
		if rec.Referrer != "" {
			breakdown.ByReferrer[rec.Referrer]++
		}
		if rec.Language != "" {
			breakdown.ByLanguage[rec.Language]++
		}
	}
	return m, breakdown, nil
}

// UserHistory hydrates a user's viewed articles from the index, newest
// views first. Articles that have since disappeared are skipped. A
// non-positive limit returns the full history.
func (t *Tracker) UserHistory(ctx context.Context, userID string, limit int) ([]core.HistoryEntry, error) {
	stamps, err := t.rdb.HGetAll(ctx, cache.UserArticleViewsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(stamps) == 0 {
		return []core.HistoryEntry{}, nil
	}

	type viewed struct {
		id       string
		lastSeen int64
	}
	ids := make([]viewed, 0, len(stamps))
	for id, raw := range stamps {
		last, _ := strconv.ParseInt(raw, 10, 64)
		ids = append(ids, viewed{id: id, lastSeen: last})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].lastSeen > ids[j].lastSeen })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	entries := make([]core.HistoryEntry, 0, len(ids))
	for _, v := range ids {
		article, err := t.gw.GetArticle(ctx, v.id)
		if err != nil {
			continue
		}
		entries = append(entries, core.HistoryEntry{
			ArticleID: article.ID,
			Title:     article.Title,
			Source:    article.Source.Name,
			ViewedAt:  time.UnixMilli(v.lastSeen),
		})
	}
	return entries, nil
}

// Trending ranks every article viewed in the current window by its
// view count there, decorated with growth against the preceding window
// of equal length. Candidates come from the daily counter keys, not
// the index, so an old article that spikes today still surfaces.
// Growth divides by the prior window's count, floored at one so
// brand-new articles read as absolute growth.
func (t *Tracker) Trending(ctx context.Context, limit, periodDays int) ([]core.TrendingArticle, error) {
	if limit <= 0 {
		limit = 10
	}
	if periodDays <= 0 {
		periodDays = 1
	}

	now := time.Now()
	ids, err := t.viewedArticleIDs(ctx, now, periodDays)
	if err != nil {
		return nil, err
	}

	trending := make([]core.TrendingArticle, 0, len(ids))
	for _, id := range ids {
		current := t.windowViews(ctx, id, now, periodDays)
		if current == 0 {
			continue
		}
		prior := t.windowViews(ctx, id, now.AddDate(0, 0, -periodDays), periodDays)
		article, err := t.gw.GetArticle(ctx, id)
		if err != nil {
			continue
		}
		denom := prior
		if denom < 1 {
			denom = 1
		}
		trending = append(trending, core.TrendingArticle{
			Article:        *article,
			TodayViews:     current,
			YesterdayViews: prior,
			Growth:         float64(current-prior) / float64(denom),
		})
	}
	sort.Slice(trending, func(i, j int) bool {
		if trending[i].TodayViews != trending[j].TodayViews {
			return trending[i].TodayViews > trending[j].TodayViews
		}
		return trending[i].Article.ID < trending[j].Article.ID
	})
	if len(trending) > limit {
		trending = trending[:limit]
	}
	return trending, nil
}

// viewedArticleIDs collects the IDs behind every daily counter key in
// the window, deduplicated, via SCAN.
func (t *Tracker) viewedArticleIDs(ctx context.Context, end time.Time, days int) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for d := 0; d < days; d++ {
		day := end.AddDate(0, 0, -d)
		pattern := cache.DailyViewsPattern(day)
		suffix := ":" + day.Format("2006-01-02")

		var cursor uint64
		for {
			keys, next, err := t.rdb.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return nil, err
			}
			for _, key := range keys {
				id := strings.TrimSuffix(strings.TrimPrefix(key, "article_daily_views:"), suffix)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return ids, nil
}

// windowViews sums the daily counters over [end-days+1, end].
func (t *Tracker) windowViews(ctx context.Context, articleID string, end time.Time, days int) int64 {
	var total int64
	for d := 0; d < days; d++ {
		total += t.dailyCount(ctx, articleID, end.AddDate(0, 0, -d))
	}
	return total
}

func (t *Tracker) dailyCount(ctx context.Context, articleID string, day time.Time) int64 {
	v, err := t.rdb.HGet(ctx, cache.DailyViewsKey(articleID, day), cache.DailyViewsField).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// hashIP anonymizes viewer addresses before they touch storage.
func hashIP(ip string) string {
	sum := md5.Sum([]byte(ip))
	return hex.EncodeToString(sum[:])
}

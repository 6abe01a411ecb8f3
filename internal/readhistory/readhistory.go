package readhistory

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/logger"
)

// Tracker records which articles a user has read so personalized feeds
// can exclude them. Individual read marks expire after two hours; the
// per-user index set carries the same sliding window.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func New(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = cache.TTLReadHistory
	}
	return &Tracker{rdb: rdb, ttl: ttl, log: logger.Get()}
}

// MarkRead records that the user read the article just now. Both the
// mark and the index set are refreshed to the full window, so the set
// only disappears after the user has been idle for the whole window.
func (t *Tracker) MarkRead(ctx context.Context, userID, articleID string) error {
	if userID == "" || articleID == "" {
		return nil
	}
	now := time.Now()
	pipe := t.rdb.Pipeline()
	pipe.Set(ctx, cache.ReadKey(userID, articleID), now.UnixMilli(), t.ttl)
	pipe.ZAdd(ctx, cache.ReadSetKey(userID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: articleID,
	})
	pipe.Expire(ctx, cache.ReadSetKey(userID), t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadSet returns the ids of every article the user read inside the
// window, oldest first.
func (t *Tracker) ReadSet(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	ids, err := t.rdb.ZRange(ctx, cache.ReadSetKey(userID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return ids, err
}

// IsRead reports whether a single article is inside the user's window.
func (t *Tracker) IsRead(ctx context.Context, userID, articleID string) (bool, error) {
	n, err := t.rdb.Exists(ctx, cache.ReadKey(userID, articleID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Filter removes read articles from a scored result slice, preserving
// order. Errors degrade to the unfiltered input so a Redis hiccup never
// empties a feed.
func (t *Tracker) Filter(ctx context.Context, userID string, articles []core.ScoredArticle) []core.ScoredArticle {
	if userID == "" || len(articles) == 0 {
		return articles
	}
	ids, err := t.ReadSet(ctx, userID)
	if err != nil {
		t.log.Warn("read history lookup failed, serving unfiltered", "userId", userID, "error", err)
		return articles
	}
	if len(ids) == 0 {
		return articles
	}
	read := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		read[id] = struct{}{}
	}
	kept := articles[:0:0]
	for _, a := range articles {
		if _, ok := read[a.ID]; !ok {
			kept = append(kept, a)
		}
	}
	return kept
}

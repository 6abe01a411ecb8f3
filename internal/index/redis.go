package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"pressroom/internal/core"
	"pressroom/internal/logger"

	"github.com/redis/go-redis/v9"
)

const (
	// IndexName is the composite full-text + tag + vector index.
	IndexName = "idx:news"
	// DocPrefix is the key prefix for article documents.
	DocPrefix = "news:"
)

// storedArticle is the JSON document shape. It carries a numeric
// publish timestamp alongside the article so the index can sort and
// range-filter without parsing ISO strings.
type storedArticle struct {
	core.Article
	PublishedAtUnix int64 `json:"publishedAtUnix"`
}

// RedisGateway implements Gateway on top of RedisJSON documents and a
// RediSearch composite index.
type RedisGateway struct {
	rdb *redis.Client
	dim int
	log *slog.Logger
}

// NewRedisGateway creates a gateway bound to the given client. dim is
// the pinned vector dimension for the index schema.
func NewRedisGateway(rdb *redis.Client, dim int) *RedisGateway {
	return &RedisGateway{
		rdb: rdb,
		dim: dim,
		log: logger.Get(),
	}
}

// DocKey returns the storage key for an article ID.
func DocKey(id string) string {
	return DocPrefix + id
}

func (g *RedisGateway) GetArticle(ctx context.Context, id string) (*core.Article, error) {
	raw, err := g.rdb.JSONGet(ctx, DocKey(id), "$").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if raw == "" {
		return nil, ErrNotFound
	}

	var docs []storedArticle
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("failed to decode article %s: %w", id, err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}

	article := docs[0].Article
	return &article, nil
}

func (g *RedisGateway) PutArticle(ctx context.Context, article *core.Article) error {
	if article.ID == "" {
		return fmt.Errorf("article has no id")
	}
	if len(article.Vector) > 0 && len(article.Vector) != g.dim {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(article.Vector), g.dim)
	}

	doc := storedArticle{
		Article:         *article,
		PublishedAtUnix: article.PublishedAt.Unix(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode article %s: %w", article.ID, err)
	}

	if err := g.rdb.JSONSet(ctx, DocKey(article.ID), "$", string(data)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

func (g *RedisGateway) Exists(ctx context.Context, id string) (bool, error) {
	n, err := g.rdb.Exists(ctx, DocKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return n > 0, nil
}

func (g *RedisGateway) Search(ctx context.Context, query string, opts SearchOptions) (*SearchPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	searchOpts := &redis.FTSearchOptions{
		NoContent:      true,
		LimitOffset:    opts.Offset,
		Limit:          opts.Limit,
		DialectVersion: 2,
	}
	if opts.SortBy != "" {
		searchOpts.SortBy = []redis.FTSearchSortBy{{
			FieldName: opts.SortBy,
			Asc:       opts.Asc,
			Desc:      !opts.Asc,
		}}
	}

	res, err := g.rdb.FTSearchWithArgs(ctx, IndexName, query, searchOpts).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	page := &SearchPage{Total: int(res.Total)}
	for _, doc := range res.Docs {
		article, err := g.GetArticle(ctx, strings.TrimPrefix(doc.ID, DocPrefix))
		if err != nil {
			// Index can be briefly ahead of deleted documents.
			continue
		}
		page.Articles = append(page.Articles, *article)
	}
	return page, nil
}

func (g *RedisGateway) VectorSearch(ctx context.Context, vector []float32, k int, filter string, excludeID string) ([]VectorHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if k <= 0 {
		k = 10
	}

	pre := filter
	if pre == "" {
		pre = "*"
	}
	if excludeID != "" {
		if pre == "*" {
			pre = fmt.Sprintf("-@id:{%s}", EscapeTag(excludeID))
		} else {
			pre = fmt.Sprintf("(%s -@id:{%s})", pre, EscapeTag(excludeID))
		}
	}

	// Fetch 2k candidates; callers filter by similarity threshold.
	candidates := k * 2
	query := fmt.Sprintf("(%s)=>[KNN %d @vector $vec AS vector_score]", pre, candidates)

	res, err := g.rdb.FTSearchWithArgs(ctx, IndexName, query, &redis.FTSearchOptions{
		SortBy:         []redis.FTSearchSortBy{{FieldName: "vector_score", Asc: true}},
		Limit:          candidates,
		DialectVersion: 2,
		Params: map[string]interface{}{
			"vec": vectorBlob(vector),
		},
		Return: []redis.FTSearchReturn{{FieldName: "vector_score"}},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	hits := make([]VectorHit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		article, err := g.GetArticle(ctx, strings.TrimPrefix(doc.ID, DocPrefix))
		if err != nil {
			continue
		}
		distance := 1.0
		if raw, ok := doc.Fields["vector_score"]; ok {
			if d, err := strconv.ParseFloat(raw, 64); err == nil {
				distance = d
			}
		}
		hits = append(hits, VectorHit{Article: *article, Distance: distance})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

func (g *RedisGateway) Latest(ctx context.Context, limit, offset int) (*SearchPage, error) {
	return g.Search(ctx, "*", SearchOptions{SortBy: "published_at", Limit: limit, Offset: offset})
}

func (g *RedisGateway) ListSources(ctx context.Context) ([]SourceCount, error) {
	res, err := g.rdb.FTAggregateWithArgs(ctx, IndexName, "*", &redis.FTAggregateOptions{
		GroupBy: []redis.FTAggregateGroupBy{{
			Fields: []interface{}{"@source"},
			Reduce: []redis.FTAggregateReducer{{
				Reducer: redis.SearchCount,
				As:      "count",
			}},
		}},
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	var sources []SourceCount
	for _, row := range res.Rows {
		name, _ := row.Fields["source"].(string)
		if name == "" {
			continue
		}
		count := int64(0)
		switch v := row.Fields["count"].(type) {
		case string:
			count, _ = strconv.ParseInt(v, 10, 64)
		case int64:
			count = v
		case float64:
			count = int64(v)
		}
		sources = append(sources, SourceCount{Name: name, Count: count})
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Count > sources[j].Count })
	return sources, nil
}

func (g *RedisGateway) EnsureIndex(ctx context.Context) error {
	if err := g.createIndex(ctx); err != nil {
		// A pre-existing index is acceptable at startup.
		if strings.Contains(strings.ToLower(err.Error()), "index already exists") {
			return nil
		}
		return err
	}
	g.log.Info("Created search index", "index", IndexName, "dim", g.dim)
	return nil
}

func (g *RedisGateway) RecreateIndex(ctx context.Context) error {
	// Drop only the index, never the documents.
	if err := g.rdb.FTDropIndexWithArgs(ctx, IndexName, &redis.FTDropIndexOptions{}).Err(); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "unknown index") {
			g.log.Warn("Failed to drop search index", "index", IndexName, "error", err)
		}
	}
	if err := g.createIndex(ctx); err != nil {
		return err
	}
	g.log.Info("Recreated search index", "index", IndexName, "dim", g.dim)
	return nil
}

func (g *RedisGateway) createIndex(ctx context.Context) error {
	err := g.rdb.FTCreate(ctx, IndexName,
		&redis.FTCreateOptions{
			OnJSON: true,
			Prefix: []interface{}{DocPrefix},
		},
		&redis.FieldSchema{FieldName: "$.id", As: "id", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.title", As: "title", FieldType: redis.SearchFieldTypeText, Weight: 2},
		&redis.FieldSchema{FieldName: "$.description", As: "description", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "$.content", As: "content", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "$.summary", As: "summary", FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: "$.keywords[*]", As: "keywords", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.sentiment", As: "sentiment", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.source.name", As: "source", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.publishedAtUnix", As: "published_at", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{
			FieldName: "$.vector",
			As:        "vector",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            g.dim,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// vectorBlob encodes a float32 vector as the little-endian byte blob
// RediSearch expects for KNN parameters.
func vectorBlob(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// PublishedRange builds a numeric range filter over the publish time.
func PublishedRange(from, to time.Time) string {
	return fmt.Sprintf("@published_at:[%d %d]", from.Unix(), to.Unix())
}

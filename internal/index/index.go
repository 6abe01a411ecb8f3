package index

import (
	"context"
	"errors"

	"pressroom/internal/core"
)

// Errors surfaced by the gateway. Callers decide fallback behavior.
var (
	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("index: document not found")
	// ErrIndexUnavailable wraps transport failures against the search index.
	ErrIndexUnavailable = errors.New("index: search index unavailable")
	// ErrDimensionMismatch means a vector does not match the configured
	// index dimension. Vectors are never coerced.
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")
)

// SearchOptions configures a full-text or tag search.
type SearchOptions struct {
	// SortBy is a field alias (e.g. "published_at"); empty means rank order.
	SortBy string
	// Asc sorts ascending when true; default is descending.
	Asc    bool
	Limit  int
	Offset int
}

// SearchPage is one page of hydrated search results.
type SearchPage struct {
	Articles []core.Article
	Total    int
}

// VectorHit is a KNN result with its cosine distance (1 - similarity).
type VectorHit struct {
	Article  core.Article
	Distance float64
}

// SourceCount is one row of the source aggregation.
type SourceCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Gateway unifies access to the document store and the combined
// full-text + tag + vector index. It hides query-language quirks from
// the engines built on top of it.
type Gateway interface {
	// GetArticle loads a stored article. Returns ErrNotFound when absent.
	GetArticle(ctx context.Context, id string) (*core.Article, error)

	// PutArticle stores an article document, idempotent on ID. A vector
	// whose length differs from the configured index dimension is
	// rejected with ErrDimensionMismatch.
	PutArticle(ctx context.Context, article *core.Article) error

	// Exists reports whether a document is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// Search runs a raw index query (built with the query helpers) and
	// hydrates one page of results.
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchPage, error)

	// VectorSearch returns up to 2k nearest neighbours of the query
	// vector by cosine distance, optionally restricted by a filter
	// expression and excluding one document ID. Callers apply their own
	// similarity threshold.
	VectorSearch(ctx context.Context, vector []float32, k int, filter string, excludeID string) ([]VectorHit, error)

	// Latest returns articles newest-first.
	Latest(ctx context.Context, limit, offset int) (*SearchPage, error)

	// ListSources aggregates distinct source names with counts.
	ListSources(ctx context.Context) ([]SourceCount, error)

	// EnsureIndex creates the composite index if it does not exist.
	EnsureIndex(ctx context.Context) error

	// RecreateIndex drops and recreates the composite index. The schema
	// pins the vector dimension and distance metric; changing either
	// requires this.
	RecreateIndex(ctx context.Context) error
}

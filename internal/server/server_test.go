package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/config"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/metrics"
	"pressroom/internal/personalize"
	"pressroom/internal/readhistory"
	"pressroom/internal/similar"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeGateway struct {
	articles map[string]core.Article
	latest   []core.Article
	searchFn func(query string, opts index.SearchOptions) (*index.SearchPage, error)
	sources  []index.SourceCount
}

func (f *fakeGateway) GetArticle(_ context.Context, id string) (*core.Article, error) {
	a, ok := f.articles[id]
	if !ok {
		return nil, index.ErrNotFound
	}
	return &a, nil
}

func (f *fakeGateway) PutArticle(_ context.Context, a *core.Article) error {
	f.articles[a.ID] = *a
	return nil
}

func (f *fakeGateway) Exists(_ context.Context, id string) (bool, error) {
	_, ok := f.articles[id]
	return ok, nil
}

func (f *fakeGateway) Search(_ context.Context, query string, opts index.SearchOptions) (*index.SearchPage, error) {
	if f.searchFn != nil {
		return f.searchFn(query, opts)
	}
	return &index.SearchPage{Articles: []core.Article{}}, nil
}

func (f *fakeGateway) VectorSearch(context.Context, []float32, int, string, string) ([]index.VectorHit, error) {
	return nil, nil
}

func (f *fakeGateway) Latest(_ context.Context, limit, offset int) (*index.SearchPage, error) {
	arts := f.latest
	if offset < len(arts) {
		arts = arts[offset:]
	} else {
		arts = nil
	}
	if limit > 0 && len(arts) > limit {
		arts = arts[:limit]
	}
	return &index.SearchPage{Articles: arts, Total: len(f.latest)}, nil
}

func (f *fakeGateway) ListSources(context.Context) ([]index.SourceCount, error) {
	return f.sources, nil
}

func (f *fakeGateway) EnsureIndex(context.Context) error   { return nil }
func (f *fakeGateway) RecreateIndex(context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeGateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw := &fakeGateway{articles: map[string]core.Article{}}
	c := cache.New(rdb)
	reads := readhistory.New(rdb, 2*time.Hour)
	prefs := personalize.NewPrefStore(rdb)
	emb := fakeEmbedder{}

	srv := New(Deps{
		Redis:    rdb,
		Gateway:  gw,
		Cache:    c,
		Similar:  similar.New(gw, c, emb, time.Hour),
		Personal: personalize.New(gw, c, reads, emb, prefs, 30*time.Minute, 15*time.Minute),
		Metrics:  metrics.New(rdb, gw),
		Reads:    reads,
	}, config.Server{Port: 0})
	return srv, gw, mr
}

func doRequest(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return out
}

func seedLatest(gw *fakeGateway, n int) {
	for i := 0; i < n; i++ {
		a := core.Article{
			ID:          fmt.Sprintf("a%02d", i),
			Title:       fmt.Sprintf("headline %d", i),
			Source:      core.Source{Name: "Reuters"},
			PublishedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		}
		gw.latest = append(gw.latest, a)
		gw.articles[a.ID] = a
	}
}

func TestListNewsPaginationEnvelope(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	seedLatest(gw, 25)

	rec := doRequest(t, srv, http.MethodGet, "/api/news?page=2&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	data := body["data"].([]interface{})
	if len(data) != 10 {
		t.Fatalf("expected 10 articles, got %d", len(data))
	}
	pg := body["pagination"].(map[string]interface{})
	if pg["currentPage"].(float64) != 2 || pg["totalPages"].(float64) != 3 {
		t.Fatalf("unexpected pagination: %v", pg)
	}
	if pg["totalCount"].(float64) != 25 {
		t.Fatalf("expected totalCount 25, got %v", pg["totalCount"])
	}
	if pg["hasNext"] != true || pg["hasPrev"] != true {
		t.Fatalf("expected middle page flags, got %v", pg)
	}
	links := pg["links"].(map[string]interface{})
	if !strings.Contains(links["next"].(string), "page=3") {
		t.Fatalf("bad next link: %v", links["next"])
	}
	if !strings.Contains(links["prev"].(string), "page=1") {
		t.Fatalf("bad prev link: %v", links["prev"])
	}
}

func TestListNewsBadPagination(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, path := range []string{
		"/api/news?page=0",
		"/api/news?page=x",
		"/api/news?limit=0",
		"/api/news?limit=101",
	} {
		rec := doRequest(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
		if _, ok := decodeBody(t, rec)["error"]; !ok {
			t.Fatalf("%s: expected error body", path)
		}
	}
}

func TestGetArticleNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/news/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetArticleSideEffects(t *testing.T) {
	srv, gw, mr := newTestServer(t)
	seedLatest(gw, 3)

	// Seed a personalized cache entry that the view must invalidate.
	mr.Set(cache.PersonalizedKey("u1", 10, 0), "{}")

	req := httptest.NewRequest(http.MethodGet, "/api/news/a01", nil)
	req.Header.Set("x-user-id", "u1")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	m := body["metrics"].(map[string]interface{})
	if m["totalViews"].(float64) != 1 {
		t.Fatalf("expected view counted, got %v", m["totalViews"])
	}
	if !mr.Exists(cache.ReadKey("u1", "a01")) {
		t.Fatal("expected read mark")
	}
	if mr.Exists(cache.PersonalizedKey("u1", 10, 0)) {
		t.Fatal("expected personalized cache invalidated")
	}
}

func TestSearchDispatch(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	seedLatest(gw, 5)

	var queries []string
	gw.searchFn = func(query string, _ index.SearchOptions) (*index.SearchPage, error) {
		queries = append(queries, query)
		switch {
		case strings.Contains(query, "climate"):
			return &index.SearchPage{Articles: []core.Article{gw.articles["a00"], gw.articles["a01"]}, Total: 2}, nil
		case strings.Contains(query, "India"):
			return &index.SearchPage{Articles: []core.Article{gw.articles["a01"], gw.articles["a02"]}, Total: 2}, nil
		default:
			return &index.SearchPage{Articles: []core.Article{}}, nil
		}
	}

	// Combined q+topic intersects by id.
	rec := doRequest(t, srv, http.MethodGet, "/api/news/search?q=climate&topic=India", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	data := body["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("expected single intersection hit, got %d", len(data))
	}
	hit := data[0].(map[string]interface{})
	if hit["id"] != "a01" {
		t.Fatalf("expected a01, got %v", hit["id"])
	}
	if len(queries) != 2 {
		t.Fatalf("expected two subqueries, got %v", queries)
	}

	// No params at all lists newest first.
	rec = doRequest(t, srv, http.MethodGet, "/api/news/search", "")
	body = decodeBody(t, rec)
	if pg := body["pagination"].(map[string]interface{}); pg["totalCount"].(float64) != 5 {
		t.Fatalf("expected full listing, got %v", pg)
	}
}

func TestSentimentRouteValidates(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/news/sentiment/angry", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sentiment, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/news/sentiment/positive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGenerateUserIDShape(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/user/generate-id", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	id, _ := body["userId"].(string)
	if !regexp.MustCompile(`^user_\d+_[0-9a-z]{9}$`).MatchString(id) {
		t.Fatalf("unexpected user id shape: %q", id)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/user/u1/preferences", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before storing, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/user/u1/preferences", `{"topics":["", "  "]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty topics, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/user/u1/preferences", `{"topics":[" Technology ","SPORTS"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/user/u1/preferences", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	prefs := body["data"].(map[string]interface{})["preferences"].([]interface{})
	if len(prefs) != 2 || prefs[0] != "technology" || prefs[1] != "sports" {
		t.Fatalf("unexpected stored preferences: %v", prefs)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	gw.sources = []index.SourceCount{{Name: "Reuters", Count: 12}}

	rec := doRequest(t, srv, http.MethodGet, "/api/metadata/topics", "")
	topics := decodeBody(t, rec)["data"].([]interface{})
	if len(topics) != 9 || topics[0] != "India" {
		t.Fatalf("unexpected topics: %v", topics)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/metadata/sentiments", "")
	sentiments := decodeBody(t, rec)["data"].([]interface{})
	if len(sentiments) != 3 {
		t.Fatalf("unexpected sentiments: %v", sentiments)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/metadata/sources", "")
	sources := decodeBody(t, rec)["data"].([]interface{})
	if len(sources) != 1 || sources[0].(map[string]interface{})["name"] != "Reuters" {
		t.Fatalf("unexpected sources: %v", sources)
	}
}

func TestAdminClearSpecificTypesValidates(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/admin/clear-specific-cache-types", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without types, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/admin/clear-specific-cache-types?types=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/admin/clear-specific-cache-types?types=similar_articles,temp", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// Pattern-less types clear through the gateway instead of 400ing.
	rec = doRequest(t, srv, http.MethodPost, "/api/admin/clear-specific-cache-types?types=search,vectors,search_index", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for search/vectors/search_index, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	patterns := data["patterns"].([]interface{})
	for _, raw := range patterns {
		pr := raw.(map[string]interface{})
		if errMsg, ok := pr["error"]; ok && errMsg != "" {
			t.Fatalf("expected clean per-step reports, got %v", pr)
		}
	}
}

func TestTrendingPeriodParam(t *testing.T) {
	srv, gw, mr := newTestServer(t)
	gw.articles["a1"] = core.Article{ID: "a1", Title: "a1"}
	mr.HSet(cache.DailyViewsKey("a1", time.Now()), cache.DailyViewsField, "5")

	rec := doRequest(t, srv, http.MethodGet, "/api/news/trending?period=week", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["period"].(float64) != 7 {
		t.Fatalf("expected week to resolve to 7 days, got %v", body["period"])
	}
	if len(body["data"].([]interface{})) != 1 {
		t.Fatalf("expected the viewed article in trending: %v", body["data"])
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/news/trending?period=fortnight", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown period, got %d", rec.Code)
	}
}

func TestUserHistoryPaginationTotals(t *testing.T) {
	srv, gw, mr := newTestServer(t)
	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("h%02d", i)
		gw.articles[id] = core.Article{ID: id, Title: id}
		stamp := base.Add(time.Duration(i) * time.Minute).UnixMilli()
		mr.HSet(cache.UserArticleViewsKey("u1"), id, fmt.Sprintf("%d", stamp))
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/user/u1/history?page=2&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	pagination := body["pagination"].(map[string]interface{})
	if pagination["totalCount"].(float64) != 25 {
		t.Fatalf("expected totalCount 25, got %v", pagination["totalCount"])
	}
	if pagination["totalPages"].(float64) != 3 {
		t.Fatalf("expected 3 pages, got %v", pagination["totalPages"])
	}
	if pagination["hasNext"].(bool) != true {
		t.Fatal("expected hasNext on page 2 of 3")
	}
	if got := len(body["data"].([]interface{})); got != 10 {
		t.Fatalf("expected a full second page, got %d entries", got)
	}
}

func TestAdminCacheStatistics(t *testing.T) {
	srv, _, mr := newTestServer(t)
	mr.Set("news:a1", "{}")
	mr.Set("user:u1:read_set", "x")

	rec := doRequest(t, srv, http.MethodGet, "/api/admin/cache-statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["totalKeys"].(float64) != 2 {
		t.Fatalf("expected 2 keys, got %v", data["totalKeys"])
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestSimilarEndpointExposesProvenance(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	seedLatest(gw, 3)
	target := gw.articles["a00"]
	target.Keywords = []string{"economy"}
	gw.articles["a00"] = target

	rec := doRequest(t, srv, http.MethodGet, "/api/news/a00/similar", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if _, ok := body["method"]; !ok {
		t.Fatalf("expected method in body: %v", body)
	}
	if _, ok := body["cached"]; !ok {
		t.Fatalf("expected cached flag in body: %v", body)
	}
}

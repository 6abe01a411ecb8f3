package personalize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/readhistory"
)

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

type fakeGateway struct {
	latest   []core.Article
	vectorFn func(vec []float32, k int) ([]index.VectorHit, error)
}

func (f *fakeGateway) GetArticle(_ context.Context, id string) (*core.Article, error) {
	for _, a := range f.latest {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, index.ErrNotFound
}

func (f *fakeGateway) PutArticle(context.Context, *core.Article) error { return nil }
func (f *fakeGateway) Exists(context.Context, string) (bool, error)   { return false, nil }

func (f *fakeGateway) Search(context.Context, string, index.SearchOptions) (*index.SearchPage, error) {
	return &index.SearchPage{}, nil
}

func (f *fakeGateway) VectorSearch(_ context.Context, vec []float32, k int, _ string, _ string) ([]index.VectorHit, error) {
	if f.vectorFn != nil {
		return f.vectorFn(vec, k)
	}
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

func (f *fakeGateway) ListSources(context.Context) ([]index.SourceCount, error) { return nil, nil }
func (f *fakeGateway) EnsureIndex(context.Context) error                        { return nil }
func (f *fakeGateway) RecreateIndex(context.Context) error                      { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *fakeEmbedder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	gw := &fakeGateway{}
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	e := New(gw, cache.New(rdb), readhistory.New(rdb, time.Hour), emb, NewPrefStore(rdb), 30*time.Minute, 15*time.Minute)
	return e, gw, emb, mr
}

func TestNormalizeTopics(t *testing.T) {
	in := []string{"  Technology ", "SPORTS", "technology", "", "  ", "politics",
		"one", "two", "three", "four", "five", "six", "seven", "eight"}
	got := NormalizeTopics(in)
	if len(got) != core.MaxPreferences {
		t.Fatalf("expected cap at %d, got %d", core.MaxPreferences, len(got))
	}
	if got[0] != "technology" || got[1] != "sports" || got[2] != "politics" {
		t.Fatalf("unexpected normalization: %v", got)
	}
	for i, topic := range got {
		if topic == "technology" && i != 0 {
			t.Fatal("duplicates must collapse onto first occurrence")
		}
	}
}

func TestFeedWeightsPreferenceOrder(t *testing.T) {
	e, gw, emb, _ := newTestEngine(t)
	ctx := context.Background()

	emb.vectors["technology"] = []float32{1, 0, 0}
	emb.vectors["sports"] = []float32{0, 1, 0}
	gw.vectorFn = func(vec []float32, _ int) ([]index.VectorHit, error) {
		// Same raw similarity from both preferences; order must decide.
		if vec[0] == 1 {
			return []index.VectorHit{{Article: core.Article{ID: "tech"}, Distance: 0.2}}, nil
		}
		return []index.VectorHit{{Article: core.Article{ID: "sport"}, Distance: 0.2}}, nil
	}
	for i := 0; i < 30; i++ {
		gw.latest = append(gw.latest, core.Article{ID: fmt.Sprintf("g%02d", i)})
	}

	if _, err := e.prefs.Save(ctx, "u1", []string{"technology", "sports"}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}
	res, err := e.Feed(ctx, "u1", 10, 0, Options{})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if res.Cached || res.Fallback {
		t.Fatalf("expected fresh personalized feed, got %+v", res)
	}
	if res.Articles[0].ID != "tech" || res.Articles[1].ID != "sport" {
		t.Fatalf("expected preference order to break the tie, got %s then %s",
			res.Articles[0].ID, res.Articles[1].ID)
	}
	if res.Articles[0].FinalScore <= res.Articles[1].FinalScore {
		t.Fatal("first preference must carry more weight")
	}
	if res.Articles[0].MatchedPreference != "technology" {
		t.Fatalf("unexpected match tag: %q", res.Articles[0].MatchedPreference)
	}
	if res.PersonalizedCount != 2 {
		t.Fatalf("expected 2 personalized results on the page, got %d", res.PersonalizedCount)
	}
	// The rest of the page is general top-up.
	if res.Articles[2].MatchedPreference != core.MethodGeneral {
		t.Fatalf("expected general top-up, got %+v", res.Articles[2])
	}
	if res.Articles[2].FinalScore != 0.1 {
		t.Fatalf("general top-up score must be 0.1, got %v", res.Articles[2].FinalScore)
	}
}

func TestFeedCacheHitAndVersionGuard(t *testing.T) {
	e, gw, emb, _ := newTestEngine(t)
	ctx := context.Background()

	emb.vectors["technology"] = []float32{1, 0, 0}
	calls := 0
	gw.vectorFn = func([]float32, int) ([]index.VectorHit, error) {
		calls++
		return []index.VectorHit{{Article: core.Article{ID: "tech"}, Distance: 0.2}}, nil
	}
	for i := 0; i < 30; i++ {
		gw.latest = append(gw.latest, core.Article{ID: fmt.Sprintf("g%02d", i)})
	}
	if _, err := e.prefs.Save(ctx, "u1", []string{"technology"}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}

	if _, err := e.Feed(ctx, "u1", 10, 0, Options{}); err != nil {
		t.Fatalf("first feed: %v", err)
	}
	res, err := e.Feed(ctx, "u1", 10, 0, Options{})
	if err != nil {
		t.Fatalf("second feed: %v", err)
	}
	if !res.Cached {
		t.Fatal("expected cache hit")
	}
	if calls != 1 {
		t.Fatalf("cache hit must not recompute, saw %d vector calls", calls)
	}

	// Changing preferences invalidates the version guard.
	if _, err := e.UpdatePreferences(ctx, "u1", []string{"sports"}); err != nil {
		t.Fatalf("update prefs: %v", err)
	}
	res, err = e.Feed(ctx, "u1", 10, 0, Options{})
	if err != nil {
		t.Fatalf("third feed: %v", err)
	}
	if res.Cached {
		t.Fatal("preference change must force recompute")
	}
	if calls != 2 {
		t.Fatalf("expected recompute after preference change, saw %d calls", calls)
	}
}

func TestFeedRecomputesWhenReadFilterThinsPage(t *testing.T) {
	e, gw, emb, _ := newTestEngine(t)
	ctx := context.Background()

	emb.vectors["technology"] = []float32{1, 0, 0}
	var hits []index.VectorHit
	for i := 0; i < 25; i++ {
		hits = append(hits, index.VectorHit{
			Article:  core.Article{ID: fmt.Sprintf("t%02d", i)},
			Distance: 0.1 + float64(i)*0.01,
		})
	}
	gw.vectorFn = func([]float32, int) ([]index.VectorHit, error) { return hits, nil }
	if _, err := e.prefs.Save(ctx, "u1", []string{"technology"}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}

	if _, err := e.Feed(ctx, "u1", 10, 0, Options{}); err != nil {
		t.Fatalf("first feed: %v", err)
	}

	// Read 4 of the cached articles: 4 > 0.3*10, so a hit is too thin.
	reads := readhistory.New(e.cache.Client(), time.Hour)
	for _, id := range []string{"t00", "t01", "t02", "t03"} {
		if err := reads.MarkRead(ctx, "u1", id); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}

	res, err := e.Feed(ctx, "u1", 10, 0, Options{})
	if err != nil {
		t.Fatalf("second feed: %v", err)
	}
	if res.Cached {
		t.Fatal("heavily thinned hit must recompute")
	}
	if res.FilteredReadCount != 4 {
		t.Fatalf("expected 4 filtered reads, got %d", res.FilteredReadCount)
	}
	for _, a := range res.Articles {
		if a.ID == "t00" || a.ID == "t01" {
			t.Fatalf("read article %s served", a.ID)
		}
	}
}

func TestFeedNoPreferencesFallsBackToGeneral(t *testing.T) {
	e, gw, _, _ := newTestEngine(t)
	for i := 0; i < 15; i++ {
		gw.latest = append(gw.latest, core.Article{ID: fmt.Sprintf("g%02d", i)})
	}

	res, err := e.Feed(context.Background(), "nobody", 10, 0, Options{})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback feed")
	}
	if len(res.Articles) != 10 {
		t.Fatalf("expected a full general page, got %d", len(res.Articles))
	}
	if res.PersonalizedCount != 0 {
		t.Fatalf("general feed cannot be personalized, got %d", res.PersonalizedCount)
	}
}

func TestSearchRanksByQuerySimilarity(t *testing.T) {
	e, gw, emb, _ := newTestEngine(t)
	ctx := context.Background()

	emb.vectors["technology"] = []float32{1, 0, 0}
	emb.vectors["chip shortage"] = []float32{1, 0, 0}
	near := core.Article{ID: "near", Title: "chips", Vector: []float32{0.9, 0.1, 0}, Sentiment: core.SentimentNegative}
	far := core.Article{ID: "far", Title: "farming", Vector: []float32{0, 1, 0}, Sentiment: core.SentimentNeutral}
	noVec := core.Article{ID: "text", Title: "global chip shortage deepens", Sentiment: core.SentimentNegative}
	gw.vectorFn = func([]float32, int) ([]index.VectorHit, error) {
		return []index.VectorHit{
			{Article: near, Distance: 0.2},
			{Article: far, Distance: 0.3},
			{Article: noVec, Distance: 0.4},
		}, nil
	}
	if _, err := e.prefs.Save(ctx, "u1", []string{"technology"}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}

	res, err := e.Search(ctx, "u1", "chip shortage", "", "", 10, 0, Options{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Articles) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(res.Articles), res.Articles)
	}
	// Full word overlap (1.0) outranks the near-but-imperfect vector match.
	if res.Articles[0].ID != "text" {
		t.Fatalf("expected exact-overlap match first, got %s", res.Articles[0].ID)
	}
	if res.Articles[1].ID != "near" {
		t.Fatalf("expected vector match second, got %s", res.Articles[1].ID)
	}
	if res.Articles[0].SearchSimilarity < SearchThreshold {
		t.Fatalf("kept result below threshold: %v", res.Articles[0].SearchSimilarity)
	}

	// Sentiment filter narrows further.
	res, err = e.Search(ctx, "u1", "chip shortage", core.SentimentNeutral, "", 10, 0, Options{ForceRefresh: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Articles) != 0 {
		t.Fatalf("expected no neutral matches, got %+v", res.Articles)
	}
}

func TestUpdatePreferencesRejectsEmpty(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if _, err := e.UpdatePreferences(context.Background(), "u1", []string{" ", ""}); !errors.Is(err, ErrNoValidTopics) {
		t.Fatalf("expected ErrNoValidTopics, got %v", err)
	}
}

func TestUpdatePreferencesInvalidatesCaches(t *testing.T) {
	e, gw, emb, mr := newTestEngine(t)
	ctx := context.Background()

	emb.vectors["technology"] = []float32{1, 0, 0}
	gw.vectorFn = func([]float32, int) ([]index.VectorHit, error) {
		return []index.VectorHit{{Article: core.Article{ID: "tech"}, Distance: 0.2}}, nil
	}
	if _, err := e.prefs.Save(ctx, "u1", []string{"technology"}); err != nil {
		t.Fatalf("save prefs: %v", err)
	}
	if _, err := e.Feed(ctx, "u1", 10, 0, Options{}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := e.Search(ctx, "u1", "tech", "", "", 10, 0, Options{}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if !mr.Exists(cache.PersonalizedKey("u1", 10, 0)) {
		t.Fatal("expected cached feed before invalidation")
	}

	if _, err := e.UpdatePreferences(ctx, "u1", []string{"sports"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(cache.PersonalizedKey("u1", 10, 0)) {
		t.Fatal("feed cache must be invalidated")
	}
	if mr.Exists(cache.PrefsVersionKey("u1")) {
		t.Fatal("version guard must be deleted")
	}
	for _, k := range mr.Keys() {
		if len(k) > len("personalized_search_simple:u1") && k[:len("personalized_search_simple:u1")] == "personalized_search_simple:u1" {
			t.Fatalf("search cache survived invalidation: %s", k)
		}
	}
}

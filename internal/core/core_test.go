package core

import (
	"testing"
	"time"
)

func TestArticleIDStable(t *testing.T) {
	published := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	a := ArticleID("Rate cut expected", published)
	b := ArticleID("Rate cut expected", published)
	if a != b {
		t.Fatalf("same inputs produced different IDs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestArticleIDNormalizesTimezone(t *testing.T) {
	utc := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	est := utc.In(time.FixedZone("EST", -5*3600))

	if ArticleID("Rate cut expected", utc) != ArticleID("Rate cut expected", est) {
		t.Fatal("same instant in different zones should produce the same ID")
	}
}

func TestArticleIDDistinguishesInputs(t *testing.T) {
	published := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if ArticleID("Rate cut expected", published) == ArticleID("Rate hike expected", published) {
		t.Fatal("different titles should produce different IDs")
	}
	if ArticleID("Rate cut expected", published) == ArticleID("Rate cut expected", published.Add(time.Second)) {
		t.Fatal("different publish times should produce different IDs")
	}
}

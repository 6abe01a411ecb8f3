package index

import (
	"strings"
	"testing"
)

func TestFieldsQuery(t *testing.T) {
	q := FieldsQuery("rocket")

	for _, field := range []string{"title", "description", "content", "summary"} {
		if !strings.Contains(q, "@"+field+":(rocket)") {
			t.Errorf("query should expand over %s: %s", field, q)
		}
	}
	if !strings.Contains(q, "@keywords:{rocket}") {
		t.Errorf("query should include a keywords tag clause: %s", q)
	}
	if strings.Count(q, "|") != 4 {
		t.Errorf("fields should be ORed: %s", q)
	}
}

func TestFieldsQuery_StripsPunctuation(t *testing.T) {
	q := FieldsQuery(`rocket) -@id:{x}`)
	if strings.Contains(q, ")|") && strings.Contains(q, "{x}") {
		t.Errorf("punctuation should not survive into text clauses: %s", q)
	}
	if !strings.Contains(q, "@title:(rocket id x)") {
		t.Errorf("expected sanitized term, got: %s", q)
	}
}

func TestFieldsQuery_Empty(t *testing.T) {
	if q := FieldsQuery("   "); q != "*" {
		t.Errorf("empty term should match everything, got %q", q)
	}
}

func TestSearchQuery(t *testing.T) {
	testCases := []struct {
		name      string
		q         string
		sentiment string
		source    string
		contains  []string
	}{
		{
			name:     "query only",
			q:        "rocket",
			contains: []string{"@title:(rocket)"},
		},
		{
			name:      "query with filters",
			q:         "rocket",
			sentiment: "positive",
			source:    "BBC News",
			contains:  []string{"@title:(rocket)", "@sentiment:{positive}", "@source:{BBC\\ News}"},
		},
		{
			name:     "filters only",
			source:   "Reuters",
			contains: []string{"@source:{Reuters}"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := SearchQuery(tc.q, tc.sentiment, tc.source)
			for _, want := range tc.contains {
				if !strings.Contains(got, want) {
					t.Errorf("query %q should contain %q", got, want)
				}
			}
		})
	}
}

func TestSearchQuery_Empty(t *testing.T) {
	if q := SearchQuery("", "", ""); q != "*" {
		t.Errorf("empty inputs should match everything, got %q", q)
	}
}

func TestEscapeTag(t *testing.T) {
	if got := EscapeTag("BBC News"); got != "BBC\\ News" {
		t.Errorf("unexpected tag escape: %q", got)
	}
	if got := EscapeTag("a-b.c"); got != "a\\-b\\.c" {
		t.Errorf("unexpected tag escape: %q", got)
	}
}

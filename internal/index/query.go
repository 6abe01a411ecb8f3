package index

import (
	"fmt"
	"strings"
)

// searchFields are the text fields a free query or topic expands over.
var searchFields = []string{"title", "description", "content", "summary"}

var tagEscaper = strings.NewReplacer(
	",", "\\,", ".", "\\.", "<", "\\<", ">", "\\>", "{", "\\{", "}", "\\}",
	"[", "\\[", "]", "\\]", "\"", "\\\"", "'", "\\'", ":", "\\:", ";", "\\;",
	"!", "\\!", "@", "\\@", "#", "\\#", "$", "\\$", "%", "\\%", "^", "\\^",
	"&", "\\&", "*", "\\*", "(", "\\(", ")", "\\)", "-", "\\-", "+", "\\+",
	"=", "\\=", "~", "\\~", "|", "\\|", "/", "\\/", " ", "\\ ",
)

// EscapeTag escapes a value for use inside a tag filter `@f:{value}`.
func EscapeTag(value string) string {
	return tagEscaper.Replace(strings.TrimSpace(value))
}

// escapeText strips query-language punctuation from a free-text term.
func escapeText(term string) string {
	var b strings.Builder
	for _, r := range term {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// FieldsQuery expands a term into an OR across the text fields plus the
// keywords tag, the shape used for both topic lookups and free search.
func FieldsQuery(term string) string {
	term = escapeText(term)
	if term == "" {
		return "*"
	}
	parts := make([]string, 0, len(searchFields)+1)
	for _, f := range searchFields {
		parts = append(parts, fmt.Sprintf("@%s:(%s)", f, term))
	}
	parts = append(parts, fmt.Sprintf("@keywords:{%s}", EscapeTag(term)))
	return "(" + strings.Join(parts, "|") + ")"
}

// TermsQuery ORs several independent terms, each expanded over the
// text fields. Empty or punctuation-only terms are skipped.
func TermsQuery(terms []string) string {
	clauses := make([]string, 0, len(terms))
	for _, t := range terms {
		if c := FieldsQuery(t); c != "*" {
			clauses = append(clauses, c)
		}
	}
	if len(clauses) == 0 {
		return "*"
	}
	return "(" + strings.Join(clauses, "|") + ")"
}

// TagFilter builds a single tag clause, empty when value is empty.
func TagFilter(field, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return fmt.Sprintf("@%s:{%s}", field, EscapeTag(value))
}

// SearchQuery combines a free query with sentiment and source filters.
// Clauses are ANDed; an empty query matches everything.
func SearchQuery(q, sentiment, source string) string {
	clauses := make([]string, 0, 3)
	if strings.TrimSpace(q) != "" {
		clauses = append(clauses, FieldsQuery(q))
	}
	if c := TagFilter("sentiment", sentiment); c != "" {
		clauses = append(clauses, c)
	}
	if c := TagFilter("source", source); c != "" {
		clauses = append(clauses, c)
	}
	if len(clauses) == 0 {
		return "*"
	}
	return strings.Join(clauses, " ")
}

// PublishedBetween restricts matches to a publication window.
func PublishedBetween(from, to int64) string {
	return fmt.Sprintf("@published_at:[%d %d]", from, to)
}

// TopicQuery is the query for a topic lookup. Topics are user strings,
// not a structured enum; they match as text across the same fields.
func TopicQuery(topic string) string {
	return FieldsQuery(topic)
}

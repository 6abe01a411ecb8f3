package similar

import (
	"strings"
	"unicode"
)

// maxStrategyTerms caps how many terms a single fallback strategy
// feeds into the index query.
const maxStrategyTerms = 10

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"he": {}, "her": {}, "his": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "she": {}, "that": {}, "the": {},
	"their": {}, "they": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "after": {}, "over": {}, "more": {}, "new": {},
	"says": {}, "said": {},
}

// textTerms builds unigrams and adjacent bigrams over the given texts,
// dropping stop words and short tokens.
func textTerms(texts ...string) []string {
	seen := map[string]struct{}{}
	var terms []string
	add := func(t string) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	for _, text := range texts {
		words := tokenize(text)
		kept := words[:0:0]
		for _, w := range words {
			if len(w) < 3 {
				continue
			}
			if _, stop := stopWords[w]; stop {
				continue
			}
			kept = append(kept, w)
		}
		for i, w := range kept {
			add(w)
			if i+1 < len(kept) {
				add(w + " " + kept[i+1])
			}
		}
	}
	if len(terms) > maxStrategyTerms {
		terms = terms[:maxStrategyTerms]
	}
	return terms
}

// entities extracts runs of consecutive capitalized words, the cheap
// stand-in for named entities.
func entities(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	var run []string
	flush := func() {
		if len(run) == 0 {
			return
		}
		e := strings.Join(run, " ")
		run = run[:0]
		// A lone capitalized word at sentence start is usually noise.
		if !strings.Contains(e, " ") && len(e) < 4 {
			return
		}
		if _, dup := seen[e]; !dup {
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	for _, w := range strings.Fields(text) {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) {
			run = append(run, trimmed)
		} else {
			flush()
		}
	}
	flush()
	if len(out) > maxStrategyTerms {
		out = out[:maxStrategyTerms]
	}
	return out
}

// quotedPhrases pulls "double-quoted" spans out of the text.
func quotedPhrases(text string) []string {
	var out []string
	for {
		start := strings.IndexAny(text, `"“`)
		if start < 0 {
			break
		}
		rest := text[start+1:]
		end := strings.IndexAny(rest, `"”`)
		if end < 0 {
			break
		}
		phrase := strings.TrimSpace(rest[:end])
		if phrase != "" && len(strings.Fields(phrase)) <= 8 {
			out = append(out, phrase)
		}
		text = rest[end+1:]
	}
	return out
}

// technicalTokens keeps acronyms, digit-bearing tokens and hyphenated
// compounds, the vocabulary plain stemming mangles.
func technicalTokens(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) < 2 {
			continue
		}
		if !isTechnical(w) {
			continue
		}
		lower := strings.ToLower(w)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, w)
	}
	if len(out) > maxStrategyTerms {
		out = out[:maxStrategyTerms]
	}
	return out
}

func isTechnical(w string) bool {
	hasDigit := false
	allUpper := true
	for _, r := range w {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			allUpper = false
		}
	}
	if hasDigit || strings.Contains(w, "-") {
		return true
	}
	letters := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return allUpper && letters >= 2
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// keywordOverlap returns |a ∩ b| / |a| over lowercased keyword sets.
func keywordOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, k := range b {
		set[strings.ToLower(k)] = struct{}{}
	}
	matched := 0
	for _, k := range a {
		if _, ok := set[strings.ToLower(k)]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(a))
}

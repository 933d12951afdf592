// Package textproc normalizes classroom text before it is chunked, embedded
// or matched against questions.
package textproc

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxKeywords = 10

	URLPlaceholder   = "[URL]"
	EmailPlaceholder = "[EMAIL]"
)

var (
	htmlTagPattern     = regexp.MustCompile(`<[^>]+>`)
	urlPattern         = regexp.MustCompile(`(?i)https?://\S+|www\.\S+`)
	emailPattern       = regexp.MustCompile(`\S+@\S+\.\S+`)
	placeholderPattern = regexp.MustCompile(`\[(?:URL|EMAIL)\]`)
	specialCharPattern = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_\s.,!?;:'"()\-]`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {}, "to": {},
	"for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "must": {},
	"shall": {}, "can": {}, "this": {}, "that": {}, "these": {}, "those": {}, "it": {}, "its": {},
}

// Clean strips markup, masks URLs and email addresses, drops unusual
// characters, collapses whitespace and lower-cases the result.
// Clean(Clean(s)) == Clean(s) for every s.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = urlPattern.ReplaceAllString(text, URLPlaceholder)
	text = emailPattern.ReplaceAllString(text, EmailPlaceholder)

	// Placeholders pass through untouched; everything between them is normalized.
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range placeholderPattern.FindAllStringIndex(text, -1) {
		b.WriteString(normalizeSegment(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(normalizeSegment(text[last:]))

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(b.String(), " "))
}

func normalizeSegment(s string) string {
	return strings.ToLower(specialCharPattern.ReplaceAllString(s, " "))
}

// ExtractKeywords returns up to max distinct alphabetic terms ranked by
// frequency. Ties keep first-occurrence order. max <= 0 means DefaultMaxKeywords.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxKeywords
	}

	counts := make(map[string]int)
	order := make([]string, 0)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if utf8.RuneCountInString(word) <= 3 || !isAlpha(word) {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		if counts[word] == 0 {
			order = append(order, word)
		}
		counts[word]++
	}

	slices.SortStableFunc(order, func(a, b string) int {
		return counts[b] - counts[a]
	})

	if len(order) > max {
		order = order[:max]
	}
	return order
}

func isAlpha(word string) bool {
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return word != ""
}

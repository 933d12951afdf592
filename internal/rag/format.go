package rag

import (
	"fmt"
	"strings"
	"time"

	"github.com/classroom-assistant/backend/internal/vector"
)

const displayDateLayout = "January 02, 2006"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func composeAnswer(top candidate) string {
	var prefix string
	switch top.metadata.SourceType {
	case vector.SourceAssignment:
		title := top.metadata.Title
		if title == "" {
			title = "classroom content"
		}
		prefix = fmt.Sprintf("According to the assignment '%s':\n\n", title)
	case vector.SourceAnnouncement:
		prefix = "From a class announcement:\n\n"
	default:
		prefix = "Based on classroom content:\n\n"
	}
	return prefix + truncateRunes(top.document, AnswerExcerptLimit)
}

// formatSources keeps the first candidate per title, in rank order, up to
// MaxSources.
func formatSources(relevant []candidate) []Source {
	sources := make([]Source, 0, min(len(relevant), MaxSources))
	seen := make(map[string]struct{}, len(relevant))

	for _, c := range relevant {
		if len(sources) == MaxSources {
			break
		}
		title := c.metadata.Title
		if title == "" {
			title = "Content"
		}
		if _, ok := seen[title]; ok {
			continue
		}
		seen[title] = struct{}{}

		posted := c.metadata.PostedDate
		if posted == "" {
			posted = c.metadata.DueDate
		}

		sources = append(sources, Source{
			Type:           sourceType(c.metadata),
			Title:          title,
			Excerpt:        Excerpt(c.document, SourceExcerptLimit),
			RelevanceScore: c.similarity,
			Posted:         displayDate(posted),
			CourseName:     c.metadata.CourseName,
		})
	}
	return sources
}

// Excerpt cuts text to limit characters. Past the limit it backs up to the
// last space when that keeps more than half of the excerpt, and marks the cut
// with an ellipsis.
func Excerpt(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i >= 0 && len([]rune(cut[:i])) > limit/2 {
		return cut[:i] + "..."
	}
	return cut + "..."
}

// displayDate renders ISO dates as "January 02, 2006" and leaves anything
// else untouched.
func displayDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(displayDateLayout)
		}
	}
	return s
}

func explain(relevant []candidate, confidence float64) string {
	var tier string
	switch {
	case confidence >= HighConfidence:
		tier = "high confidence"
	case confidence >= MinimumConfidence:
		tier = "moderate confidence"
	default:
		tier = "low confidence"
	}

	counts := make(map[string]int)
	for _, c := range relevant {
		counts[sourceType(c.metadata)]++
	}

	var parts []string
	for _, t := range []string{vector.SourceAssignment, vector.SourceAnnouncement, vector.SourceMaterial} {
		if n := counts[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s(s)", n, t))
		}
	}
	cited := strings.Join(parts, " and ")
	if cited == "" {
		cited = fmt.Sprintf("%d source(s)", len(relevant))
	}

	return fmt.Sprintf("This answer is based on %s from your classroom (%s, %.0f%% match).", cited, tier, confidence*100)
}

func sourceType(m vector.Metadata) string {
	if m.SourceType == "" {
		return "content"
	}
	return m.SourceType
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

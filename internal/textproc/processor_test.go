package textproc_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/classroom-assistant/backend/internal/textproc"
)

func TestClean(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty", input: "", want: ""},
		{name: "html tags", input: "<p>Read <b>Chapter 3</b></p>", want: "read chapter 3"},
		{name: "url", input: "See https://example.com/syllabus?x=1 for details", want: "see [URL] for details"},
		{name: "bare www", input: "Visit WWW.School.edu today", want: "visit [URL] today"},
		{name: "email", input: "Mail teacher@school.edu now", want: "mail [EMAIL] now"},
		{name: "special characters", input: "Score: 95% #1 @home", want: "score: 95 1 home"},
		{name: "whitespace", input: "  due\n\tfriday  ", want: "due friday"},
		{name: "punctuation kept", input: "Is it (really) due? Yes!", want: "is it (really) due? yes!"},
		{name: "unicode letters", input: "Café résumé", want: "café résumé"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, textproc.Clean(tc.input), tc.want)
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"<div>Homework 3 is due Friday at 5pm.</div>",
		"Email me@school.edu or check www.school.edu/hw!",
		"([URL]) and [EMAIL] stay put",
		"WWW.UPPER.case and http://X.Y",
		"Weird ~~ ^^ symbols {} [] <> |",
		"Ünïcödé  TEXT with nbsp",
	}

	for _, in := range inputs {
		once := textproc.Clean(in)
		gt.Equal(t, textproc.Clean(once), once)
	}
}

func TestExtractKeywords(t *testing.T) {
	text := "Photosynthesis converts light. Photosynthesis needs chlorophyll and light energy; light matters"
	got := textproc.ExtractKeywords(text, 3)
	gt.Equal(t, got, []string{"photosynthesis", "light", "converts"})
}

func TestExtractKeywordsFilters(t *testing.T) {
	got := textproc.ExtractKeywords("This essay about rivers should have 1500 words, with rivers2 and rivers", 0)
	gt.Equal(t, got, []string{"rivers", "essay", "about"})
}

func TestExtractKeywordsEmpty(t *testing.T) {
	got := textproc.ExtractKeywords("", 5)
	gt.NotNil(t, got)
	gt.A(t, got).Length(0)
}

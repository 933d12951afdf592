package textproc

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
}

func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    500,
		ChunkOverlap: 50,
		MinChunkSize: 100,
	}
}

// Chunker splits text into sentence-aligned, overlapping chunks. Sizes are
// measured in characters (runes).
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	minChunkSize int
}

func NewChunker(cfg ChunkerConfig) *Chunker {
	def := DefaultChunkerConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.MinChunkSize < 0 || cfg.MinChunkSize > cfg.ChunkSize {
		cfg.MinChunkSize = min(def.MinChunkSize, cfg.ChunkSize)
	}

	return &Chunker{
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		minChunkSize: cfg.MinChunkSize,
	}
}

func (c *Chunker) Config() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    c.chunkSize,
		ChunkOverlap: c.chunkOverlap,
		MinChunkSize: c.minChunkSize,
	}
}

// Chunk returns the chunks of text in order. Text shorter than the minimum
// chunk size comes back as a single chunk; empty text yields none.
//
// A chunk is closed once the next sentence would push it past ChunkSize and
// it already holds at least MinChunkSize characters of which some are new.
// The following chunk opens with the last two sentences of the closed one.
// A trailing chunk below MinChunkSize is folded into its predecessor.
// A sentence longer than twice ChunkSize is cut into pieces of at most
// ChunkSize characters first, preferring to cut at whitespace.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return []string{}
	}
	if utf8.RuneCountInString(text) < c.minChunkSize {
		return []string{text}
	}

	sentences := make([]string, 0)
	for _, sentence := range SplitSentences(text) {
		if utf8.RuneCountInString(sentence) > 2*c.chunkSize {
			sentences = append(sentences, splitLong(sentence, c.chunkSize)...)
			continue
		}
		sentences = append(sentences, sentence)
	}
	chunks := make([]string, 0, 1+utf8.RuneCountInString(text)/c.chunkSize)

	var (
		current    []string
		currentLen int
		fresh      int
	)

	for _, sentence := range sentences {
		sentenceLen := utf8.RuneCountInString(sentence)

		if fresh > 0 && currentLen+1+sentenceLen > c.chunkSize && currentLen >= c.minChunkSize {
			chunks = append(chunks, strings.Join(current, " "))

			carry := current
			if len(carry) > 1 {
				carry = carry[len(carry)-2:]
			} else {
				carry = nil
			}
			current = append([]string(nil), carry...)
			currentLen = utf8.RuneCountInString(strings.Join(current, " "))
			fresh = 0
		}

		if len(current) > 0 {
			currentLen++
		}
		current = append(current, sentence)
		currentLen += sentenceLen
		fresh++
	}

	if fresh == 0 {
		return chunks
	}

	final := strings.Join(current, " ")
	switch {
	case utf8.RuneCountInString(final) >= c.minChunkSize || len(chunks) == 0:
		chunks = append(chunks, final)
	default:
		tail := strings.Join(current[len(current)-fresh:], " ")
		chunks[len(chunks)-1] += " " + tail
	}

	return chunks
}

func splitLong(sentence string, size int) []string {
	var pieces []string
	runes := []rune(sentence)
	for len(runes) > size {
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			pieces = append(pieces, piece)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if piece := strings.TrimSpace(string(runes)); piece != "" {
		pieces = append(pieces, piece)
	}
	return pieces
}

// SplitSentences splits on whitespace that follows '.', '!' or '?'.
// Empty pieces are dropped and each sentence is trimmed.
func SplitSentences(text string) []string {
	sentences := make([]string, 0)
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		// loc[0] is the terminator; keep it with the sentence.
		if s := strings.TrimSpace(text[last : loc[0]+1]); s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

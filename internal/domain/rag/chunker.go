package rag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/learnstack/lumen/internal/domain/catalog"
)

// TokenCounter estimates the token cost of a chunk. The default counter
// counts whitespace-separated words; a tokenizer-backed counter can be
// swapped in at wiring time.
type TokenCounter interface {
	Count(text string) int
}

// WordCounter counts whitespace-separated words. It is the fallback when no
// tokenizer is configured and the reference behavior for tests.
type WordCounter struct{}

func (WordCounter) Count(text string) int { return len(strings.Fields(text)) }

// Chunker splits lesson text into TextChunks under one of three strategies.
//
// Rules:
//   - semantic: split on blank lines and markdown headings; chunk size is
//     unbounded.
//   - fixed: sliding word windows of maxChunkSize with overlap words shared
//     between consecutive windows.
//   - hybrid: semantic first, then any segment over maxChunkSize words is
//     re-split into fixed windows; all chunks are renumbered and tagged
//     hybrid.
//
// Chunking is pure: same input and settings always produce the same chunks.
type Chunker struct {
	strategy     ChunkStrategy
	maxChunkSize int
	overlap      int
	counter      TokenCounter
}

// NewChunker validates the settings once so the split methods never have to
// guard the stride at runtime.
func NewChunker(strategy ChunkStrategy, maxChunkSize, overlap int, counter TokenCounter) (*Chunker, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("rag: unknown chunking strategy %q", strategy)
	}
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("rag: maxChunkSize must be positive, got %d", maxChunkSize)
	}
	if overlap < 0 || overlap >= maxChunkSize {
		return nil, fmt.Errorf("rag: overlap must be in [0, maxChunkSize), got %d with maxChunkSize %d", overlap, maxChunkSize)
	}
	if counter == nil {
		counter = WordCounter{}
	}
	return &Chunker{
		strategy:     strategy,
		maxChunkSize: maxChunkSize,
		overlap:      overlap,
		counter:      counter,
	}, nil
}

// Chunk splits text using the configured strategy. Empty or whitespace-only
// text yields no chunks.
func (c *Chunker) Chunk(text string) []TextChunk {
	return c.ChunkWith(text, c.strategy)
}

// ChunkWith splits text using an explicit strategy, overriding the default.
func (c *Chunker) ChunkWith(text string, strategy ChunkStrategy) []TextChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	switch strategy {
	case StrategySemantic:
		return c.chunkSemantic(text)
	case StrategyFixed:
		return c.chunkFixed(text)
	default:
		return c.chunkHybrid(text)
	}
}

var headingLine = regexp.MustCompile(`^#{1,6}\s`)

// splitSegments breaks text into trimmed natural segments. A blank line ends
// the current segment; a markdown heading starts a new one.
func splitSegments(text string) []string {
	var segments []string
	var current []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(current, "\n"))
		if joined != "" {
			segments = append(segments, joined)
		}
		current = current[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if headingLine.MatchString(line) && len(current) > 0 {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return segments
}

// chunkSemantic emits one chunk per natural segment. Positions accumulate
// over the trimmed segments plus a two-character separator between them.
func (c *Chunker) chunkSemantic(text string) []TextChunk {
	var chunks []TextChunk
	position := 0
	for i, segment := range splitSegments(text) {
		start := position
		end := start + len(segment)
		chunks = append(chunks, TextChunk{
			Content:       segment,
			Index:         i,
			StartPosition: start,
			EndPosition:   end,
			TokenCount:    c.counter.Count(segment),
			Strategy:      StrategySemantic,
		})
		position = end + 2
	}
	return chunks
}

// chunkFixed slides a word window of maxChunkSize across the text, stepping
// maxChunkSize−overlap words each time so consecutive chunks share overlap
// words. Positions accumulate over the emitted chunks plus one separator
// character between them.
func (c *Chunker) chunkFixed(text string) []TextChunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []TextChunk
	stride := c.maxChunkSize - c.overlap
	position := 0
	for i := 0; i < len(words); i += stride {
		endWord := i + c.maxChunkSize
		if endWord > len(words) {
			endWord = len(words)
		}
		content := strings.Join(words[i:endWord], " ")
		start := position
		end := start + len(content)
		chunks = append(chunks, TextChunk{
			Content:       content,
			Index:         len(chunks),
			StartPosition: start,
			EndPosition:   end,
			TokenCount:    c.counter.Count(content),
			Strategy:      StrategyFixed,
		})
		position = end + 1
		if endWord == len(words) {
			break
		}
	}
	return chunks
}

// chunkHybrid splits semantically first, then re-splits any segment that
// exceeds maxChunkSize words into fixed windows anchored at the segment's
// start position. The combined sequence is renumbered and tagged hybrid.
func (c *Chunker) chunkHybrid(text string) []TextChunk {
	var chunks []TextChunk
	stride := c.maxChunkSize - c.overlap
	for _, segment := range c.chunkSemantic(text) {
		words := strings.Fields(segment.Content)
		if len(words) <= c.maxChunkSize {
			segment.Index = len(chunks)
			segment.Strategy = StrategyHybrid
			chunks = append(chunks, segment)
			continue
		}
		position := segment.StartPosition
		for i := 0; i < len(words); i += stride {
			endWord := i + c.maxChunkSize
			if endWord > len(words) {
				endWord = len(words)
			}
			content := strings.Join(words[i:endWord], " ")
			start := position
			end := start + len(content)
			chunks = append(chunks, TextChunk{
				Content:       content,
				Index:         len(chunks),
				StartPosition: start,
				EndPosition:   end,
				TokenCount:    c.counter.Count(content),
				Strategy:      StrategyHybrid,
			})
			position = end + 1
			if endWord == len(words) {
				break
			}
		}
	}
	return chunks
}

// LessonText assembles the indexable text of a lesson: title, description
// and content, in that order, joined by blank lines. Missing parts are
// skipped; a lesson with no text yields "".
func LessonText(l *catalog.Lesson) string {
	var parts []string
	if strings.TrimSpace(l.Title) != "" {
		parts = append(parts, l.Title)
	}
	if l.Description != nil && strings.TrimSpace(*l.Description) != "" {
		parts = append(parts, *l.Description)
	}
	if l.Content != nil && strings.TrimSpace(*l.Content) != "" {
		parts = append(parts, *l.Content)
	}
	return strings.Join(parts, "\n\n")
}

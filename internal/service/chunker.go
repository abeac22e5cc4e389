package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
)

// Chunk is a bounded-token slice of a memory produced by the chunker,
// prior to embedding and persistence (internal/model.Chunk is the stored form).
type Chunk struct {
	Content      string
	ContentHash  string
	TokenCount   int
	Index        int
	MemoryID     string
	SectionTitle string
}

// Chunker abstracts memory text chunking.
type Chunker interface {
	Chunk(ctx context.Context, text string, memoryID string) ([]Chunk, error)
}

// ChunkerService splits memory text into overlapping chunks of configurable
// size, honoring the recursive separator order ["\n\n","\n",". "," ",""] (§4.10).
type ChunkerService struct {
	chunkSize  int     // target tokens per chunk (default 512)
	overlapPct float64 // overlap between adjacent chunks, expressed as a fraction of words
}

// NewChunkerService creates a ChunkerService. chunkSize/overlap default to the
// spec's CHUNK_SIZE=512 / CHUNK_OVERLAP=50 tokens, expressed here as a words
// fraction of the chunk (overlap/chunkSize).
func NewChunkerService(chunkSize, overlapTokens int) *ChunkerService {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	overlapPct := float64(overlapTokens) / float64(chunkSize)
	if overlapPct <= 0 || overlapPct >= 1 {
		overlapPct = 0.10
	}
	return &ChunkerService{chunkSize: chunkSize, overlapPct: overlapPct}
}

// Chunk splits text into overlapping chunks and returns them with metadata.
func (s *ChunkerService) Chunk(ctx context.Context, text string, memoryID string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("service.Chunk: text is empty")
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("service.Chunk: no content after splitting")
	}

	segments := s.buildSegments(paragraphs)
	overlapped := s.applyOverlap(segments)

	chunks := make([]Chunk, 0, len(overlapped))
	for i, seg := range overlapped {
		content := strings.TrimSpace(seg.content)
		if content == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:      content,
			ContentHash:  sha256Hash(content),
			TokenCount:   estimateTokens(content),
			Index:        i,
			MemoryID:     memoryID,
			SectionTitle: seg.sectionTitle,
		})
	}

	// Re-index after filtering empties — chunk_index must be a contiguous
	// [0..n) sequence per the data-model invariant.
	for i := range chunks {
		chunks[i].Index = i
	}

	return chunks, nil
}

type segment struct {
	content      string
	sectionTitle string
}

// buildSegments merges small paragraphs and splits large ones to fit chunkSize,
// honoring the separator order "\n\n" (paragraph) then "\n" / ". " / " "
// (line/sentence/word).
func (s *ChunkerService) buildSegments(paragraphs []string) []segment {
	var segments []segment
	var current strings.Builder
	currentSection := ""

	for _, para := range paragraphs {
		if title := extractSectionTitle(para); title != "" {
			currentSection = title
		}

		paraTokens := estimateTokens(para)
		currentTokens := estimateTokens(current.String())

		if currentTokens > 0 && currentTokens+paraTokens > s.chunkSize {
			segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
			current.Reset()
		}

		if paraTokens > s.chunkSize {
			if current.Len() > 0 {
				segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
				current.Reset()
			}
			for _, sub := range splitLargeParagraph(para, s.chunkSize) {
				segments = append(segments, segment{content: sub, sectionTitle: currentSection})
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		segments = append(segments, segment{content: current.String(), sectionTitle: currentSection})
	}

	return segments
}

// applyOverlap duplicates the tail of each chunk as prefix of the next.
func (s *ChunkerService) applyOverlap(segments []segment) []segment {
	if len(segments) <= 1 {
		return segments
	}

	result := make([]segment, len(segments))
	result[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		prevContent := segments[i-1].content
		overlapWords := int(math.Ceil(float64(wordCount(prevContent)) * s.overlapPct))
		tail := lastNWords(prevContent, overlapWords)

		if tail != "" {
			result[i] = segment{content: tail + "\n\n" + segments[i].content, sectionTitle: segments[i].sectionTitle}
		} else {
			result[i] = segments[i]
		}
	}

	return result
}

// splitParagraphs splits text on double newlines into paragraphs.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var result []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// splitLargeParagraph splits a paragraph exceeding chunkSize at line breaks
// and sentence boundaries; a single sentence still exceeding chunkSize is
// split on whitespace.
func splitLargeParagraph(para string, chunkSize int) []string {
	var sentences []string
	for _, line := range strings.Split(para, "\n") {
		if strings.TrimSpace(line) != "" {
			sentences = append(sentences, splitSentences(strings.TrimSpace(line))...)
		}
	}
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		sentTokens := estimateTokens(sent)
		currentTokens := estimateTokens(current.String())

		if currentTokens > 0 && currentTokens+sentTokens > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if sentTokens > chunkSize {
			chunks = append(chunks, splitByWords(sent, chunkSize)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 0 && len(para) > 0 {
		chunks = splitByWords(para, chunkSize)
	}
	return chunks
}

// splitSentences does a basic sentence split on ". ", "! ", "? ".
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

// splitByWords is the last-resort separator (""): splits on whitespace when
// even a single sentence exceeds chunkSize.
func splitByWords(text string, chunkSize int) []string {
	words := strings.Fields(text)
	wordsPerChunk := int(float64(chunkSize) / 1.3)
	if wordsPerChunk <= 0 {
		wordsPerChunk = 1
	}

	var chunks []string
	for i := 0; i < len(words); i += wordsPerChunk {
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// extractSectionTitle detects markdown-style headers (# Title, ## Section, etc.)
func extractSectionTitle(para string) string {
	trimmed := strings.TrimSpace(para)
	if strings.HasPrefix(trimmed, "#") {
		if title := strings.TrimLeft(trimmed, "# "); title != "" {
			return title
		}
	}
	return ""
}

// estimateTokens approximates token count as words * 1.3. This differs from
// the chars/4 heuristic of the context builder's CountTokens.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func lastNWords(text string, n int) string {
	words := strings.Fields(text)
	if n >= len(words) {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}

func sha256Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}

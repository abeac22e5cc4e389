package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// ChatMessage is one turn in a prompt sent to the LM, matching the
// role/content shape the Vertex/Gemini adapter expects.
type ChatMessage struct {
	Role    model.Role
	Content string
}

// Citation is a single source cited in a generated answer (§4.6).
type Citation struct {
	MemoryID    string            `json:"memoryId"`
	ContentType model.ContentType `json:"contentType,omitempty"`
	Snippet     string            `json:"snippet"`
	Similarity  float64           `json:"similarity"`
}

var sourceCitationRe = regexp.MustCompile(`\[Source (\d+)\]`)

// ContextBuilderService assembles retrieved results into an LM-ready context
// block and chat prompt, and extracts [Source N] citations back out of a
// generated answer (component G, §4.6).
type ContextBuilderService struct {
	maxContextTokens int // default half of the model's context budget
}

// NewContextBuilderService creates a ContextBuilderService. maxContextTokens
// bounds the context block alone, separate from the full prompt budget.
func NewContextBuilderService(maxContextTokens int) *ContextBuilderService {
	if maxContextTokens <= 0 {
		maxContextTokens = 2048
	}
	return &ContextBuilderService{maxContextTokens: maxContextTokens}
}

// CountTokens approximates token count as chars/4 — the teacher's corpus
// never depended on an exact tokenizer for this, and pulling in a full BPE
// vocabulary table for a soft context budget is more machinery than the
// invariant (`stay under the budget`) requires.
func CountTokens(text string) int {
	return len(text) / 4
}

// BuildContext formats hits into a "[Source N] ... Content: ..." block,
// deduplicating identical chunk text and stopping once the token budget is
// exhausted (§4.6). hits must already be sorted by relevance.
func (b *ContextBuilderService) BuildContext(hits []HierarchicalHit) string {
	var parts []string
	tokens := 0
	seen := make(map[string]bool)

	for i, h := range hits {
		if h.ChunkText == "" || seen[h.ChunkText] {
			continue
		}
		seen[h.ChunkText] = true

		block := formatSourceBlock(h, i+1)
		blockTokens := CountTokens(block)
		if tokens+blockTokens > b.maxContextTokens {
			slog.Info("[CONTEXT-BUILDER] context limit reached", "included", i, "total", len(hits))
			break
		}

		parts = append(parts, block)
		tokens += blockTokens
	}

	if len(parts) == 0 {
		slog.Warn("[CONTEXT-BUILDER] no context built from results")
		return ""
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// formatSourceBlock renders one context block, including the per-type hint
// (image→has_text, pdf→page_count, audio→duration) carried in the hit's
// metadata (§4.6, context_builder.py _format_result).
func formatSourceBlock(h HierarchicalHit, index int) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("[Source %d]", index))

	contentType := string(h.ContentType)
	if contentType == "" {
		contentType = "summary"
	}
	lines = append(lines, fmt.Sprintf("Type: %s", contentType))

	if hint := sourceMetaHint(h.ContentType, h.Meta); hint != "" {
		lines = append(lines, hint)
	}

	lines = append(lines, fmt.Sprintf("\nContent:\n%s", strings.TrimSpace(h.ChunkText)))

	return strings.Join(lines, "\n")
}

// sourceMetaHint returns the per-content-type hint line for a source block,
// or "" when the metadata doesn't carry one.
func sourceMetaHint(contentType model.ContentType, meta json.RawMessage) string {
	if len(meta) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(meta, &m); err != nil {
		return ""
	}

	switch contentType {
	case model.ContentImage:
		if hasText, _ := m["has_text"].(bool); hasText {
			return "Content: Image with extracted text"
		}
	case model.ContentPDF:
		if pages, ok := m["page_count"]; ok {
			return fmt.Sprintf("Pages: %v", pages)
		}
	case model.ContentAudio:
		if d, ok := m["duration_seconds"]; ok {
			if f, ok := d.(float64); ok {
				return fmt.Sprintf("Duration: %.1fs", f)
			}
			return fmt.Sprintf("Duration: %vs", d)
		}
	}
	return ""
}

// BuildPrompt assembles the final chat-completion message list: system
// prompt, trailing conversation history (last 6 turns), a context message
// (or a "nothing found" fallback), then the user's query (§4.6).
func (b *ContextBuilderService) BuildPrompt(query, context string, history []ChatMessage, systemPrompt string) []ChatMessage {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful AI assistant with access to the user's personal memory.\n" +
			"Answer questions based on the provided context. If the context doesn't contain relevant information, say so clearly.\n" +
			"Always cite your sources using [Source N] notation."
	}

	messages := []ChatMessage{{Role: model.RoleSystem, Content: systemPrompt}}

	if len(history) > 6 {
		history = history[len(history)-6:]
	}
	for _, m := range history {
		if (m.Role == model.RoleUser || m.Role == model.RoleAssistant) && m.Content != "" {
			messages = append(messages, m)
		}
	}

	if context != "" {
		messages = append(messages, ChatMessage{
			Role: model.RoleSystem,
			Content: "Here is relevant information from the user's memory:\n\n" + context +
				"\n\nPlease answer the following question based on this information.",
		})
	} else {
		messages = append(messages, ChatMessage{
			Role:    model.RoleSystem,
			Content: "No relevant information found in user's memory. Provide a helpful response based on your general knowledge.",
		})
	}

	messages = append(messages, ChatMessage{Role: model.RoleUser, Content: query})

	total := 0
	for _, m := range messages {
		total += CountTokens(m.Content)
	}
	slog.Info("[CONTEXT-BUILDER] built prompt", "messages", len(messages), "tokens", total)
	return messages
}

// ExtractCitations scans a generated answer for "[Source N]" references and
// resolves each cited index back to the hit it came from (§4.6). Indices
// are 1-based in the answer text and 0-based against hits.
func ExtractCitations(answer string, hits []HierarchicalHit) []Citation {
	cited := make(map[int]bool)
	for _, match := range sourceCitationRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		cited[n-1] = true
	}

	indices := make([]int, 0, len(cited))
	for idx := range cited {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var citations []Citation
	for _, idx := range indices {
		if idx < 0 || idx >= len(hits) {
			continue
		}
		h := hits[idx]
		snippet := h.ChunkText
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		citations = append(citations, Citation{
			MemoryID:    h.MemoryID,
			ContentType: h.ContentType,
			Snippet:     snippet,
			Similarity:  h.Similarity,
		})
	}
	return citations
}

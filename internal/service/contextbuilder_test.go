package service

import (
	"strings"
	"testing"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

func TestBuildContext_DeduplicatesIdenticalChunks(t *testing.T) {
	b := NewContextBuilderService(0)
	hits := []HierarchicalHit{
		{ChunkText: "same text", ContentType: model.ContentText},
		{ChunkText: "same text", ContentType: model.ContentText},
		{ChunkText: "different text", ContentType: model.ContentText},
	}

	got := b.BuildContext(hits)
	if strings.Count(got, "[Source") != 2 {
		t.Errorf("BuildContext() included %d sources, want 2 after dedup", strings.Count(got, "[Source"))
	}
}

func TestBuildContext_SkipsEmptyChunkText(t *testing.T) {
	b := NewContextBuilderService(0)
	hits := []HierarchicalHit{{ChunkText: "", ContentType: model.ContentText}}

	if got := b.BuildContext(hits); got != "" {
		t.Errorf("BuildContext() = %q, want empty for all-blank hits", got)
	}
}

func TestBuildContext_StopsAtTokenBudget(t *testing.T) {
	b := NewContextBuilderService(1) // ~4 chars worth of budget
	hits := []HierarchicalHit{
		{ChunkText: strings.Repeat("a", 4000), ContentType: model.ContentText},
		{ChunkText: "second chunk", ContentType: model.ContentText},
	}

	got := b.BuildContext(hits)
	if strings.Contains(got, "second chunk") {
		t.Error("BuildContext() should stop once the token budget is exhausted")
	}
}

func TestFormatSourceBlock_ImageHasText(t *testing.T) {
	h := HierarchicalHit{
		ContentType: model.ContentImage,
		ChunkText:   "a photo",
		Meta:        []byte(`{"has_text": true}`),
	}
	got := formatSourceBlock(h, 1)
	if !strings.Contains(got, "Image with extracted text") {
		t.Errorf("formatSourceBlock() = %q, want image has_text hint", got)
	}
}

func TestFormatSourceBlock_ImageWithoutText(t *testing.T) {
	h := HierarchicalHit{
		ContentType: model.ContentImage,
		ChunkText:   "a photo",
		Meta:        []byte(`{"has_text": false}`),
	}
	got := formatSourceBlock(h, 1)
	if strings.Contains(got, "Image with extracted text") {
		t.Errorf("formatSourceBlock() = %q, should not add hint when has_text is false", got)
	}
}

func TestFormatSourceBlock_PDFPageCount(t *testing.T) {
	h := HierarchicalHit{
		ContentType: model.ContentPDF,
		ChunkText:   "pdf body",
		Meta:        []byte(`{"page_count": 12}`),
	}
	got := formatSourceBlock(h, 1)
	if !strings.Contains(got, "Pages: 12") {
		t.Errorf("formatSourceBlock() = %q, want 'Pages: 12'", got)
	}
}

func TestFormatSourceBlock_AudioDuration(t *testing.T) {
	h := HierarchicalHit{
		ContentType: model.ContentAudio,
		ChunkText:   "transcript",
		Meta:        []byte(`{"duration_seconds": 42.5}`),
	}
	got := formatSourceBlock(h, 1)
	if !strings.Contains(got, "Duration: 42.5s") {
		t.Errorf("formatSourceBlock() = %q, want 'Duration: 42.5s'", got)
	}
}

func TestFormatSourceBlock_NoMetaNoHint(t *testing.T) {
	h := HierarchicalHit{ContentType: model.ContentPDF, ChunkText: "pdf body"}
	got := formatSourceBlock(h, 1)
	if strings.Contains(got, "Pages:") {
		t.Errorf("formatSourceBlock() = %q, should not add a hint with no metadata", got)
	}
}

func TestFormatSourceBlock_SummaryFallsBackToSummaryType(t *testing.T) {
	h := HierarchicalHit{ChunkText: "a summary"}
	got := formatSourceBlock(h, 1)
	if !strings.Contains(got, "Type: summary") {
		t.Errorf("formatSourceBlock() = %q, want 'Type: summary' for empty content type", got)
	}
}

func TestBuildPrompt_TruncatesHistoryToLastSix(t *testing.T) {
	b := NewContextBuilderService(0)
	history := make([]ChatMessage, 10)
	for i := range history {
		history[i] = ChatMessage{Role: model.RoleUser, Content: "turn"}
	}

	messages := b.BuildPrompt("question", "", history, "")
	// system + 6 history + fallback-context + user query = 9
	if len(messages) != 9 {
		t.Errorf("len(messages) = %d, want 9", len(messages))
	}
}

func TestBuildPrompt_NoContextUsesFallback(t *testing.T) {
	b := NewContextBuilderService(0)
	messages := b.BuildPrompt("question", "", nil, "")

	found := false
	for _, m := range messages {
		if strings.Contains(m.Content, "No relevant information found") {
			found = true
		}
	}
	if !found {
		t.Error("expected fallback message when context is empty")
	}
}

func TestBuildPrompt_WithContextReferencesMemory(t *testing.T) {
	b := NewContextBuilderService(0)
	messages := b.BuildPrompt("question", "some context", nil, "")

	found := false
	for _, m := range messages {
		if strings.Contains(m.Content, "some context") {
			found = true
		}
	}
	if !found {
		t.Error("expected context to be embedded in a message")
	}
}

func TestExtractCitations_ResolvesSourceIndices(t *testing.T) {
	hits := []HierarchicalHit{
		{MemoryID: "m1", ChunkText: "first chunk text", Similarity: 0.9, CreatedAt: time.Now()},
		{MemoryID: "m2", ChunkText: "second chunk text", Similarity: 0.8, CreatedAt: time.Now()},
	}
	answer := "The answer cites [Source 1] and [Source 2]."

	citations := ExtractCitations(answer, hits)
	if len(citations) != 2 {
		t.Fatalf("len(citations) = %d, want 2", len(citations))
	}
	if citations[0].MemoryID != "m1" || citations[1].MemoryID != "m2" {
		t.Errorf("citations = %+v, want m1 then m2 in order", citations)
	}
}

func TestExtractCitations_IgnoresOutOfRangeIndices(t *testing.T) {
	hits := []HierarchicalHit{{MemoryID: "m1", ChunkText: "only one"}}
	answer := "Cites [Source 1] and an invalid [Source 5]."

	citations := ExtractCitations(answer, hits)
	if len(citations) != 1 {
		t.Errorf("len(citations) = %d, want 1 (out-of-range index dropped)", len(citations))
	}
}

func TestExtractCitations_NoneCited(t *testing.T) {
	hits := []HierarchicalHit{{MemoryID: "m1", ChunkText: "x"}}
	if got := ExtractCitations("no citations here", hits); len(got) != 0 {
		t.Errorf("len(citations) = %d, want 0", len(got))
	}
}

func TestCountTokens_Approximation(t *testing.T) {
	if got := CountTokens("abcd"); got != 1 {
		t.Errorf("CountTokens(4 chars) = %d, want 1", got)
	}
}

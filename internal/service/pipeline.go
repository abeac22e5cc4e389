package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

var (
	processingMu sync.Mutex
	processing   = make(map[string]bool)
)

// Parser abstracts source text extraction (PDF/Document AI/native text).
type Parser interface {
	Extract(ctx context.Context, gcsURI string) (*ParseResult, error)
}

// Redactor abstracts an optional, non-fatal PII/PHI scan over ingested text.
type Redactor interface {
	Scan(ctx context.Context, text string) (*ScanResult, error)
}

// Embedder abstracts chunk embedding and persistence (component A).
type Embedder interface {
	EmbedAndStore(ctx context.Context, memoryID string, chunks []Chunk) error
}

// Classifier abstracts memory_type classification and importance scoring
// (component E, §4.4.1/§4.4.2).
type Classifier interface {
	Classify(ctx context.Context, mem *model.Memory) (model.MemoryType, error)
	ScoreImportance(ctx context.Context, mem *model.Memory) (int, error)
}

// MemoryRepository abstracts persistence of a Memory row (component D).
type MemoryRepository interface {
	Create(ctx context.Context, mem *model.Memory) error
	SetMemoryType(ctx context.Context, id string, mt model.MemoryType) error
	SetImportance(ctx context.Context, id string, importance int) error
}

// AuditLogger abstracts audit logging.
type AuditLogger interface {
	Log(ctx context.Context, action, userID, resourceID, resourceType string) error
}

// PipelineService implements the Ingestion Coordinator (component J):
// parse (optional) → scan PII (optional, non-fatal) → chunk → classify →
// create the memory row → embed+store chunks → score + persist importance →
// audit. The memory row is written before embedding and is not removed when
// embedding fails.
type PipelineService struct {
	memRepo    MemoryRepository
	parser     Parser
	redactor   Redactor
	chunker    Chunker
	embedder   Embedder
	classifier Classifier
	audit      AuditLogger
	bucketName string
}

// NewPipelineService creates a PipelineService with all required dependencies.
func NewPipelineService(
	memRepo MemoryRepository,
	parser Parser,
	redactor Redactor,
	chunker Chunker,
	embedder Embedder,
	classifier Classifier,
	audit AuditLogger,
	bucketName string,
) *PipelineService {
	return &PipelineService{
		memRepo:    memRepo,
		parser:     parser,
		redactor:   redactor,
		chunker:    chunker,
		embedder:   embedder,
		classifier: classifier,
		audit:      audit,
		bucketName: bucketName,
	}
}

// guard returns false if memoryID is already being processed, else marks it
// processing and returns a release func.
func guard(memoryID string) (func(), bool) {
	processingMu.Lock()
	defer processingMu.Unlock()
	if processing[memoryID] {
		return nil, false
	}
	processing[memoryID] = true
	return func() {
		processingMu.Lock()
		delete(processing, memoryID)
		processingMu.Unlock()
	}, true
}

// IngestBlob runs the full pipeline for a memory whose content lives in blob
// storage (pdf/image/audio) and must first be parsed out via Document AI or
// a native extractor.
func (s *PipelineService) IngestBlob(ctx context.Context, mem *model.Memory) error {
	release, ok := guard(mem.ID)
	if !ok {
		return fmt.Errorf("pipeline.IngestBlob: memory %s is already being processed", mem.ID)
	}
	defer release()

	slog.Info("[INGEST] starting", "memory_id", mem.ID, "content_type", mem.ContentType)

	if mem.BlobRef == nil || *mem.BlobRef == "" {
		return fmt.Errorf("pipeline.IngestBlob: memory %s has no blob_ref", mem.ID)
	}
	gcsURI := fmt.Sprintf("gs://%s/%s", s.bucketName, *mem.BlobRef)

	parsed, err := s.parser.Extract(ctx, gcsURI)
	if err != nil {
		slog.Error("[INGEST] extraction failed", "memory_id", mem.ID, "error", err)
		return fmt.Errorf("pipeline.IngestBlob: parse: %w", err)
	}
	mem.Content = parsed.Text
	slog.Info("[INGEST] text extracted", "memory_id", mem.ID, "chars", len(parsed.Text), "pages", parsed.Pages)

	return s.process(ctx, mem)
}

// IngestText runs the pipeline for a memory whose content is already
// plaintext (typed notes, web scrape, voice transcript) — skips parsing.
func (s *PipelineService) IngestText(ctx context.Context, mem *model.Memory) error {
	release, ok := guard(mem.ID)
	if !ok {
		return fmt.Errorf("pipeline.IngestText: memory %s is already being processed", mem.ID)
	}
	defer release()

	slog.Info("[INGEST] starting (text)", "memory_id", mem.ID, "content_type", mem.ContentType)

	if mem.Content == "" {
		return fmt.Errorf("pipeline.IngestText: memory %s has no content", mem.ID)
	}

	return s.process(ctx, mem)
}

// process runs the shared middle of the pipeline: optional PII scan, chunk,
// classify, create the memory row, embed+store chunks, score and persist
// importance.
func (s *PipelineService) process(ctx context.Context, mem *model.Memory) error {
	if s.redactor != nil {
		if scan, err := s.redactor.Scan(ctx, mem.Content); err != nil {
			slog.Warn("[INGEST] PII scan failed, continuing", "memory_id", mem.ID, "error", err)
		} else if scan.FindingCount > 0 {
			slog.Info("[INGEST] PII findings detected", "memory_id", mem.ID, "count", scan.FindingCount, "types", scan.Types)
		}
	}

	slog.Info("[INGEST] chunking", "memory_id", mem.ID, "chars", len(mem.Content))
	chunks, err := s.chunker.Chunk(ctx, mem.Content, mem.ID)
	if err != nil {
		slog.Error("[INGEST] chunking failed", "memory_id", mem.ID, "error", err)
		return fmt.Errorf("pipeline.process: chunk: %w", err)
	}
	slog.Info("[INGEST] chunks created", "memory_id", mem.ID, "chunk_count", len(chunks))

	mt, err := s.classifier.Classify(ctx, mem)
	if err != nil {
		slog.Error("[INGEST] classification failed", "memory_id", mem.ID, "error", err)
		return fmt.Errorf("pipeline.process: classify: %w", err)
	}
	mem.MemoryType = mt

	if err := s.memRepo.Create(ctx, mem); err != nil {
		slog.Error("[INGEST] memory row create failed", "memory_id", mem.ID, "error", err)
		return fmt.Errorf("pipeline.process: create memory: %w", err)
	}

	if err := s.embedder.EmbedAndStore(ctx, mem.ID, chunks); err != nil {
		slog.Error("[INGEST] embedding failed", "memory_id", mem.ID, "error", err)
		return fmt.Errorf("pipeline.process: embed: %w", err)
	}
	slog.Info("[INGEST] embeddings stored", "memory_id", mem.ID)

	importance, err := s.classifier.ScoreImportance(ctx, mem)
	if err != nil {
		slog.Warn("[INGEST] importance scoring failed, defaulting to 0", "memory_id", mem.ID, "error", err)
		importance = 0
	}
	if err := s.memRepo.SetImportance(ctx, mem.ID, importance); err != nil {
		slog.Warn("[INGEST] failed to persist importance", "memory_id", mem.ID, "error", err)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "memory.ingest", mem.UserID, mem.ID, "memory"); err != nil {
			slog.Warn("[INGEST] audit log failed", "memory_id", mem.ID, "error", err)
		}
	}

	slog.Info("[INGEST] completed", "memory_id", mem.ID, "memory_type", mt, "chunk_count", len(chunks), "importance", importance)
	return nil
}

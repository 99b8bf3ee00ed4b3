package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/domain"
	"finrag/internal/metrics"
	"finrag/internal/port"
)

// Invalidator is notified after every index write.
type Invalidator interface {
	Invalidate()
}

// IndexUseCase turns ingestion records into stored chunks. Writes are
// serialized: corpus statistics have a single writer.
type IndexUseCase struct {
	store      port.ChunkStore
	normalizer port.Normalizer
	chunker    port.Chunker
	embedder   port.Embedder
	tokenizer  *analyzer.Tokenizer
	walker     port.FileWalker
	loader     port.DocumentLoader
	cache      Invalidator
	logger     *zap.Logger

	mu sync.Mutex
}

// IndexDeps groups the collaborators of an IndexUseCase.
type IndexDeps struct {
	Store      port.ChunkStore
	Normalizer port.Normalizer
	Chunker    port.Chunker
	Embedder   port.Embedder
	Tokenizer  *analyzer.Tokenizer
	Walker     port.FileWalker
	Loader     port.DocumentLoader
	Cache      Invalidator
	Logger     *zap.Logger
}

// NewIndexUseCase creates a new index use case.
func NewIndexUseCase(d IndexDeps) *IndexUseCase {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexUseCase{
		store:      d.Store,
		normalizer: d.Normalizer,
		chunker:    d.Chunker,
		embedder:   d.Embedder,
		tokenizer:  d.Tokenizer,
		walker:     d.Walker,
		loader:     d.Loader,
		cache:      d.Cache,
		logger:     logger.Named("index"),
	}
}

// DocumentFailure records why one document or file was not indexed.
type DocumentFailure struct {
	Source     string `json:"source,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Reason     string `json:"reason"`
}

// IndexResult contains the results of an indexing operation.
type IndexResult struct {
	DocumentsIndexed int               `json:"documents_indexed"`
	DocumentsDeleted int               `json:"documents_deleted"`
	ChunksCreated    int               `json:"chunks_created"`
	Failures         []DocumentFailure `json:"failures,omitempty"`
}

// Progress is called after each document with the number done and the total.
type Progress func(done, total int)

// Index embeds and stores chunks, overwriting any chunk with the same id.
func (u *IndexUseCase) Index(ctx context.Context, chunks []domain.Chunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.ensureVersion(ctx); err != nil {
		return err
	}
	if err := u.represent(ctx, chunks); err != nil {
		return err
	}
	if err := u.store.UpsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	u.written(len(chunks))
	return nil
}

// IngestDocument normalizes, chunks and indexes one record, atomically
// replacing any previous version of the document. It returns the document id
// and the number of chunks written.
func (u *IndexUseCase) IngestDocument(ctx context.Context, raw domain.RawDocument) (string, int, error) {
	doc, err := u.normalizer.Normalize(raw)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("malformed").Inc()
		id := raw.ID
		var malformed *domain.MalformedDocumentError
		if errors.As(err, &malformed) {
			id = malformed.DocumentID
		}
		return id, 0, err
	}
	chunks, err := u.chunker.Chunk(doc)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues("malformed").Inc()
		return doc.ID, 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.ensureVersion(ctx); err != nil {
		return doc.ID, 0, err
	}
	if err := u.represent(ctx, chunks); err != nil {
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return doc.ID, 0, err
	}
	if err := u.store.ReplaceDocument(ctx, doc.ID, chunks); err != nil {
		metrics.DocumentsIngested.WithLabelValues("error").Inc()
		return doc.ID, 0, fmt.Errorf("replace document %s: %w", doc.ID, err)
	}
	u.written(len(chunks))
	metrics.DocumentsIngested.WithLabelValues("indexed").Inc()

	u.logger.Debug("document indexed",
		zap.String("doc_id", doc.ID),
		zap.String("ticker", doc.Ticker),
		zap.Int("sections", len(doc.Sections)),
		zap.Int("chunks", len(chunks)),
	)
	return doc.ID, len(chunks), nil
}

// IngestAll ingests every record. A malformed document or a failing
// embedding call is recorded and skipped; an embedding version mismatch or
// cancellation stops the run.
func (u *IndexUseCase) IngestAll(ctx context.Context, raws []domain.RawDocument, progress Progress) (*IndexResult, error) {
	result := &IndexResult{}
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := u.ingestOne(ctx, raw, "", result); err != nil {
			return result, err
		}
		if progress != nil {
			progress(i+1, len(raws))
		}
	}
	return result, nil
}

// IndexDir loads every matching file under root and ingests its records.
// With prune set, documents no longer present in any file are deleted.
func (u *IndexUseCase) IndexDir(ctx context.Context, root string, prune bool, progress Progress) (*IndexResult, error) {
	files, err := u.walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	result := &IndexResult{}
	seen := make(map[string]bool)
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		raws, err := u.loader.Load(f.Path)
		if err != nil {
			result.Failures = append(result.Failures, DocumentFailure{Source: f.Path, Reason: err.Error()})
			u.logger.Warn("skipping file", zap.String("path", f.Path), zap.Error(err))
		}
		for _, raw := range raws {
			docID, err := u.ingestOne(ctx, raw, f.Path, result)
			if err != nil {
				return result, err
			}
			if docID != "" {
				seen[docID] = true
			}
		}
		if progress != nil {
			progress(i+1, len(files))
		}
	}

	if prune {
		if err := u.prune(ctx, seen, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (u *IndexUseCase) ingestOne(ctx context.Context, raw domain.RawDocument, source string, result *IndexResult) (string, error) {
	docID, n, err := u.IngestDocument(ctx, raw)
	switch {
	case err == nil:
		result.DocumentsIndexed++
		result.ChunksCreated += n
		return docID, nil
	case errors.Is(err, domain.ErrEmbeddingVersionMismatch), ctx.Err() != nil:
		return docID, err
	default:
		result.Failures = append(result.Failures, DocumentFailure{Source: source, DocumentID: docID, Reason: err.Error()})
		u.logger.Warn("document not indexed", zap.String("doc_id", docID), zap.String("source", source), zap.Error(err))
		return docID, nil
	}
}

func (u *IndexUseCase) prune(ctx context.Context, seen map[string]bool, result *IndexResult) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids, err := u.store.DocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if err := u.store.DeleteDocument(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		result.DocumentsDeleted++
	}
	if result.DocumentsDeleted > 0 {
		u.written(0)
	}
	return nil
}

// ensureVersion stamps an empty store with the embedder version and rejects
// a store built with a different one.
func (u *IndexUseCase) ensureVersion(ctx context.Context) error {
	want := u.embedder.Version()
	stored, err := u.store.EmbeddingVersion(ctx)
	if err != nil {
		return fmt.Errorf("read embedding version: %w", err)
	}
	switch stored {
	case want:
		return nil
	case "":
		return u.store.SetEmbeddingVersion(ctx, want)
	default:
		return &domain.EmbeddingVersionMismatchError{Stored: stored, Requested: want}
	}
}

// represent fills each chunk's dense vector and sparse signature.
func (u *IndexUseCase) represent(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := u.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}
	dim := u.embedder.Dimension()
	for i := range chunks {
		if len(vecs[i]) != dim {
			return fmt.Errorf("chunk %s: vector dimension %d, want %d", chunks[i].ID, len(vecs[i]), dim)
		}
		chunks[i].Vector = vecs[i]
		chunks[i].Terms = u.tokenizer.TermFrequencies(chunks[i].Text)
	}
	return nil
}

func (u *IndexUseCase) written(chunks int) {
	metrics.ChunksIndexed.Add(float64(chunks))
	if u.cache != nil {
		u.cache.Invalidate()
	}
}

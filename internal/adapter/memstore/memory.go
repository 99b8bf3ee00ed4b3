// Package memstore is an in-memory port.ChunkStore for tests and ephemeral runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/adapter/store"
	"finrag/internal/domain"
)

type MemoryStore struct {
	mu        sync.RWMutex
	bm25      analyzer.BM25
	chunks    map[string]domain.Chunk
	docChunks map[string][]string
	postings  map[string]map[string]int
	stats     domain.Stats
	version   string
	gen       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bm25:      analyzer.DefaultBM25(),
		chunks:    make(map[string]domain.Chunk),
		docChunks: make(map[string][]string),
		postings:  make(map[string]map[string]int),
	}
}

func (s *MemoryStore) ReplaceDocument(ctx context.Context, docID string, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("%w: chunk %s belongs to %s, not %s", domain.ErrInvalidInput, c.ID, c.DocumentID, docID)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.docChunks[docID]; len(old) > 0 {
		for _, id := range old {
			s.remove(id)
		}
		s.stats.TotalDocs--
	}
	delete(s.docChunks, docID)

	for _, c := range chunks {
		s.put(c)
	}
	if len(chunks) > 0 {
		s.stats.TotalDocs++
	}
	s.finish()
	return nil
}

func (s *MemoryStore) UpsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if len(s.docChunks[c.DocumentID]) == 0 {
			s.stats.TotalDocs++
		}
		s.put(c)
	}
	s.finish()
	return nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, docID string) error {
	return s.ReplaceDocument(ctx, docID, nil)
}

func (s *MemoryStore) put(c domain.Chunk) {
	if _, exists := s.chunks[c.ID]; exists {
		s.remove(c.ID)
	}
	s.chunks[c.ID] = c
	s.docChunks[c.DocumentID] = append(s.docChunks[c.DocumentID], c.ID)
	for term, tf := range c.Terms {
		p := s.postings[term]
		if p == nil {
			p = make(map[string]int)
			s.postings[term] = p
		}
		p[c.ID] = tf
	}
	s.stats.TotalChunks++
	s.stats.TotalTokens += int64(c.TokenCount)
}

func (s *MemoryStore) remove(id string) {
	c, ok := s.chunks[id]
	if !ok {
		return
	}
	for term := range c.Terms {
		delete(s.postings[term], id)
		if len(s.postings[term]) == 0 {
			delete(s.postings, term)
		}
	}
	ids := s.docChunks[c.DocumentID]
	for i, other := range ids {
		if other == id {
			s.docChunks[c.DocumentID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	delete(s.chunks, id)
	s.stats.TotalChunks--
	s.stats.TotalTokens -= int64(c.TokenCount)
}

func (s *MemoryStore) finish() {
	s.stats.AvgChunkLen = store.AverageLength(s.stats)
	s.gen++
}

func (s *MemoryStore) GetChunk(ctx context.Context, id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	return chunk, nil
}

func (s *MemoryStore) GetChunks(ctx context.Context, ids []string) ([]domain.Chunk, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, s.gen, nil
}

func (s *MemoryStore) ChunksByDocument(ctx context.Context, docID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := make([]domain.Chunk, 0, len(s.docChunks[docID]))
	for _, id := range s.docChunks[docID] {
		chunks = append(chunks, s.chunks[id])
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, nil
}

func (s *MemoryStore) DenseSearch(ctx context.Context, vector []float32, k int, filters domain.Filters) ([]domain.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make(map[string]float64)
	for id, c := range s.chunks {
		if len(c.Vector) == 0 || !filters.Match(c.Ticker, c.Type, c.PublishedAt) {
			continue
		}
		scores[id] = domain.Cosine(vector, c.Vector)
	}
	return store.RankTop(scores, k), nil
}

func (s *MemoryStore) SparseSearch(ctx context.Context, terms []string, k int, filters domain.Filters) ([]domain.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make(map[string]float64)
	for _, term := range store.UniqueTerms(terms) {
		postings := s.postings[term]
		idf := s.bm25.IDF(len(postings), s.stats.TotalChunks)
		for id, tf := range postings {
			c := s.chunks[id]
			if !filters.Match(c.Ticker, c.Type, c.PublishedAt) {
				continue
			}
			scores[id] += s.bm25.TermScore(tf, float64(c.TokenCount), s.stats.AvgChunkLen, idf)
		}
	}
	return store.RankTop(scores, k), nil
}

func (s *MemoryStore) Count(ctx context.Context, filters domain.Filters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		if filters.Match(c.Ticker, c.Type, c.PublishedAt) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

func (s *MemoryStore) EmbeddingVersion(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemoryStore) SetEmbeddingVersion(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	return nil
}

func (s *MemoryStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *MemoryStore) DocumentIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docChunks))
	for id := range s.docChunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

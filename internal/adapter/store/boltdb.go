package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"finrag/internal/adapter/analyzer"
	"finrag/internal/domain"
)

var (
	bucketChunks    = []byte("chunks")
	bucketVectors   = []byte("vectors")
	bucketTerms     = []byte("terms")
	bucketDocChunks = []byte("doc_chunks")
	bucketMeta      = []byte("meta")

	keyStats            = []byte("corpus_stats")
	keyGeneration       = []byte("generation")
	keyEmbeddingVersion = []byte("embedding_version")
)

// BoltStore is a bbolt-backed port.ChunkStore. Chunk metadata and vectors are
// mirrored in memory for brute-force dense search; postings stay on disk.
// A single RW lock spans each write transaction and the mirror update, so a
// reader sees a document either entirely before or entirely after a replace.
type BoltStore struct {
	db     *bbolt.DB
	bm25   analyzer.BM25
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	gen     atomic.Uint64
}

type entry struct {
	docID     string
	ticker    string
	docType   domain.DocumentType
	published time.Time
	tokens    int
	vector    []float32
}

func (e *entry) match(f domain.Filters) bool {
	return f.Match(e.ticker, e.docType, e.published)
}

type chunkRecord struct {
	DocID       string         `json:"doc_id"`
	Seq         int            `json:"seq"`
	Text        string         `json:"text"`
	TokenCount  int            `json:"token_count"`
	Section     string         `json:"section"`
	Start       int            `json:"start"`
	End         int            `json:"end"`
	Ticker      string         `json:"ticker"`
	Type        string         `json:"type"`
	PublishedAt int64          `json:"published_at"`
	Terms       map[string]int `json:"terms"`
}

type storedVector struct {
	Vector []float32 `json:"v"`
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithBM25 sets lexical scoring parameters.
func WithBM25(p analyzer.BM25) Option {
	return func(s *BoltStore) { s.bm25 = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *BoltStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewBoltStore opens (or creates) the store at path and loads the search mirror.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketVectors, bucketTerms, bucketDocChunks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:      db,
		bm25:    analyzer.DefaultBM25(),
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load chunk mirror: %w", err)
	}
	s.logger.Debug("chunk store opened", zap.String("path", path), zap.Int("chunks", len(s.entries)))
	return s, nil
}

func (s *BoltStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		vectors := tx.Bucket(bucketVectors)
		if g := tx.Bucket(bucketMeta).Get(keyGeneration); len(g) == 8 {
			s.gen.Store(binary.BigEndian.Uint64(g))
		}
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var rec chunkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping corrupt chunk record", zap.ByteString("chunk_id", k), zap.Error(err))
				return nil
			}
			e := newEntry(rec)
			if data := vectors.Get(k); data != nil {
				var sv storedVector
				if err := json.Unmarshal(data, &sv); err == nil {
					e.vector = sv.Vector
				}
			}
			s.entries[string(k)] = e
			return nil
		})
	})
}

func newEntry(rec chunkRecord) *entry {
	return &entry{
		docID:     rec.DocID,
		ticker:    rec.Ticker,
		docType:   domain.DocumentType(rec.Type),
		published: time.Unix(rec.PublishedAt, 0).UTC(),
		tokens:    rec.TokenCount,
	}
}

func toRecord(c domain.Chunk) chunkRecord {
	return chunkRecord{
		DocID:       c.DocumentID,
		Seq:         c.Seq,
		Text:        c.Text,
		TokenCount:  c.TokenCount,
		Section:     c.Section,
		Start:       c.Start,
		End:         c.End,
		Ticker:      c.Ticker,
		Type:        string(c.Type),
		PublishedAt: c.PublishedAt.Unix(),
		Terms:       c.Terms,
	}
}

func fromRecord(id string, rec chunkRecord, vector []float32) domain.Chunk {
	return domain.Chunk{
		ID:          id,
		DocumentID:  rec.DocID,
		Seq:         rec.Seq,
		Text:        rec.Text,
		TokenCount:  rec.TokenCount,
		Section:     rec.Section,
		Start:       rec.Start,
		End:         rec.End,
		Ticker:      rec.Ticker,
		Type:        domain.DocumentType(rec.Type),
		PublishedAt: time.Unix(rec.PublishedAt, 0).UTC(),
		Vector:      vector,
		Terms:       rec.Terms,
	}
}

// mirrorOp is a pending change to the in-memory mirror, applied after commit.
type mirrorOp struct {
	remove []string
	add    map[string]*entry
}

// ReplaceDocument atomically swaps every chunk of docID for chunks.
func (s *BoltStore) ReplaceDocument(ctx context.Context, docID string, chunks []domain.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("%w: chunk %s belongs to %s, not %s", domain.ErrInvalidInput, c.ID, c.DocumentID, docID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := mirrorOp{add: make(map[string]*entry, len(chunks))}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stats, err := readStats(tx)
		if err != nil {
			return err
		}
		oldIDs, err := docChunkIDs(tx, docID)
		if err != nil {
			return err
		}
		for _, id := range oldIDs {
			if err := removeChunk(tx, id, &stats); err != nil {
				return err
			}
			op.remove = append(op.remove, id)
		}
		if len(oldIDs) > 0 {
			stats.TotalDocs--
		}

		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			e, err := putChunk(tx, c, &stats)
			if err != nil {
				return err
			}
			op.add[c.ID] = e
			ids = append(ids, c.ID)
		}
		if len(ids) > 0 {
			stats.TotalDocs++
			if err := putDocChunkIDs(tx, docID, ids); err != nil {
				return err
			}
		} else if err := tx.Bucket(bucketDocChunks).Delete([]byte(docID)); err != nil {
			return err
		}
		return s.finishWrite(tx, stats)
	})
	if err != nil {
		return fmt.Errorf("replace document %s: %w", docID, err)
	}

	s.apply(op)
	s.logger.Debug("document replaced", zap.String("doc_id", docID), zap.Int("removed", len(op.remove)), zap.Int("added", len(chunks)))
	return nil
}

// UpsertChunks writes chunks by id, overwriting existing ones.
func (s *BoltStore) UpsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := mirrorOp{add: make(map[string]*entry, len(chunks))}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stats, err := readStats(tx)
		if err != nil {
			return err
		}
		docIDs := make(map[string][]string)
		for _, c := range chunks {
			ids, ok := docIDs[c.DocumentID]
			if !ok {
				if ids, err = docChunkIDs(tx, c.DocumentID); err != nil {
					return err
				}
				if len(ids) == 0 {
					stats.TotalDocs++
				}
			}
			if tx.Bucket(bucketChunks).Get([]byte(c.ID)) == nil {
				ids = append(ids, c.ID)
			}
			docIDs[c.DocumentID] = ids

			e, err := putChunk(tx, c, &stats)
			if err != nil {
				return err
			}
			op.add[c.ID] = e
		}
		for docID, ids := range docIDs {
			if err := putDocChunkIDs(tx, docID, ids); err != nil {
				return err
			}
		}
		return s.finishWrite(tx, stats)
	})
	if err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}

	s.apply(op)
	return nil
}

// DeleteDocument removes every chunk of docID.
func (s *BoltStore) DeleteDocument(ctx context.Context, docID string) error {
	return s.ReplaceDocument(ctx, docID, nil)
}

func (s *BoltStore) apply(op mirrorOp) {
	for _, id := range op.remove {
		delete(s.entries, id)
	}
	for id, e := range op.add {
		s.entries[id] = e
	}
}

func (s *BoltStore) finishWrite(tx *bbolt.Tx, stats domain.Stats) error {
	stats.AvgChunkLen = AverageLength(stats)
	if err := writeStats(tx, stats); err != nil {
		return err
	}
	next := s.gen.Load() + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := tx.Bucket(bucketMeta).Put(keyGeneration, buf); err != nil {
		return err
	}
	tx.OnCommit(func() { s.gen.Store(next) })
	return nil
}

// putChunk writes c, first retiring any chunk stored under the same id.
func putChunk(tx *bbolt.Tx, c domain.Chunk, stats *domain.Stats) (*entry, error) {
	if err := removeChunk(tx, c.ID, stats); err != nil {
		return nil, err
	}
	rec := toRecord(c)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketChunks).Put([]byte(c.ID), data); err != nil {
		return nil, err
	}
	if len(c.Vector) > 0 {
		vdata, err := json.Marshal(storedVector{Vector: c.Vector})
		if err != nil {
			return nil, err
		}
		if err := tx.Bucket(bucketVectors).Put([]byte(c.ID), vdata); err != nil {
			return nil, err
		}
	}
	terms := tx.Bucket(bucketTerms)
	for term, tf := range c.Terms {
		if err := addPosting(terms, term, c.ID, tf); err != nil {
			return nil, err
		}
	}
	stats.TotalChunks++
	stats.TotalTokens += int64(c.TokenCount)

	e := newEntry(rec)
	e.vector = c.Vector
	return e, nil
}

func removeChunk(tx *bbolt.Tx, id string, stats *domain.Stats) error {
	chunks := tx.Bucket(bucketChunks)
	data := chunks.Get([]byte(id))
	if data == nil {
		return nil
	}
	var rec chunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode chunk %s: %w", id, err)
	}
	terms := tx.Bucket(bucketTerms)
	for term := range rec.Terms {
		if err := removePosting(terms, term, id); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketVectors).Delete([]byte(id)); err != nil {
		return err
	}
	if err := chunks.Delete([]byte(id)); err != nil {
		return err
	}
	stats.TotalChunks--
	stats.TotalTokens -= int64(rec.TokenCount)
	return nil
}

func addPosting(b *bbolt.Bucket, term, chunkID string, tf int) error {
	postings, err := decodePostings(b.Get([]byte(term)))
	if err != nil {
		return err
	}
	found := false
	for i := range postings {
		if postings[i].ChunkID == chunkID {
			postings[i].TF = tf
			found = true
			break
		}
	}
	if !found {
		postings = append(postings, domain.Posting{ChunkID: chunkID, TF: tf})
	}
	data, err := json.Marshal(postings)
	if err != nil {
		return err
	}
	return b.Put([]byte(term), data)
}

func removePosting(b *bbolt.Bucket, term, chunkID string) error {
	postings, err := decodePostings(b.Get([]byte(term)))
	if err != nil {
		return err
	}
	filtered := postings[:0]
	for _, p := range postings {
		if p.ChunkID != chunkID {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return b.Delete([]byte(term))
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return b.Put([]byte(term), data)
}

func decodePostings(data []byte) ([]domain.Posting, error) {
	if data == nil {
		return nil, nil
	}
	var postings []domain.Posting
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, fmt.Errorf("decode postings: %w", err)
	}
	return postings, nil
}

func docChunkIDs(tx *bbolt.Tx, docID string) ([]string, error) {
	data := tx.Bucket(bucketDocChunks).Get([]byte(docID))
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode chunk list of %s: %w", docID, err)
	}
	return ids, nil
}

func putDocChunkIDs(tx *bbolt.Tx, docID string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDocChunks).Put([]byte(docID), data)
}

func readStats(tx *bbolt.Tx) (domain.Stats, error) {
	var stats domain.Stats
	data := tx.Bucket(bucketMeta).Get(keyStats)
	if data == nil {
		return stats, nil
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("decode corpus stats: %w", err)
	}
	return stats, nil
}

func writeStats(tx *bbolt.Tx, stats domain.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(keyStats, data)
}

// GetChunk returns a chunk with its text and vector.
func (s *BoltStore) GetChunk(ctx context.Context, id string) (domain.Chunk, error) {
	var chunk domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		chunk, err = readChunk(tx, id)
		return err
	})
	return chunk, err
}

// GetChunks reads ids in a single transaction while holding off writers.
func (s *BoltStore) GetChunks(ctx context.Context, ids []string) ([]domain.Chunk, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := make([]domain.Chunk, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			c, err := readChunk(tx, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return chunks, s.gen.Load(), nil
}

func readChunk(tx *bbolt.Tx, id string) (domain.Chunk, error) {
	data := tx.Bucket(bucketChunks).Get([]byte(id))
	if data == nil {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	var rec chunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Chunk{}, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	var vector []float32
	if vdata := tx.Bucket(bucketVectors).Get([]byte(id)); vdata != nil {
		var sv storedVector
		if err := json.Unmarshal(vdata, &sv); err == nil {
			vector = sv.Vector
		}
	}
	return fromRecord(id, rec, vector), nil
}

// ChunksByDocument returns a document's chunks in sequence order.
func (s *BoltStore) ChunksByDocument(ctx context.Context, docID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids, err := docChunkIDs(tx, docID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			c, err := readChunk(tx, id)
			if err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	return chunks, err
}

// DenseSearch scores every mirrored vector that passes filters by cosine similarity.
func (s *BoltStore) DenseSearch(ctx context.Context, vector []float32, k int, filters domain.Filters) ([]domain.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[string]float64)
	for id, e := range s.entries {
		if len(e.vector) == 0 || !e.match(filters) {
			continue
		}
		scores[id] = domain.Cosine(vector, e.vector)
	}
	return RankTop(scores, k), nil
}

// SparseSearch scores chunks passing filters by BM25 with corpus-wide document frequencies.
func (s *BoltStore) SparseSearch(ctx context.Context, terms []string, k int, filters domain.Filters) ([]domain.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms = UniqueTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[string]float64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats, err := readStats(tx)
		if err != nil {
			return err
		}
		if stats.TotalChunks == 0 {
			return nil
		}
		b := tx.Bucket(bucketTerms)
		for _, term := range terms {
			postings, err := decodePostings(b.Get([]byte(term)))
			if err != nil {
				return err
			}
			idf := s.bm25.IDF(len(postings), stats.TotalChunks)
			for _, p := range postings {
				e, ok := s.entries[p.ChunkID]
				if !ok || !e.match(filters) {
					continue
				}
				scores[p.ChunkID] += s.bm25.TermScore(p.TF, float64(e.tokens), stats.AvgChunkLen, idf)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return RankTop(scores, k), nil
}

// Count returns the number of chunks matching filters.
func (s *BoltStore) Count(ctx context.Context, filters domain.Filters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filters.IsZero() {
		return len(s.entries), nil
	}
	n := 0
	for _, e := range s.entries {
		if e.match(filters) {
			n++
		}
	}
	return n, nil
}

// Stats returns corpus-wide statistics.
func (s *BoltStore) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		stats, err = readStats(tx)
		return err
	})
	return stats, err
}

// EmbeddingVersion returns the embedding version recorded with the vectors.
func (s *BoltStore) EmbeddingVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.View(func(tx *bbolt.Tx) error {
		version = string(tx.Bucket(bucketMeta).Get(keyEmbeddingVersion))
		return nil
	})
	return version, err
}

// SetEmbeddingVersion records the embedding version.
func (s *BoltStore) SetEmbeddingVersion(ctx context.Context, version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyEmbeddingVersion, []byte(version))
	})
}

// Generation increases on every committed write.
func (s *BoltStore) Generation() uint64 {
	return s.gen.Load()
}

// DocumentIDs lists every indexed document id in key order.
func (s *BoltStore) DocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocChunks).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

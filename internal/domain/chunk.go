package domain

import (
	"fmt"
	"time"
)

// Chunk is the unit of retrieval. Created once at indexing time and never mutated.
type Chunk struct {
	ID          string
	DocumentID  string
	Seq         int
	Text        string
	TokenCount  int
	Section     string
	Start       int
	End         int
	Ticker      string
	Type        DocumentType
	PublishedAt time.Time
	Vector      []float32
	Terms       map[string]int
}

// ChunkID derives the stable chunk id from a document id and sequence index.
func ChunkID(docID string, seq int) string {
	return fmt.Sprintf("%s#%04d", docID, seq)
}

// Posting is one entry in a term's posting list.
type Posting struct {
	ChunkID string `json:"c"`
	TF      int    `json:"f"`
}

// Stats are corpus-wide statistics used for lexical scoring.
type Stats struct {
	TotalDocs   int     `json:"total_docs"`
	TotalChunks int     `json:"total_chunks"`
	TotalTokens int64   `json:"total_tokens"`
	AvgChunkLen float64 `json:"avg_chunk_len"`
}

// ScoredChunk is a chunk id paired with a single-list score.
type ScoredChunk struct {
	ChunkID string
	Score   float64
}

// RetrievalCandidate is a query-scoped fused result.
type RetrievalCandidate struct {
	ChunkID     string   `json:"chunk_id"`
	Chunk       Chunk    `json:"-"`
	DenseScore  float64  `json:"dense_score"`
	SparseScore float64  `json:"sparse_score"`
	FusedScore  float64  `json:"fused_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// EvidenceSet is the reranked, truncated candidates for one agent query.
type EvidenceSet struct {
	Query      string               `json:"query"`
	SubQuery   int                  `json:"sub_query"`
	Candidates []RetrievalCandidate `json:"candidates"`
	Unreranked bool                 `json:"unreranked"`
}

// Len returns the number of candidates.
func (e EvidenceSet) Len() int {
	return len(e.Candidates)
}

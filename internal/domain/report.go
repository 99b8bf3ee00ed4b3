package domain

// Confidence is the report-level confidence label.
type Confidence string

const (
	ConfidenceNormal Confidence = "normal"
	ConfidenceLow    Confidence = "low"
)

// UnsupportedTag marks a claim that cites no evidence.
const UnsupportedTag = "unsupported — model inference"

// ReportClaim is a text assertion with its supporting chunk ids.
// A claim either cites at least one chunk or has Unsupported set.
type ReportClaim struct {
	Text               string   `json:"text"`
	SupportingChunkIDs []string `json:"supporting_chunk_ids"`
	Unsupported        bool     `json:"unsupported"`
}

// NewClaim builds a claim from text and citations, tagging it unsupported
// when no citation survives deduplication.
func NewClaim(text string, chunkIDs []string) ReportClaim {
	seen := make(map[string]bool, len(chunkIDs))
	ids := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ReportClaim{
		Text:               text,
		SupportingChunkIDs: ids,
		Unsupported:        len(ids) == 0,
	}
}

// Report is the final output of a research run.
type Report struct {
	RunID       string        `json:"run_id"`
	Question    string        `json:"question"`
	Claims      []ReportClaim `json:"claims"`
	Confidence  Confidence    `json:"confidence"`
	Aborted     bool          `json:"aborted"`
	AbortReason string        `json:"abort_reason,omitempty"`
	Unreranked  bool          `json:"unreranked,omitempty"`
	SubQueries  []string      `json:"sub_queries,omitempty"`
	Rounds      int           `json:"rounds"`
}

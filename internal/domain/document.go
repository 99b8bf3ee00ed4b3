package domain

import "time"

// DocumentType classifies a source document.
type DocumentType string

const (
	DocFiling     DocumentType = "filing"
	DocTranscript DocumentType = "transcript"
	DocNews       DocumentType = "news"
)

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case DocFiling, DocTranscript, DocNews:
		return true
	}
	return false
}

// Format is the markup of a raw document body.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// RawDocument is a record handed over by an ingestion collaborator.
type RawDocument struct {
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Ticker      string       `json:"ticker" yaml:"ticker"`
	Type        DocumentType `json:"type" yaml:"type"`
	PublishedAt time.Time    `json:"published_at" yaml:"published_at"`
	Title       string       `json:"title,omitempty" yaml:"title,omitempty"`
	Format      Format       `json:"format,omitempty" yaml:"format,omitempty"`
	Content     string       `json:"content" yaml:"content"`
}

// Section is a labelled byte range of a document's normalized text.
type Section struct {
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// SourceDocument is a normalized document. Immutable once ingested.
type SourceDocument struct {
	ID          string
	Ticker      string
	Type        DocumentType
	PublishedAt time.Time
	Title       string
	Text        string
	Sections    []Section
}

// Filters restrict retrieval to a subset of the corpus. Zero values match everything.
type Filters struct {
	Ticker       string       `json:"ticker,omitempty"`
	DocumentType DocumentType `json:"document_type,omitempty"`
	From         time.Time    `json:"from,omitempty"`
	To           time.Time    `json:"to,omitempty"`
}

// Match reports whether a chunk with the given metadata passes the filters.
// Date bounds are inclusive.
func (f Filters) Match(ticker string, typ DocumentType, published time.Time) bool {
	if f.Ticker != "" && !equalFoldASCII(f.Ticker, ticker) {
		return false
	}
	if f.DocumentType != "" && f.DocumentType != typ {
		return false
	}
	if !f.From.IsZero() && published.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && published.After(f.To) {
		return false
	}
	return true
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.Ticker == "" && f.DocumentType == "" && f.From.IsZero() && f.To.IsZero()
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"finrag/internal/domain"
)

// Options bound chunk sizes in whitespace-delimited words.
type Options struct {
	MinTokens     int
	MaxTokens     int
	OverlapTokens int
	// BoundaryMarkers are regexes matched against the start of each line.
	// A matching line opens a new unit. Blank lines always do.
	BoundaryMarkers []string
}

// SemanticChunker splits a normalized document into overlap-aware chunks
// that prefer paragraph and heading boundaries, then sentence boundaries.
type SemanticChunker struct {
	opts    Options
	markers []*regexp.Regexp
}

// NewSemanticChunker validates opts and compiles the boundary markers.
func NewSemanticChunker(opts Options) (*SemanticChunker, error) {
	if opts.MinTokens < 1 || opts.MaxTokens < opts.MinTokens {
		return nil, fmt.Errorf("%w: chunk bounds min=%d max=%d", domain.ErrInvalidInput, opts.MinTokens, opts.MaxTokens)
	}
	markers := make([]*regexp.Regexp, 0, len(opts.BoundaryMarkers))
	for _, expr := range opts.BoundaryMarkers {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("boundary marker %q: %w", expr, err)
		}
		markers = append(markers, re)
	}
	// overlap larger than the minimum chunk is not used at all
	if opts.OverlapTokens > opts.MinTokens || opts.OverlapTokens >= opts.MaxTokens {
		opts.OverlapTokens = 0
	}
	return &SemanticChunker{opts: opts, markers: markers}, nil
}

// word is a whitespace-delimited token with byte offsets into the document text.
type word struct {
	start, end int
	unitEnd    bool // last word of a paragraph or of the line before a marker
	sentEnd    bool
}

// Chunk implements port.Chunker.
func (c *SemanticChunker) Chunk(doc domain.SourceDocument) ([]domain.Chunk, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return nil, &domain.MalformedDocumentError{DocumentID: doc.ID, Reason: "empty text"}
	}

	sections := doc.Sections
	if len(sections) == 0 {
		sections = []domain.Section{{Label: string(doc.Type), Start: 0, End: len(doc.Text)}}
	}

	perSection := make([][]word, len(sections))
	total := 0
	boundaries := len(sections) > 1
	for i, s := range sections {
		if s.Start < 0 || s.End > len(doc.Text) || s.Start > s.End {
			return nil, &domain.MalformedDocumentError{DocumentID: doc.ID, Reason: fmt.Sprintf("section %q out of range", s.Label)}
		}
		words := c.scan(doc.Text, s.Start, s.End)
		perSection[i] = words
		total += len(words)
		for j := 0; j+1 < len(words); j++ {
			if words[j].unitEnd || words[j].sentEnd {
				boundaries = true
				break
			}
		}
	}
	if !boundaries && total > c.opts.MaxTokens {
		return nil, &domain.MalformedDocumentError{
			DocumentID: doc.ID,
			Reason:     fmt.Sprintf("%d tokens with no paragraph, heading or sentence boundary", total),
		}
	}

	var chunks []domain.Chunk
	for i, s := range sections {
		for _, r := range c.pack(perSection[i]) {
			start := perSection[i][r.first].start
			end := perSection[i][r.last].end
			chunks = append(chunks, domain.Chunk{
				ID:          domain.ChunkID(doc.ID, len(chunks)),
				DocumentID:  doc.ID,
				Seq:         len(chunks),
				Text:        doc.Text[start:end],
				TokenCount:  r.last - r.first + 1,
				Section:     s.Label,
				Start:       start,
				End:         end,
				Ticker:      doc.Ticker,
				Type:        doc.Type,
				PublishedAt: doc.PublishedAt,
			})
		}
	}
	return chunks, nil
}

// span is an inclusive range of word indices. fresh is the first word not
// carried over from the previous chunk.
type span struct {
	first, fresh, last int
}

// pack cuts a section's words into chunks. Each cut is the furthest paragraph
// end that fits, else the furthest sentence end, else a word cut at the limit,
// never producing a chunk under MinTokens unless the section runs out.
func (c *SemanticChunker) pack(words []word) []span {
	n := len(words)
	var spans []span
	pos := 0
	for pos < n {
		overlap := 0
		if len(spans) > 0 && c.opts.OverlapTokens > 0 {
			prev := spans[len(spans)-1]
			overlap = min(c.opts.OverlapTokens, prev.last-prev.first+1)
		}
		budget := c.opts.MaxTokens - overlap

		var end int // exclusive
		if n-pos <= budget {
			end = n
		} else {
			end = c.cut(words, pos, budget, overlap)
		}
		spans = append(spans, span{first: pos - overlap, fresh: pos, last: end - 1})
		pos = end
	}

	// fold a short section tail into its predecessor when it still fits
	if k := len(spans); k >= 2 {
		last, prev := spans[k-1], spans[k-2]
		if last.last-last.first+1 < c.opts.MinTokens &&
			(prev.last-prev.first+1)+(last.last-last.fresh+1) <= c.opts.MaxTokens {
			spans[k-2].last = last.last
			spans = spans[:k-1]
		}
	}
	return spans
}

func (c *SemanticChunker) cut(words []word, pos, budget, overlap int) int {
	limit := pos + budget
	minEnd := pos + max(c.opts.MinTokens-overlap, 1)
	for e := limit; e >= minEnd; e-- {
		if words[e-1].unitEnd {
			return e
		}
	}
	for e := limit; e >= minEnd; e-- {
		if words[e-1].sentEnd {
			return e
		}
	}
	return limit
}

// scan splits text[from:to] into words and marks unit and sentence ends.
func (c *SemanticChunker) scan(text string, from, to int) []word {
	var words []word
	i := from
	for i < to {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}
		start := i
		for i < to {
			r, size = utf8.DecodeRuneInString(text[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		words = append(words, word{start: start, end: i})
	}

	for j := range words {
		if j == len(words)-1 {
			words[j].unitEnd = true
			words[j].sentEnd = true
			continue
		}
		gap := text[words[j].end:words[j+1].start]
		if strings.Count(gap, "\n") >= 2 || (strings.Contains(gap, "\n") && c.opensUnit(text, words[j+1].start, to)) {
			words[j].unitEnd = true
			words[j].sentEnd = true
			continue
		}
		words[j].sentEnd = endsSentence(text[words[j].start:words[j].end], text[words[j+1].start:words[j+1].end])
	}
	return words
}

func (c *SemanticChunker) opensUnit(text string, lineStart, to int) bool {
	lineEnd := strings.IndexByte(text[lineStart:to], '\n')
	line := text[lineStart:to]
	if lineEnd >= 0 {
		line = line[:lineEnd]
	}
	for _, re := range c.markers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

var abbreviations = map[string]bool{
	"inc.": true, "corp.": true, "co.": true, "ltd.": true, "llc.": true,
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "vs.": true,
	"e.g.": true, "i.e.": true, "no.": true, "approx.": true, "st.": true,
	"jan.": true, "feb.": true, "mar.": true, "apr.": true, "aug.": true,
	"sept.": true, "oct.": true, "nov.": true, "dec.": true, "u.s.": true,
}

// endsSentence reports whether w closes a sentence given the following word.
func endsSentence(w, next string) bool {
	core := strings.TrimRight(w, "\"')]”’")
	if core == "" {
		return false
	}
	switch core[len(core)-1] {
	case '.', '!', '?':
	default:
		return false
	}
	if abbreviations[strings.ToLower(core)] {
		return false
	}
	r, _ := utf8.DecodeRuneInString(next)
	return unicode.IsUpper(r) || unicode.IsDigit(r) || strings.ContainsRune("\"'(“$-", r)
}

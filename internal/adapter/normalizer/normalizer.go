// Package normalizer converts raw filings, transcripts and news into plain
// text with stable paragraph boundaries and a section map.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"finrag/internal/domain"
)

var (
	spaceRun = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)

	defaultHeadings = []*regexp.Regexp{
		regexp.MustCompile(`^#{1,6}\s+\S`),
		regexp.MustCompile(`(?i)^item\s+\d+[a-z]?\.`),
		regexp.MustCompile(`(?i)^part\s+[ivx]+\b`),
		regexp.MustCompile(`(?i)^(prepared remarks|presentation|question-and-answer session|questions and answers)\s*:?$`),
	}
)

// maxHeadingLen bounds how long a line may be and still open a section.
const maxHeadingLen = 120

// Normalizer implements port.Normalizer.
type Normalizer struct {
	headings []*regexp.Regexp
}

// New creates a Normalizer recognising markdown, SEC item and transcript headings.
func New() *Normalizer {
	return &Normalizer{headings: defaultHeadings}
}

// Normalize produces a SourceDocument from an ingestion record.
func (n *Normalizer) Normalize(raw domain.RawDocument) (domain.SourceDocument, error) {
	id := raw.ID
	if id == "" {
		id = DeriveID(raw)
	}

	ticker := strings.ToUpper(strings.TrimSpace(raw.Ticker))
	if ticker == "" {
		return domain.SourceDocument{}, &domain.MalformedDocumentError{DocumentID: id, Reason: "missing ticker"}
	}
	if !raw.Type.Valid() {
		return domain.SourceDocument{}, &domain.MalformedDocumentError{DocumentID: id, Reason: "unknown document type " + string(raw.Type)}
	}

	content := raw.Content
	format := raw.Format
	if format == "" {
		format = detectFormat(content)
	}
	if format == domain.FormatHTML {
		md, err := htmlToText(content)
		if err != nil {
			return domain.SourceDocument{}, &domain.MalformedDocumentError{DocumentID: id, Reason: "html: " + err.Error()}
		}
		content = md
	}

	text := cleanText(content)
	if text == "" {
		return domain.SourceDocument{}, &domain.MalformedDocumentError{DocumentID: id, Reason: "empty text"}
	}

	return domain.SourceDocument{
		ID:          id,
		Ticker:      ticker,
		Type:        raw.Type,
		PublishedAt: raw.PublishedAt.UTC(),
		Title:       strings.TrimSpace(raw.Title),
		Text:        text,
		Sections:    n.sections(text, string(raw.Type)),
	}, nil
}

// DeriveID returns a stable id for records that arrive without one.
func DeriveID(raw domain.RawDocument) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(raw.Ticker)))
	h.Write([]byte{0})
	h.Write([]byte(raw.Type))
	h.Write([]byte{0})
	h.Write([]byte(raw.PublishedAt.UTC().Format("2006-01-02")))
	h.Write([]byte{0})
	h.Write([]byte(raw.Title))
	if raw.Title == "" {
		h.Write([]byte(raw.Content))
	}
	sum := h.Sum(nil)
	return strings.ToLower(raw.Ticker) + "-" + string(raw.Type) + "-" + hex.EncodeToString(sum[:8])
}

// cleanText normalizes line endings and whitespace. Lines are trimmed, runs of
// spaces collapse to one, and paragraphs are separated by exactly one blank line.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line == "" {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			if blank {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = false
		b.WriteString(line)
	}
	return b.String()
}

// sections builds the section map. A heading opens a section that runs to the
// next heading. Text before the first heading is labelled "preamble".
func (n *Normalizer) sections(text, fallback string) []domain.Section {
	type heading struct {
		label string
		start int
	}
	var found []heading

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		startsParagraph := offset == 0 || strings.HasSuffix(text[:offset], "\n\n")
		if startsParagraph && len(trimmed) <= maxHeadingLen && n.isHeading(trimmed) {
			found = append(found, heading{label: headingLabel(trimmed), start: offset})
		}
		offset += len(line)
	}

	if len(found) == 0 {
		return []domain.Section{{Label: fallback, Start: 0, End: len(text)}}
	}

	var sections []domain.Section
	if found[0].start > 0 {
		sections = append(sections, domain.Section{Label: "preamble", Start: 0, End: trimEnd(text, found[0].start)})
	}
	for i, h := range found {
		end := len(text)
		if i+1 < len(found) {
			end = trimEnd(text, found[i+1].start)
		}
		sections = append(sections, domain.Section{Label: h.label, Start: h.start, End: end})
	}
	return sections
}

func (n *Normalizer) isHeading(line string) bool {
	for _, re := range n.headings {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// trimEnd backs off the paragraph separator preceding pos.
func trimEnd(text string, pos int) int {
	for pos > 0 && text[pos-1] == '\n' {
		pos--
	}
	return pos
}

func headingLabel(line string) string {
	line = strings.TrimLeft(line, "#")
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ":"))
	return line
}

func detectFormat(content string) domain.Format {
	head := strings.ToLower(content)
	if len(head) > 2048 {
		head = head[:2048]
	}
	for _, tag := range []string{"<html", "<body", "<p>", "<div", "<h1", "<h2", "<article"} {
		if strings.Contains(head, tag) {
			return domain.FormatHTML
		}
	}
	return domain.FormatText
}

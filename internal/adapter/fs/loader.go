package fs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"finrag/internal/domain"
)

// Loader decodes RawDocument records from disk.
//
// .json, .yaml and .yml files hold one record or a list of records; YAML may
// also be a multi-document stream. JSON timestamps are RFC 3339, YAML also
// accepts bare dates. .md, .txt and .html files are one record each, with
// metadata in a leading "---" front matter block.
type Loader struct{}

func NewLoader() *Loader { return &Loader{} }

func (l *Loader) Load(path string) ([]domain.RawDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		docs, err := decodeJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return docs, nil
	case ".yaml", ".yml":
		docs, err := decodeRecords(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return docs, nil
	case ".md", ".markdown":
		return frontMatter(path, data, domain.FormatMarkdown)
	case ".html", ".htm":
		return frontMatter(path, data, domain.FormatHTML)
	case ".txt":
		return frontMatter(path, data, domain.FormatText)
	default:
		return nil, fmt.Errorf("unsupported document file: %s", path)
	}
}

func decodeJSON(data []byte) ([]domain.RawDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var docs []domain.RawDocument
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	case '{':
		var doc domain.RawDocument
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return []domain.RawDocument{doc}, nil
	default:
		return nil, fmt.Errorf("expected a record or a list of records")
	}
}

func decodeRecords(data []byte) ([]domain.RawDocument, error) {
	var out []domain.RawDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(node.Content) == 0 {
			continue
		}
		switch node.Content[0].Kind {
		case yaml.SequenceNode:
			var docs []domain.RawDocument
			if err := node.Decode(&docs); err != nil {
				return nil, err
			}
			out = append(out, docs...)
		case yaml.MappingNode:
			var doc domain.RawDocument
			if err := node.Decode(&doc); err != nil {
				return nil, err
			}
			out = append(out, doc)
		default:
			return nil, fmt.Errorf("line %d: expected a record or a list of records", node.Line)
		}
	}
	return out, nil
}

func frontMatter(path string, data []byte, format domain.Format) ([]domain.RawDocument, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("%s: missing front matter with ticker and type", path)
	}
	end := strings.Index(text[4:], "\n---")
	if end < 0 {
		return nil, fmt.Errorf("%s: unterminated front matter", path)
	}

	var doc domain.RawDocument
	if err := yaml.Unmarshal([]byte(text[4:4+end]), &doc); err != nil {
		return nil, fmt.Errorf("%s: front matter: %w", path, err)
	}
	body := text[4+end+4:]
	doc.Content = strings.TrimPrefix(body, "\n")
	if doc.Format == "" {
		doc.Format = format
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return []domain.RawDocument{doc}, nil
}

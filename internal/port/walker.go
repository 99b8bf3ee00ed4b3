package port

import "finrag/internal/domain"

// FileWalker discovers ingestion files under a root directory.
type FileWalker interface {
	Walk(root string) ([]FileInfo, error)
}

type FileInfo struct {
	Path    string
	ModTime int64
	Size    int64
}

// DocumentLoader decodes ingestion records from a file.
type DocumentLoader interface {
	Load(path string) ([]domain.RawDocument, error)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedDocument        = errors.New("malformed document")
	ErrEmbeddingVersionMismatch = errors.New("embedding version mismatch")
	ErrEmptyIndex               = errors.New("no chunks match filters")
	ErrServiceUnavailable       = errors.New("service unavailable")
	ErrInvalidInput             = errors.New("invalid input")
	ErrNotFound                 = errors.New("not found")
	ErrRunNotFound              = errors.New("run not found")
	ErrRunNotFinished           = errors.New("run not finished")
)

// MalformedDocumentError is returned when a document cannot be chunked or normalized.
// It is fatal to that document only.
type MalformedDocumentError struct {
	DocumentID string
	Reason     string
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed document %s: %s", e.DocumentID, e.Reason)
}

func (e *MalformedDocumentError) Unwrap() error { return ErrMalformedDocument }

// EmbeddingVersionMismatchError is returned when the store was built with a
// different embedding function than the one in use.
type EmbeddingVersionMismatchError struct {
	Stored    string
	Requested string
}

func (e *EmbeddingVersionMismatchError) Error() string {
	return fmt.Sprintf("embedding version mismatch: store has %q, embedder is %q", e.Stored, e.Requested)
}

func (e *EmbeddingVersionMismatchError) Unwrap() error { return ErrEmbeddingVersionMismatch }

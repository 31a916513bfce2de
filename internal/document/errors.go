package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Error taxonomy shared by every pipeline component. Callers classify
// failures with errors.Is.
var (
	// ErrInvalidInput covers missing or empty files and unsupported formats.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupportedFormat is returned for file extensions with no loader.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrStorage wraps insert and update failures of the document store.
	ErrStorage = errors.New("storage failure")
	// ErrRetrieval wraps read failures of the document store.
	ErrRetrieval = errors.New("retrieval failure")
	// ErrNotFound is returned when a record is absent or its payload is unreadable.
	ErrNotFound = errors.New("not found")
	// ErrParse wraps failures of a parse backend.
	ErrParse = errors.New("parse failure")
	// ErrIndexConsistency is returned when a persisted vector index does not
	// match the embedding model.
	ErrIndexConsistency = errors.New("index consistency failure")
)

// UnsupportedFormatError reports a file extension with no registered loader.
type UnsupportedFormatError struct {
	// Ext is the lower-cased extension including the leading dot.
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Ext == "" {
		return "unsupported format: file has no extension"
	}
	return fmt.Sprintf("unsupported format %q", e.Ext)
}

// Is matches both ErrUnsupportedFormat and ErrInvalidInput.
func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat || target == ErrInvalidInput
}

// DimensionMismatchError reports a persisted index whose dimensionality
// differs from the embedding model's output.
type DimensionMismatchError struct {
	Index int
	Model int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: index has %dD vs model has %dD", e.Index, e.Model)
}

// Is matches ErrIndexConsistency.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrIndexConsistency
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks r's struct constraints before it is written.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidInput)
	}
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: record %q: %v", ErrInvalidInput, r.ID, err)
	}
	return nil
}

package evidence

import (
	"errors"
	"fmt"
)

var (
	// ErrRecorderClosed indicates a record arrived after the recorder began
	// shutting down.
	ErrRecorderClosed = errors.New("evidence recorder closed")

	// ErrQueueFull indicates the recorder could not enqueue a record within
	// its write timeout.
	ErrQueueFull = errors.New("evidence queue full")

	// ErrDuplicateRecord indicates a record with the same ID already exists.
	ErrDuplicateRecord = errors.New("evidence record already exists")

	// ErrInvalidQuery indicates a query failed validation.
	ErrInvalidQuery = errors.New("invalid evidence query")
)

// StorageError reports a failed storage operation.
type StorageError struct {
	Backend string // "sqlite", "memory"
	Op      string // "open", "store", "query", "delete", ...
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("evidence %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError.
func NewStorageError(backend, op string, err error) *StorageError {
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// QueryError reports an invalid query field. It matches ErrInvalidQuery.
type QueryError struct {
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidQuery, e.Field, e.Reason)
}

func (e *QueryError) Unwrap() error {
	return ErrInvalidQuery
}

// RecordError ties a failure to the record being written or exported.
type RecordError struct {
	RecordID string
	RunID    string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("evidence record %s (run %s): %v", e.RecordID, e.RunID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ExportError reports a failed export.
type ExportError struct {
	Format  string
	Written int
	Err     error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s after %d records: %v", e.Format, e.Written, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

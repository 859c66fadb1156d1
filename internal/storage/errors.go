// Package storage holds the persistence plumbing shared by the pipeline's
// stores: error categories, the ClickHouse step archive and its migrations.
package storage

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing storage failures.
var (
	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a command or query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict indicates an optimistic update lost its race too many times.
	ErrConflict = errors.New("storage: concurrent modification")

	// ErrInvalidData indicates a stored or supplied record could not be decoded.
	ErrInvalidData = errors.New("storage: invalid data")

	// ErrDatabaseClosed indicates the connection is closed.
	ErrDatabaseClosed = errors.New("storage: database connection closed")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op      string // Operation that failed (e.g., "Upsert", "AppendStep")
	Key     string // Record key or table involved, if applicable
	Err     error  // Underlying error
	Retries int    // Number of retries attempted, if applicable
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError.
func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: err,
	}
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable checks if the error may succeed when retried.
func IsRetryable(err error) bool {
	return IsConnectionError(err) || errors.Is(err, ErrQueryFailed) || errors.Is(err, ErrConflict)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, key string, err error) error {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapNotFoundError wraps an error as a not found error.
func WrapNotFoundError(op, key, id string) error {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: fmt.Errorf("%w: id=%s", ErrNotFound, id),
	}
}

// WrapInvalidData wraps a decode failure of a stored record.
func WrapInvalidData(op, key string, err error) error {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: fmt.Errorf("%w: %v", ErrInvalidData, err),
	}
}

// WrapConflict reports an optimistic update that kept losing its race.
func WrapConflict(op, key string, retries int) error {
	return &StorageError{
		Op:      op,
		Key:     key,
		Err:     ErrConflict,
		Retries: retries,
	}
}

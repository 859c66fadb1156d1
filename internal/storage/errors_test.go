package storage

import (
	"errors"
	"testing"
)

func TestStorageErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
		message   string
	}{
		{"connection", WrapConnectionError("Open", cause), ErrConnectionFailed, true, "storage.Open: storage: connection failed: dial tcp: refused"},
		{"query", WrapQueryError("Upsert", "sec:incident:INC-1", cause), ErrQueryFailed, true, "storage.Upsert(sec:incident:INC-1): storage: query failed: dial tcp: refused"},
		{"not found", WrapNotFoundError("Get", "sec:run:run-1", "run-1"), ErrNotFound, false, "storage.Get(sec:run:run-1): storage: not found: id=run-1"},
		{"invalid", WrapInvalidData("Get", "k", cause), ErrInvalidData, false, "storage.Get(k): storage: invalid data: dial tcp: refused"},
		{"conflict", WrapConflict("Upsert", "k", 5), ErrConflict, true, "storage.Upsert(k): storage: concurrent modification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if tt.err.Error() != tt.message {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.message)
			}

			var se *StorageError
			if !errors.As(tt.err, &se) {
				t.Fatal("expected *StorageError")
			}
		})
	}

	if !IsNotFound(WrapNotFoundError("Get", "", "x")) {
		t.Error("IsNotFound() = false")
	}
	if IsNotFound(cause) {
		t.Error("IsNotFound() should be false for unrelated errors")
	}
}

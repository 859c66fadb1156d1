package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ot-sentinel/internal/stream"
)

// QuarantineWriter keeps a copy of stream messages that were dropped as
// unprocessable, so they can be inspected after they left the stream's
// pending set.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Quarantine stores one dropped message.
func (qw *QuarantineWriter) Quarantine(ctx context.Context, streamKey string, e stream.Entry, reason error) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return WrapInvalidData("Quarantine", e.ID, err)
	}

	query := `
		INSERT INTO message_quarantine (
			quarantine_id, stream, message_id, fields, error
		) VALUES (?, ?, ?, ?, ?)
	`

	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	if err := qw.client.Exec(ctx, query, uuid.New(), streamKey, e.ID, string(fields), msg); err != nil {
		return WrapQueryError("Quarantine", "message_quarantine", err)
	}
	return nil
}

// Count returns the number of quarantined messages of a stream.
func (qw *QuarantineWriter) Count(ctx context.Context, streamKey string) (uint64, error) {
	rows, err := qw.client.Query(ctx, "SELECT count() FROM message_quarantine WHERE stream = ?", streamKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count quarantine: %w", err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}

	return count, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// AppendOperationsAndUpdateDocument appends a batch of operations and
// updates the document row in one transaction. Server sequences continue
// from the document's current version; newVersion must equal the current
// version plus the batch size, otherwise the append fails with ErrConflict.
func (s *Store) AppendOperationsAndUpdateDocument(
	ctx context.Context,
	documentID uuid.UUID,
	ops []storage.NewOperation,
	newContent string,
	newVersion int64,
) ([]storage.Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE id = ?`, documentID.String(),
	).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query version: %w", err)
	}
	if newVersion != version+int64(len(ops)) {
		return nil, fmt.Errorf("%w: version %d + %d ops != %d",
			storage.ErrConflict, version, len(ops), newVersion)
	}

	now := time.Now()
	stored := make([]storage.Operation, 0, len(ops))
	for i, op := range ops {
		rec := storage.Operation{
			ID:             uuid.New(),
			DocumentID:     documentID,
			ParticipantID:  op.ParticipantID,
			Type:           op.Type,
			Position:       op.Position,
			Length:         op.Length,
			Content:        op.Content,
			ClientID:       op.ClientID,
			ClientSequence: op.ClientSequence,
			ServerSequence: version + 1 + int64(i),
			Timestamp:      now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO operations (id, document_id, participant_id, type, position, length, content,
				client_id, client_sequence, server_sequence, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), rec.DocumentID.String(), rec.ParticipantID.String(), string(rec.Type),
			rec.Position, rec.Length, rec.Content,
			rec.ClientID.String(), rec.ClientSequence, rec.ServerSequence, now.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert operation: %w", err)
		}
		stored = append(stored, rec)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET content = ?, version = ?, size_bytes = ?, line_count = ?, last_operation_at = ?
		WHERE id = ?`,
		newContent, newVersion, storage.ByteSize(newContent), storage.LineCount(newContent),
		now.UnixMilli(), documentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// GetOperationsSince returns a document's operations with server_sequence
// greater than afterSeq, in sequence order. A non-positive limit means no
// limit.
func (s *Store) GetOperationsSince(ctx context.Context, documentID uuid.UUID, afterSeq int64, limit int) ([]storage.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, participant_id, type, position, length, content,
			client_id, client_sequence, server_sequence, timestamp
		FROM operations
		WHERE document_id = ? AND server_sequence > ?
		ORDER BY server_sequence ASC
		LIMIT ?`,
		documentID.String(), afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []storage.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// FindOperationByIdempotencyKey looks up a persisted operation by its
// (client_id, client_sequence) key.
func (s *Store) FindOperationByIdempotencyKey(ctx context.Context, documentID, clientID uuid.UUID, clientSequence int64) (storage.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, participant_id, type, position, length, content,
			client_id, client_sequence, server_sequence, timestamp
		FROM operations
		WHERE document_id = ? AND client_id = ? AND client_sequence = ?`,
		documentID.String(), clientID.String(), clientSequence,
	)
	op, err := scanOperation(row)
	if err != nil {
		return storage.Operation{}, err
	}
	return op, nil
}

func scanOperation(row rowScanner) (storage.Operation, error) {
	var (
		op                  storage.Operation
		id, did, pid, cid   string
		opType              string
		ts                  int64
	)
	err := row.Scan(&id, &did, &pid, &opType, &op.Position, &op.Length, &op.Content,
		&cid, &op.ClientSequence, &op.ServerSequence, &ts)
	if err == sql.ErrNoRows {
		return storage.Operation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Operation{}, fmt.Errorf("scan operation: %w", err)
	}

	if op.ID, err = uuid.Parse(id); err != nil {
		return storage.Operation{}, fmt.Errorf("parse operation id: %w", err)
	}
	if op.DocumentID, err = uuid.Parse(did); err != nil {
		return storage.Operation{}, fmt.Errorf("parse document id: %w", err)
	}
	if op.ParticipantID, err = uuid.Parse(pid); err != nil {
		return storage.Operation{}, fmt.Errorf("parse participant id: %w", err)
	}
	if op.ClientID, err = uuid.Parse(cid); err != nil {
		return storage.Operation{}, fmt.Errorf("parse client id: %w", err)
	}
	op.Type = storage.OpType(opType)
	op.Timestamp = time.UnixMilli(ts)
	return op, nil
}

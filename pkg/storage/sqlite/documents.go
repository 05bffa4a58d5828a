package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// CreateDocument inserts a document with initial content at version 0.
func (s *Store) CreateDocument(ctx context.Context, roomID uuid.UUID, filePath, content string) (storage.Document, error) {
	doc := storage.Document{
		ID:        uuid.New(),
		RoomID:    roomID,
		FilePath:  filePath,
		Content:   content,
		Version:   0,
		SizeBytes: storage.ByteSize(content),
		LineCount: storage.LineCount(content),
		CreatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, room_id, file_path, content, version, size_bytes, line_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), roomID.String(), filePath, content,
		doc.Version, doc.SizeBytes, doc.LineCount, doc.CreatedAt.Unix(),
	)
	if err != nil {
		return storage.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

// GetDocument retrieves a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (storage.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, file_path, content, version, size_bytes, line_count, last_operation_at, created_at
		FROM documents WHERE id = ?`, id.String())
	return scanDocument(row)
}

// GetDocumentByPath retrieves a document by its (room, file_path) key.
func (s *Store) GetDocumentByPath(ctx context.Context, roomID uuid.UUID, filePath string) (storage.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, file_path, content, version, size_bytes, line_count, last_operation_at, created_at
		FROM documents WHERE room_id = ? AND file_path = ?`, roomID.String(), filePath)
	return scanDocument(row)
}

// ListDocuments returns all documents of a room ordered by path.
func (s *Store) ListDocuments(ctx context.Context, roomID uuid.UUID) ([]storage.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, file_path, content, version, size_bytes, line_count, last_operation_at, created_at
		FROM documents WHERE room_id = ? ORDER BY file_path`, roomID.String())
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []storage.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document; its operations and cursors cascade.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanDocument(row rowScanner) (storage.Document, error) {
	var (
		doc     storage.Document
		id, rid string
		lastOp  sql.NullInt64
		created int64
	)
	err := row.Scan(&id, &rid, &doc.FilePath, &doc.Content, &doc.Version,
		&doc.SizeBytes, &doc.LineCount, &lastOp, &created)
	if err == sql.ErrNoRows {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, fmt.Errorf("scan document: %w", err)
	}

	if doc.ID, err = uuid.Parse(id); err != nil {
		return storage.Document{}, fmt.Errorf("parse document id: %w", err)
	}
	if doc.RoomID, err = uuid.Parse(rid); err != nil {
		return storage.Document{}, fmt.Errorf("parse room id: %w", err)
	}
	if lastOp.Valid {
		t := time.UnixMilli(lastOp.Int64)
		doc.LastOperationAt = &t
	}
	doc.CreatedAt = time.Unix(created, 0)
	return doc, nil
}

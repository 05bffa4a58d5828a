package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// GetParticipant retrieves a room membership row by (room, user).
func (s *Store) GetParticipant(ctx context.Context, roomID, userID uuid.UUID) (storage.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, role, display_name, color, presence_status, last_seen
		FROM participants WHERE room_id = ? AND user_id = ?`,
		roomID.String(), userID.String())
	return scanParticipant(row)
}

// UpsertParticipant inserts a participant or updates the existing
// (room, user) row, keeping its original id.
func (s *Store) UpsertParticipant(ctx context.Context, p storage.Participant) (storage.Participant, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, room_id, user_id, role, display_name, color, presence_status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			role = excluded.role,
			display_name = excluded.display_name,
			color = excluded.color,
			presence_status = excluded.presence_status,
			last_seen = excluded.last_seen`,
		p.ID.String(), p.RoomID.String(), p.UserID.String(), string(p.Role),
		p.DisplayName, p.Color, string(p.PresenceStatus), p.LastSeen.UnixMilli(),
	)
	if err != nil {
		return storage.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	return s.GetParticipant(ctx, p.RoomID, p.UserID)
}

// ListParticipants returns all participants of a room.
func (s *Store) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]storage.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, role, display_name, color, presence_status, last_seen
		FROM participants WHERE room_id = ? ORDER BY last_seen DESC`, roomID.String())
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []storage.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertCursor writes a participant's last known cursor for a document.
// Last writer wins; no history is retained.
func (s *Store) UpsertCursor(ctx context.Context, c storage.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	var selStart, selEnd interface{}
	if c.SelectionStart != nil {
		selStart = *c.SelectionStart
	}
	if c.SelectionEnd != nil {
		selEnd = *c.SelectionEnd
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (participant_id, document_id, line, "column", selection_start, selection_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, document_id) DO UPDATE SET
			line = excluded.line,
			"column" = excluded."column",
			selection_start = excluded.selection_start,
			selection_end = excluded.selection_end,
			updated_at = excluded.updated_at`,
		c.ParticipantID.String(), c.DocumentID.String(), c.Line, c.Column,
		selStart, selEnd, c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// UpsertPresence writes a participant's presence row for a room.
func (s *Store) UpsertPresence(ctx context.Context, p storage.Presence) error {
	if p.LastActivity.IsZero() {
		p.LastActivity = time.Now()
	}

	var docID interface{}
	if p.CurrentDocumentID != nil {
		docID = p.CurrentDocumentID.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (participant_id, room_id, status, current_document_id, activity_type, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, room_id) DO UPDATE SET
			status = excluded.status,
			current_document_id = excluded.current_document_id,
			activity_type = excluded.activity_type,
			last_activity = excluded.last_activity`,
		p.ParticipantID.String(), p.RoomID.String(), string(p.Status),
		docID, p.ActivityType, p.LastActivity.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func scanParticipant(row rowScanner) (storage.Participant, error) {
	var (
		p             storage.Participant
		id, rid, uid  string
		role, status  string
		lastSeen      int64
	)
	err := row.Scan(&id, &rid, &uid, &role, &p.DisplayName, &p.Color, &status, &lastSeen)
	if err == sql.ErrNoRows {
		return storage.Participant{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Participant{}, fmt.Errorf("scan participant: %w", err)
	}

	if p.ID, err = uuid.Parse(id); err != nil {
		return storage.Participant{}, fmt.Errorf("parse participant id: %w", err)
	}
	if p.RoomID, err = uuid.Parse(rid); err != nil {
		return storage.Participant{}, fmt.Errorf("parse room id: %w", err)
	}
	if p.UserID, err = uuid.Parse(uid); err != nil {
		return storage.Participant{}, fmt.Errorf("parse user id: %w", err)
	}
	p.Role = storage.Role(role)
	p.PresenceStatus = storage.PresenceStatus(status)
	p.LastSeen = time.UnixMilli(lastSeen)
	return p, nil
}

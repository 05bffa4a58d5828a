package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// CreateRoom inserts a room. A zero ID is assigned; a zero status defaults
// to active.
func (s *Store) CreateRoom(ctx context.Context, room storage.Room) (storage.Room, error) {
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	if room.Status == "" {
		room.Status = storage.RoomActive
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}

	var expires interface{}
	if room.ExpiresAt != nil {
		expires = room.ExpiresAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, status, owner_id, max_participants, allow_anonymous, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID.String(), room.Name, string(room.Status), room.OwnerID.String(),
		room.MaxParticipants, boolToInt(room.AllowAnonymous), room.CreatedAt.Unix(), expires,
	)
	if err != nil {
		return storage.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

// GetRoom retrieves a room by id.
func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (storage.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, owner_id, max_participants, allow_anonymous, created_at, expires_at
		FROM rooms WHERE id = ?`, id.String())
	return scanRoom(row)
}

// ListRooms returns all rooms, most recent first.
func (s *Store) ListRooms(ctx context.Context) ([]storage.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, owner_id, max_participants, allow_anonymous, created_at, expires_at
		FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []storage.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// UpdateRoom updates a room's mutable fields.
func (s *Store) UpdateRoom(ctx context.Context, room storage.Room) (storage.Room, error) {
	var expires interface{}
	if room.ExpiresAt != nil {
		expires = room.ExpiresAt.Unix()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET name = ?, status = ?, max_participants = ?, allow_anonymous = ?, expires_at = ?
		WHERE id = ?`,
		room.Name, string(room.Status), room.MaxParticipants, boolToInt(room.AllowAnonymous),
		expires, room.ID.String(),
	)
	if err != nil {
		return storage.Room{}, fmt.Errorf("update room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Room{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.Room{}, storage.ErrNotFound
	}
	return s.GetRoom(ctx, room.ID)
}

// DeleteRoom removes a room; participants, documents, operations, cursors,
// and presence cascade.
func (s *Store) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (storage.Room, error) {
	var (
		room            storage.Room
		id, owner       string
		status          string
		allowAnon       int
		created         int64
		expires         sql.NullInt64
	)
	err := row.Scan(&id, &room.Name, &status, &owner, &room.MaxParticipants, &allowAnon, &created, &expires)
	if err == sql.ErrNoRows {
		return storage.Room{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Room{}, fmt.Errorf("scan room: %w", err)
	}

	if room.ID, err = uuid.Parse(id); err != nil {
		return storage.Room{}, fmt.Errorf("parse room id: %w", err)
	}
	if room.OwnerID, err = uuid.Parse(owner); err != nil {
		return storage.Room{}, fmt.Errorf("parse owner id: %w", err)
	}
	room.Status = storage.RoomStatus(status)
	room.AllowAnonymous = allowAnon != 0
	room.CreatedAt = time.Unix(created, 0)
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		room.ExpiresAt = &t
	}
	return room, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

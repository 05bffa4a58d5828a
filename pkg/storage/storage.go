// Package storage defines the durable store contract for rooms, documents,
// operations, cursors, participants, and presence.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound     = errors.New("storage: not found")
	ErrInvalidToken = errors.New("storage: invalid token")
	ErrConflict     = errors.New("storage: conflict")
)

// Role is a participant's access level within a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleViewer
}

// RoomStatus is a room's lifecycle state.
type RoomStatus string

const (
	RoomActive   RoomStatus = "active"
	RoomInactive RoomStatus = "inactive"
	RoomArchived RoomStatus = "archived"
)

// PresenceStatus is a participant's connection state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// User is an identity resolved from a bearer token.
type User struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Room is a named collaboration space.
type Room struct {
	ID              uuid.UUID
	Name            string
	Status          RoomStatus
	OwnerID         uuid.UUID
	MaxParticipants int
	AllowAnonymous  bool
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// Participant is a user's membership in a room.
type Participant struct {
	ID             uuid.UUID
	RoomID         uuid.UUID
	UserID         uuid.UUID
	Role           Role
	DisplayName    string
	Color          string
	PresenceStatus PresenceStatus
	LastSeen       time.Time
}

// Document is a shared text file within a room.
type Document struct {
	ID              uuid.UUID
	RoomID          uuid.UUID
	FilePath        string
	Content         string
	Version         int64
	SizeBytes       int64
	LineCount       int
	LastOperationAt *time.Time
	CreatedAt       time.Time
}

// OpType is the kind of a persisted operation.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

// Operation is one applied atomic edit in a document's history.
// (ClientID, ClientSequence) is the idempotency key; ServerSequence is the
// authoritative position in the document's linear history.
type Operation struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	ParticipantID  uuid.UUID
	Type           OpType
	Position       int
	Length         int
	Content        string
	ClientID       uuid.UUID
	ClientSequence int64
	ServerSequence int64
	Timestamp      time.Time
}

// NewOperation is an operation to append, before the store assigns its id,
// server sequence, and timestamp.
type NewOperation struct {
	ParticipantID  uuid.UUID
	Type           OpType
	Position       int
	Length         int
	Content        string
	ClientID       uuid.UUID
	ClientSequence int64
}

// Cursor is a participant's last known position in a document.
type Cursor struct {
	ParticipantID  uuid.UUID
	DocumentID     uuid.UUID
	Line           int
	Column         int
	SelectionStart *int
	SelectionEnd   *int
	UpdatedAt      time.Time
}

// Presence is a participant's status within a room.
type Presence struct {
	ParticipantID     uuid.UUID
	RoomID            uuid.UUID
	Status            PresenceStatus
	CurrentDocumentID *uuid.UUID
	ActivityType      string
	LastActivity      time.Time
}

// Store is the durable storage contract the collaboration core requires.
//
// AppendOperationsAndUpdateDocument must be atomic per document: either all
// operations are appended and the document row updated, or nothing is.
// Server sequence allocation is serialized per document.
type Store interface {
	// Identity.
	GetUserFromToken(ctx context.Context, token string) (User, error)

	// Documents.
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	GetDocumentByPath(ctx context.Context, roomID uuid.UUID, filePath string) (Document, error)
	CreateDocument(ctx context.Context, roomID uuid.UUID, filePath, content string) (Document, error)
	ListDocuments(ctx context.Context, roomID uuid.UUID) ([]Document, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error

	// Operations.
	GetOperationsSince(ctx context.Context, documentID uuid.UUID, afterSeq int64, limit int) ([]Operation, error)
	AppendOperationsAndUpdateDocument(ctx context.Context, documentID uuid.UUID, ops []NewOperation, newContent string, newVersion int64) ([]Operation, error)
	FindOperationByIdempotencyKey(ctx context.Context, documentID, clientID uuid.UUID, clientSequence int64) (Operation, error)

	// Rooms.
	CreateRoom(ctx context.Context, room Room) (Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	UpdateRoom(ctx context.Context, room Room) (Room, error)
	DeleteRoom(ctx context.Context, id uuid.UUID) error

	// Participants.
	GetParticipant(ctx context.Context, roomID, userID uuid.UUID) (Participant, error)
	UpsertParticipant(ctx context.Context, p Participant) (Participant, error)
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]Participant, error)

	// Cursors and presence.
	UpsertCursor(ctx context.Context, c Cursor) error
	UpsertPresence(ctx context.Context, p Presence) error

	Close() error
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
)

// Message is one wire frame. Requests from clients carry a requestId the
// server echoes on the response; server-initiated notifications omit it.
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// New builds a message with a marshaled payload.
func New(event string, payload interface{}, requestID string) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &Message{Event: event, Payload: data, RequestID: requestID}, nil
}

// mustNew is New for payloads that cannot fail to marshal.
func mustNew(event string, payload interface{}, requestID string) *Message {
	msg, err := New(event, payload, requestID)
	if err != nil {
		panic(err)
	}
	return msg
}

// Bind unmarshals the message payload into v.
func (m *Message) Bind(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	return json.Unmarshal(m.Payload, v)
}

// Inbound payloads.

// JoinRoomPayload authenticates the connection and requests room admission.
type JoinRoomPayload struct {
	RoomID      uuid.UUID `json:"roomId"`
	Token       string    `json:"token"`
	DisplayName string    `json:"displayName,omitempty"`
}

// OpenDocumentPayload requests the current state of a document.
type OpenDocumentPayload struct {
	DocumentID uuid.UUID `json:"documentId"`
}

// DocumentOperationPayload carries a batch of edits against a base version.
type DocumentOperationPayload struct {
	DocumentID          uuid.UUID        `json:"documentId"`
	BaseVersion         int64            `json:"baseVersion"`
	ClientID            uuid.UUID        `json:"clientId"`
	ClientSequenceStart int64            `json:"clientSequenceStart"`
	Ops                 *ot.OperationSeq `json:"ops"`
}

// CursorUpdatePayload carries a cursor move, fire-and-forget.
type CursorUpdatePayload struct {
	DocumentID     uuid.UUID `json:"documentId"`
	Line           int       `json:"line"`
	Column         int       `json:"column"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
}

// Outbound payloads.

// RoomInfo is the wire form of a room.
type RoomInfo struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	OwnerID         uuid.UUID `json:"ownerId"`
	MaxParticipants int       `json:"maxParticipants"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ParticipantInfo is the wire form of a room participant.
type ParticipantInfo struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"userId"`
	Role           string    `json:"role"`
	DisplayName    string    `json:"displayName"`
	Color          string    `json:"color"`
	PresenceStatus string    `json:"presenceStatus"`
}

// RoomInfoFrom converts a storage room to its wire form.
func RoomInfoFrom(r storage.Room) RoomInfo {
	return RoomInfo{
		ID:              r.ID,
		Name:            r.Name,
		Status:          string(r.Status),
		OwnerID:         r.OwnerID,
		MaxParticipants: r.MaxParticipants,
		CreatedAt:       r.CreatedAt,
	}
}

// ParticipantInfoFrom converts a storage participant to its wire form.
func ParticipantInfoFrom(p storage.Participant) ParticipantInfo {
	return ParticipantInfo{
		ID:             p.ID,
		UserID:         p.UserID,
		Role:           string(p.Role),
		DisplayName:    p.DisplayName,
		Color:          p.Color,
		PresenceStatus: string(p.PresenceStatus),
	}
}

// JoinedRoomPayload answers a join-room request.
type JoinedRoomPayload struct {
	ParticipantID uuid.UUID         `json:"participantId"`
	Room          RoomInfo          `json:"room"`
	Participants  []ParticipantInfo `json:"participants"`
}

// DocumentStatePayload answers an open-document request.
type DocumentStatePayload struct {
	DocumentID uuid.UUID `json:"documentId"`
	FilePath   string    `json:"filePath"`
	Content    string    `json:"content"`
	Version    int64     `json:"version"`
}

// ConfirmedOp reports one stored operation back to its author.
type ConfirmedOp struct {
	ServerSequence int64  `json:"serverSequence"`
	ClientSequence int64  `json:"clientSequence"`
	Type           string `json:"type"`
	Position       int    `json:"position"`
	Length         int    `json:"length,omitempty"`
	Content        string `json:"content,omitempty"`
}

// OperationsConfirmedPayload acknowledges a document-operation batch.
type OperationsConfirmedPayload struct {
	DocumentID uuid.UUID     `json:"documentId"`
	Ops        []ConfirmedOp `json:"ops"`
	NewVersion int64         `json:"newVersion"`
}

// OperationsAppliedPayload fans an applied change out to room peers.
type OperationsAppliedPayload struct {
	DocumentID      uuid.UUID        `json:"documentId"`
	ParticipantID   uuid.UUID        `json:"participantId"`
	Ops             *ot.OperationSeq `json:"ops"`
	ServerSequences []int64          `json:"serverSequences"`
	NewVersion      int64            `json:"newVersion"`
}

// ParticipantJoinedPayload announces a new room member.
type ParticipantJoinedPayload struct {
	Participant ParticipantInfo `json:"participant"`
}

// ParticipantLeftPayload announces a departed room member.
type ParticipantLeftPayload struct {
	ParticipantID uuid.UUID `json:"participantId"`
}

// CursorUpdatedPayload fans a peer cursor move out to the room.
type CursorUpdatedPayload struct {
	DocumentID     uuid.UUID `json:"documentId"`
	ParticipantID  uuid.UUID `json:"participantId"`
	Line           int       `json:"line"`
	Column         int       `json:"column"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
}

// PresenceUpdatePayload announces a presence transition.
type PresenceUpdatePayload struct {
	ParticipantID     uuid.UUID  `json:"participantId"`
	Status            string     `json:"status"`
	CurrentDocumentID *uuid.UUID `json:"currentDocumentId,omitempty"`
	ActivityType      string     `json:"activityType,omitempty"`
}

// ErrorPayload reports a failure to the client.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Constructors for server messages.

// NewErrorMsg creates an error message, echoing the failed requestId.
func NewErrorMsg(code ErrorCode, message, requestID string) *Message {
	return mustNew(EventError, ErrorPayload{Code: code, Message: message}, requestID)
}

// NewJoinedRoomMsg answers a successful join.
func NewJoinedRoomMsg(p JoinedRoomPayload, requestID string) *Message {
	return mustNew(EventJoinedRoom, p, requestID)
}

// NewLeftRoomMsg answers a leave-room request.
func NewLeftRoomMsg(requestID string) *Message {
	return mustNew(EventLeftRoom, struct{}{}, requestID)
}

// NewDocumentStateMsg answers an open-document request.
func NewDocumentStateMsg(p DocumentStatePayload, requestID string) *Message {
	return mustNew(EventDocumentState, p, requestID)
}

// NewOperationsConfirmedMsg acknowledges a batch to its author.
func NewOperationsConfirmedMsg(p OperationsConfirmedPayload, requestID string) *Message {
	return mustNew(EventOperationsConfirmed, p, requestID)
}

// NewOperationsAppliedMsg broadcasts an applied change.
func NewOperationsAppliedMsg(p OperationsAppliedPayload) *Message {
	return mustNew(EventOperationsApplied, p, "")
}

// NewParticipantJoinedMsg broadcasts a join.
func NewParticipantJoinedMsg(p storage.Participant) *Message {
	return mustNew(EventParticipantJoined, ParticipantJoinedPayload{Participant: ParticipantInfoFrom(p)}, "")
}

// NewParticipantLeftMsg broadcasts a departure.
func NewParticipantLeftMsg(participantID uuid.UUID) *Message {
	return mustNew(EventParticipantLeft, ParticipantLeftPayload{ParticipantID: participantID}, "")
}

// NewCursorUpdatedMsg broadcasts a cursor move.
func NewCursorUpdatedMsg(p CursorUpdatedPayload) *Message {
	return mustNew(EventCursorUpdated, p, "")
}

// NewPresenceUpdateMsg broadcasts a presence transition.
func NewPresenceUpdateMsg(p PresenceUpdatePayload) *Message {
	return mustNew(EventPresenceUpdate, p, "")
}

// NewPongMsg answers a ping.
func NewPongMsg(requestID string) *Message {
	return mustNew(EventPong, struct{}{}, requestID)
}

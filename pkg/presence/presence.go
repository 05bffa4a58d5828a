// Package presence tracks cursors and presence status for room members.
//
// Cursor and presence writes are best-effort: a failed upsert is logged and
// swallowed, never failing the connection or the operation that triggered
// it.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
)

// ErrInvalidCursor reports a cursor with negative coordinates.
var ErrInvalidCursor = errors.New("presence: invalid cursor position")

// BroadcastFunc fans a message out to a room, excluding one connection.
type BroadcastFunc func(roomID uuid.UUID, msg *protocol.Message, excludeConn uint64)

// cursorState is a participant's last known cursor in a document.
type cursorState struct {
	offset   int
	line     int
	column   int
	selStart *int
	selEnd   *int
}

// Manager owns the in-memory cursor cache and presence transitions.
type Manager struct {
	store     storage.Store
	broadcast BroadcastFunc

	mu      sync.Mutex
	cursors map[uuid.UUID]map[uuid.UUID]*cursorState // documentID → participantID
}

// NewManager creates a presence manager.
func NewManager(store storage.Store, broadcast BroadcastFunc) *Manager {
	return &Manager{
		store:     store,
		broadcast: broadcast,
		cursors:   make(map[uuid.UUID]map[uuid.UUID]*cursorState),
	}
}

// CursorUpdate validates and records a cursor move, then broadcasts it to
// the room excluding the sender. content is the document text used to
// resolve the flat offset of the cursor.
func (m *Manager) CursorUpdate(ctx context.Context, roomID uuid.UUID, participant storage.Participant, p protocol.CursorUpdatePayload, content string, connID uint64) error {
	if p.Line < 0 || p.Column < 0 {
		return ErrInvalidCursor
	}
	if (p.SelectionStart != nil && *p.SelectionStart < 0) || (p.SelectionEnd != nil && *p.SelectionEnd < 0) {
		return ErrInvalidCursor
	}

	m.mu.Lock()
	byDoc, ok := m.cursors[p.DocumentID]
	if !ok {
		byDoc = make(map[uuid.UUID]*cursorState)
		m.cursors[p.DocumentID] = byDoc
	}
	byDoc[participant.ID] = &cursorState{
		offset:   ot.PositionToIndex(content, p.Line, p.Column),
		line:     p.Line,
		column:   p.Column,
		selStart: p.SelectionStart,
		selEnd:   p.SelectionEnd,
	}
	m.mu.Unlock()

	// Last writer wins; no history.
	if err := m.store.UpsertCursor(ctx, storage.Cursor{
		ParticipantID:  participant.ID,
		DocumentID:     p.DocumentID,
		Line:           p.Line,
		Column:         p.Column,
		SelectionStart: p.SelectionStart,
		SelectionEnd:   p.SelectionEnd,
		UpdatedAt:      time.Now(),
	}); err != nil {
		logger.Warn("cursor upsert failed for participant %s: %v", participant.ID, err)
	}

	m.broadcast(roomID, protocol.NewCursorUpdatedMsg(protocol.CursorUpdatedPayload{
		DocumentID:     p.DocumentID,
		ParticipantID:  participant.ID,
		Line:           p.Line,
		Column:         p.Column,
		SelectionStart: p.SelectionStart,
		SelectionEnd:   p.SelectionEnd,
	}), connID)

	return nil
}

// ApplyChange transforms the cached cursors of every participant other
// than the author through an applied change, so they keep referring to the
// same logical character. Durable rows are refreshed best-effort.
func (m *Manager) ApplyChange(docID, author uuid.UUID, change *ot.OperationSeq, newContent string) {
	if change == nil {
		return
	}

	m.mu.Lock()
	byDoc := m.cursors[docID]
	var moved []storage.Cursor
	for pid, c := range byDoc {
		if pid == author {
			continue
		}
		c.offset = change.TransformIndex(c.offset)
		c.line, c.column = ot.IndexToPosition(newContent, c.offset)
		if c.selStart != nil {
			v := change.TransformIndex(*c.selStart)
			c.selStart = &v
		}
		if c.selEnd != nil {
			v := change.TransformIndex(*c.selEnd)
			c.selEnd = &v
		}
		moved = append(moved, storage.Cursor{
			ParticipantID:  pid,
			DocumentID:     docID,
			Line:           c.line,
			Column:         c.column,
			SelectionStart: c.selStart,
			SelectionEnd:   c.selEnd,
			UpdatedAt:      time.Now(),
		})
	}
	m.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	// Persist outside the document critical section.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range moved {
			if err := m.store.UpsertCursor(ctx, c); err != nil {
				logger.Warn("transformed cursor upsert failed for participant %s: %v", c.ParticipantID, err)
			}
		}
	}()
}

// Cursor returns the cached cursor of a participant in a document.
func (m *Manager) Cursor(docID, participantID uuid.UUID) (line, column int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[docID][participantID]
	if !ok {
		return 0, 0, false
	}
	return c.line, c.column, true
}

// SetStatus records a presence transition and announces it to the room.
func (m *Manager) SetStatus(ctx context.Context, participant storage.Participant, roomID uuid.UUID, status storage.PresenceStatus, docID *uuid.UUID, activity string) {
	if err := m.store.UpsertPresence(ctx, storage.Presence{
		ParticipantID:     participant.ID,
		RoomID:            roomID,
		Status:            status,
		CurrentDocumentID: docID,
		ActivityType:      activity,
		LastActivity:      time.Now(),
	}); err != nil {
		logger.Warn("presence upsert failed for participant %s: %v", participant.ID, err)
	}

	m.broadcast(roomID, protocol.NewPresenceUpdateMsg(protocol.PresenceUpdatePayload{
		ParticipantID:     participant.ID,
		Status:            string(status),
		CurrentDocumentID: docID,
		ActivityType:      activity,
	}), 0)
}

// TouchActivity refreshes a participant's presence row after an operation
// or cursor event, without broadcasting.
func (m *Manager) TouchActivity(participant storage.Participant, roomID uuid.UUID, docID *uuid.UUID, activity string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpsertPresence(ctx, storage.Presence{
			ParticipantID:     participant.ID,
			RoomID:            roomID,
			Status:            storage.PresenceOnline,
			CurrentDocumentID: docID,
			ActivityType:      activity,
			LastActivity:      time.Now(),
		}); err != nil {
			logger.Warn("presence touch failed for participant %s: %v", participant.ID, err)
		}
	}()
}

// Forget drops a participant's cached cursors, e.g. after they leave.
func (m *Manager) Forget(participantID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byDoc := range m.cursors {
		delete(byDoc, participantID)
	}
}

// DropDocument drops the cursor cache of a document.
func (m *Manager) DropDocument(docID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, docID)
}

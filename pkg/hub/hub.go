// Package hub maintains the in-memory registry of rooms: who is connected,
// how events fan out to room members, and when idle in-memory state is
// torn down.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/engine"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/presence"
	"github.com/synclab/collabd/pkg/storage"
)

// Conn is the hub's handle on one client connection. Enqueue must not
// block: it reports false when the peer's outbound queue is full, and the
// hub treats that peer as unhealthy.
type Conn interface {
	ID() uint64
	Enqueue(msg *protocol.Message) bool
	Kick(reason string)
}

// member is one active connection within a room.
type member struct {
	conn         Conn
	participant  storage.Participant
	lastActivity time.Time
	away         bool
}

// roomState is the in-memory state of one active room.
type roomState struct {
	room       storage.Room
	members    map[uint64]*member // keyed by connection id
	emptySince time.Time          // zero while occupied
}

// Hub owns the room registry and all fan-out.
type Hub struct {
	store        storage.Store
	presence     *presence.Manager
	engines      *engine.Registry
	idleTeardown time.Duration
	awayAfter    time.Duration

	mu        sync.RWMutex
	rooms     map[uuid.UUID]*roomState
	connRooms map[uint64]uuid.UUID
}

// New creates a hub. Engines are attached afterwards with SetEngines,
// since the engine registry broadcasts through the hub.
func New(store storage.Store, idleTeardown, awayAfter time.Duration) *Hub {
	h := &Hub{
		store:        store,
		idleTeardown: idleTeardown,
		awayAfter:    awayAfter,
		rooms:        make(map[uuid.UUID]*roomState),
		connRooms:    make(map[uint64]uuid.UUID),
	}
	h.presence = presence.NewManager(store, h.Broadcast)
	return h
}

// SetEngines attaches the document engine registry used for teardown.
func (h *Hub) SetEngines(r *engine.Registry) {
	h.engines = r
}

// Presence returns the hub's presence manager.
func (h *Hub) Presence() *presence.Manager {
	return h.presence
}

// ActiveCount returns the number of connections currently in a room.
func (h *Hub) ActiveCount(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rs.members)
}

// Join registers a connection as a room member, marks it online, announces
// it to the other members, and returns a snapshot of the participants
// currently connected (including the new one). The capacity check and the
// membership insert happen under one lock, so a room can never be admitted
// past max_participants by racing joins.
func (h *Hub) Join(ctx context.Context, conn Conn, room storage.Room, p storage.Participant) ([]storage.Participant, error) {
	h.mu.Lock()
	rs, ok := h.rooms[room.ID]
	if ok && room.MaxParticipants > 0 && len(rs.members) >= room.MaxParticipants {
		h.mu.Unlock()
		return nil, auth.ErrRoomFull
	}
	if !ok {
		rs = &roomState{room: room, members: make(map[uint64]*member)}
		h.rooms[room.ID] = rs
		logger.Info("room %s active", room.ID)
	}
	rs.members[conn.ID()] = &member{conn: conn, participant: p, lastActivity: time.Now()}
	rs.emptySince = time.Time{}
	h.connRooms[conn.ID()] = room.ID

	snapshot := make([]storage.Participant, 0, len(rs.members))
	for _, m := range rs.members {
		snapshot = append(snapshot, m.participant)
	}
	h.mu.Unlock()

	h.presence.SetStatus(ctx, p, room.ID, storage.PresenceOnline, nil, "joined")
	h.Broadcast(room.ID, protocol.NewParticipantJoinedMsg(p), conn.ID())

	logger.Info("participant %s (%s) joined room %s", p.ID, p.DisplayName, room.ID)
	return snapshot, nil
}

// Leave removes a connection from its room, marks the participant offline,
// and announces the departure. It reports the left room and participant,
// or ok=false if the connection was not a member anywhere.
func (h *Hub) Leave(ctx context.Context, connID uint64) (uuid.UUID, storage.Participant, bool) {
	h.mu.Lock()
	roomID, ok := h.connRooms[connID]
	if !ok {
		h.mu.Unlock()
		return uuid.Nil, storage.Participant{}, false
	}
	delete(h.connRooms, connID)

	rs := h.rooms[roomID]
	m := rs.members[connID]
	delete(rs.members, connID)
	if len(rs.members) == 0 {
		rs.emptySince = time.Now()
	}
	h.mu.Unlock()

	h.presence.Forget(m.participant.ID)
	h.presence.SetStatus(ctx, m.participant, roomID, storage.PresenceOffline, nil, "left")
	h.Broadcast(roomID, protocol.NewParticipantLeftMsg(m.participant.ID), connID)

	logger.Info("participant %s left room %s", m.participant.ID, roomID)
	return roomID, m.participant, true
}

// Broadcast fans a message out to every member of a room except
// excludeConn (0 excludes nobody). Delivery is per-peer best-effort: a
// peer whose outbound queue is full is dropped.
func (h *Hub) Broadcast(roomID uuid.UUID, msg *protocol.Message, excludeConn uint64) {
	h.mu.RLock()
	rs, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var slow []Conn
	for id, m := range rs.members {
		if id == excludeConn {
			continue
		}
		if !m.conn.Enqueue(msg) {
			slow = append(slow, m.conn)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("connection %d outbound queue full, dropping", c.ID())
		c.Kick("outbound queue overflow")
	}
}

// Touch records client activity for the away sweep, restoring online
// status for a member who had gone away.
func (h *Hub) Touch(ctx context.Context, connID uint64) {
	h.mu.Lock()
	roomID, ok := h.connRooms[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	m := h.rooms[roomID].members[connID]
	m.lastActivity = time.Now()
	wasAway := m.away
	m.away = false
	p := m.participant
	h.mu.Unlock()

	if wasAway {
		h.presence.SetStatus(ctx, p, roomID, storage.PresenceOnline, nil, "active")
	}
}

// DeliverApplied implements engine.Broadcaster. It runs inside the
// document critical section: the author's acknowledgement is enqueued
// before any peer sees the change, so the author never observes its own
// batch as a foreign operations-applied first.
func (h *Hub) DeliverApplied(roomID uuid.UUID, req engine.Request, res engine.Result) {
	docID := res.Ops[0].DocumentID

	confirmed := make([]protocol.ConfirmedOp, len(res.Ops))
	for i, op := range res.Ops {
		confirmed[i] = protocol.ConfirmedOp{
			ServerSequence: op.ServerSequence,
			ClientSequence: op.ClientSequence,
			Type:           string(op.Type),
			Position:       op.Position,
			Length:         op.Length,
			Content:        op.Content,
		}
	}
	ack := protocol.NewOperationsConfirmedMsg(protocol.OperationsConfirmedPayload{
		DocumentID: docID,
		Ops:        confirmed,
		NewVersion: res.NewVersion,
	}, req.RequestID)

	h.mu.RLock()
	var author Conn
	if rs, ok := h.rooms[roomID]; ok {
		if m, ok := rs.members[req.ConnID]; ok {
			author = m.conn
		}
	}
	h.mu.RUnlock()

	// The author may have disconnected mid-submit; the batch still stands
	// and its acknowledgement is discarded.
	if author != nil && !author.Enqueue(ack) {
		author.Kick("outbound queue overflow")
	}

	if res.Replayed {
		return
	}

	h.Broadcast(roomID, protocol.NewOperationsAppliedMsg(protocol.OperationsAppliedPayload{
		DocumentID:      docID,
		ParticipantID:   req.Participant.ID,
		Ops:             res.Change,
		ServerSequences: res.ServerSequences(),
		NewVersion:      res.NewVersion,
	}), req.ConnID)

	h.presence.ApplyChange(docID, req.Participant.ID, res.Change, res.Content)
	h.presence.TouchActivity(req.Participant, roomID, &docID, "editing")
}

// Rooms returns the number of active rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections returns the number of active connections across all rooms.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connRooms)
}

// Run drives the periodic sweeps until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep tears down rooms that have been empty past the idle threshold and
// marks inactive members away. Durable state is untouched.
func (h *Hub) sweep(ctx context.Context) {
	now := time.Now()

	var torn []uuid.UUID
	var away []struct {
		p      storage.Participant
		roomID uuid.UUID
	}

	h.mu.Lock()
	for id, rs := range h.rooms {
		if len(rs.members) == 0 {
			if h.idleTeardown > 0 && !rs.emptySince.IsZero() && now.Sub(rs.emptySince) > h.idleTeardown {
				delete(h.rooms, id)
				torn = append(torn, id)
			}
			continue
		}
		if h.awayAfter <= 0 {
			continue
		}
		for _, m := range rs.members {
			if !m.away && now.Sub(m.lastActivity) > h.awayAfter {
				m.away = true
				away = append(away, struct {
					p      storage.Participant
					roomID uuid.UUID
				}{m.participant, id})
			}
		}
	}
	h.mu.Unlock()

	for _, id := range torn {
		logger.Info("tearing down idle room %s", id)
		if h.engines != nil {
			h.engines.DropRoom(id)
		}
		if docs, err := h.store.ListDocuments(ctx, id); err == nil {
			for _, d := range docs {
				h.presence.DropDocument(d.ID)
			}
		}
	}
	for _, a := range away {
		h.presence.SetStatus(ctx, a.p, a.roomID, storage.PresenceAway, nil, "idle")
	}
}

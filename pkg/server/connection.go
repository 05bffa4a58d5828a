package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/engine"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/storage"
)

// connState is the lifecycle state of one connection.
type connState int

const (
	stateInit connState = iota // unauthenticated, only join-room accepted
	stateJoined
	stateClosed
)

// Connection handles one client WebSocket. The reader goroutine drives the
// state machine; a writer goroutine drains the outbound queue so slow
// peers never block authors.
type Connection struct {
	connID  uint64
	srv     *Server
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *connLimiter
	out     chan *protocol.Message

	state       connState
	roomID      uuid.UUID
	participant storage.Participant
}

// NewConnection creates a connection handler for an accepted WebSocket.
func NewConnection(srv *Server, conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		connID:  srv.nextConnID(),
		srv:     srv,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		limiter: newConnLimiter(srv.cfg.RateLimits),
		out:     make(chan *protocol.Message, srv.cfg.OutboundQueueSize),
		state:   stateInit,
	}
}

// ID implements hub.Conn.
func (c *Connection) ID() uint64 {
	return c.connID
}

// Enqueue implements hub.Conn: a non-blocking send into the outbound
// queue. A full queue reports false and the hub drops the connection.
func (c *Connection) Enqueue(msg *protocol.Message) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Kick implements hub.Conn: tears the connection down.
func (c *Connection) Kick(reason string) {
	logger.Warn("kicking connection %d: %s", c.connID, reason)
	c.cancel()
}

// Handle runs the connection until it closes.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	logger.Debug("connection %d open", c.connID)

	go c.writePump()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		default:
		}

		// An unauthenticated connection must join within the join timeout.
		readTimeout := c.srv.cfg.ReadTimeout
		if c.state == stateInit {
			readTimeout = c.srv.cfg.JoinTimeout
		}

		readCtx, readCancel := context.WithTimeout(c.ctx, readTimeout)
		var msg protocol.Message
		err := wsjson.Read(readCtx, c.conn, &msg)
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if done := c.handleMessage(ctx, &msg); done {
			return nil
		}
	}
}

// handleMessage dispatches one inbound frame. It reports true when the
// connection should close.
func (c *Connection) handleMessage(ctx context.Context, msg *protocol.Message) bool {
	if c.state == stateInit && msg.Event != protocol.EventJoinRoom {
		c.sendError(protocol.CodeUnauthorized, "join a room first", msg.RequestID)
		return false
	}

	switch msg.Event {
	case protocol.EventJoinRoom:
		return c.handleJoinRoom(ctx, msg)
	case protocol.EventLeaveRoom:
		c.srv.hub.Leave(ctx, c.connID)
		c.state = stateClosed
		c.Enqueue(protocol.NewLeftRoomMsg(msg.RequestID))
		c.flush()
		return true
	case protocol.EventOpenDocument:
		c.handleOpenDocument(ctx, msg)
	case protocol.EventDocumentOperation:
		c.handleDocumentOperation(msg)
	case protocol.EventCursorUpdate:
		c.handleCursorUpdate(ctx, msg)
	case protocol.EventPing:
		c.srv.hub.Touch(ctx, c.connID)
		c.Enqueue(protocol.NewPongMsg(msg.RequestID))
	default:
		c.sendError(protocol.CodeInvalidOperation, "unknown event "+msg.Event, msg.RequestID)
	}
	return false
}

// handleJoinRoom authenticates the connection and admits it to a room.
// Reports true when the connection must close (auth failure).
func (c *Connection) handleJoinRoom(ctx context.Context, msg *protocol.Message) bool {
	if c.state == stateJoined {
		c.sendError(protocol.CodeInvalidOperation, "already in a room", msg.RequestID)
		return false
	}
	if !c.limiter.allowJoin() {
		c.sendError(protocol.CodeRateLimited, "too many join attempts", msg.RequestID)
		return false
	}

	var p protocol.JoinRoomPayload
	if err := msg.Bind(&p); err != nil {
		c.sendError(protocol.CodeInvalidOperation, "malformed join-room payload", msg.RequestID)
		return false
	}
	if p.Token == "" || p.RoomID == uuid.Nil {
		c.sendError(protocol.CodeMissingField, "roomId and token are required", msg.RequestID)
		return false
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.srv.cfg.JoinTimeout)
	defer cancel()

	user, err := c.srv.store.GetUserFromToken(joinCtx, p.Token)
	if err != nil {
		// Authentication failures close the connection.
		c.sendError(protocol.CodeUnauthorized, publicMessage(err), msg.RequestID)
		c.flush()
		return true
	}

	room, err := c.srv.store.GetRoom(joinCtx, p.RoomID)
	if err != nil {
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		c.flush()
		return true
	}

	participant, err := c.srv.admitter.Admit(joinCtx, room, user, p.DisplayName)
	if err != nil {
		logger.Info("admission refused for user %s to room %s: %v", user.ID, room.ID, err)
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		c.flush()
		return true
	}

	snapshot, err := c.srv.hub.Join(ctx, c, room, participant)
	if err != nil {
		logger.Info("join refused for participant %s to room %s: %v", participant.ID, room.ID, err)
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		c.flush()
		return true
	}

	c.roomID = room.ID
	c.participant = participant
	c.state = stateJoined

	infos := make([]protocol.ParticipantInfo, len(snapshot))
	for i, sp := range snapshot {
		infos[i] = protocol.ParticipantInfoFrom(sp)
	}

	c.Enqueue(protocol.NewJoinedRoomMsg(protocol.JoinedRoomPayload{
		ParticipantID: participant.ID,
		Room:          protocol.RoomInfoFrom(room),
		Participants:  infos,
	}, msg.RequestID))
	return false
}

// handleOpenDocument returns a document's current content and version.
func (c *Connection) handleOpenDocument(ctx context.Context, msg *protocol.Message) {
	var p protocol.OpenDocumentPayload
	if err := msg.Bind(&p); err != nil || p.DocumentID == uuid.Nil {
		c.sendError(protocol.CodeMissingField, "documentId is required", msg.RequestID)
		return
	}

	eng, err := c.documentEngine(ctx, p.DocumentID)
	if err != nil {
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		return
	}

	content, version, err := eng.State(ctx)
	if err != nil {
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		return
	}

	doc, err := c.srv.store.GetDocument(ctx, p.DocumentID)
	if err != nil {
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		return
	}

	c.srv.hub.Touch(ctx, c.connID)
	c.srv.hub.Presence().TouchActivity(c.participant, c.roomID, &p.DocumentID, "viewing")

	c.Enqueue(protocol.NewDocumentStateMsg(protocol.DocumentStatePayload{
		DocumentID: p.DocumentID,
		FilePath:   doc.FilePath,
		Content:    content,
		Version:    version,
	}, msg.RequestID))
}

// handleDocumentOperation routes an edit batch to the document engine. The
// acknowledgement reaches this connection through its outbound queue,
// enqueued inside the document critical section before any peer fan-out.
func (c *Connection) handleDocumentOperation(msg *protocol.Message) {
	if !c.limiter.allowOperation() {
		c.sendError(protocol.CodeRateLimited, "operation rate limit exceeded, back off", msg.RequestID)
		return
	}

	var p protocol.DocumentOperationPayload
	if err := msg.Bind(&p); err != nil {
		c.sendError(protocol.CodeInvalidOperation, "malformed operation payload", msg.RequestID)
		return
	}
	if p.DocumentID == uuid.Nil || p.ClientID == uuid.Nil {
		c.sendError(protocol.CodeMissingField, "documentId and clientId are required", msg.RequestID)
		return
	}

	// The submit must complete even if this connection drops mid-flight;
	// a persisted batch is never rolled back for a dead author.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.srv.cfg.SubmitTimeout)
	defer cancel()

	eng, err := c.documentEngine(ctx, p.DocumentID)
	if err != nil {
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
		return
	}

	c.srv.hub.Touch(ctx, c.connID)

	_, err = eng.Submit(ctx, engine.Request{
		Participant:         c.participant,
		ClientID:            p.ClientID,
		ClientSequenceStart: p.ClientSequenceStart,
		BaseVersion:         p.BaseVersion,
		Change:              p.Ops,
		ConnID:              c.connID,
		RequestID:           msg.RequestID,
	})
	if err != nil {
		logger.Debug("submit rejected for connection %d: %v", c.connID, err)
		c.sendError(errorCode(err), publicMessage(err), msg.RequestID)
	}
}

// handleCursorUpdate records and fans out a cursor move. Excess updates
// are dropped silently.
func (c *Connection) handleCursorUpdate(ctx context.Context, msg *protocol.Message) {
	if !c.limiter.allowCursor() {
		return
	}

	var p protocol.CursorUpdatePayload
	if err := msg.Bind(&p); err != nil || p.DocumentID == uuid.Nil {
		return
	}

	eng, err := c.documentEngine(ctx, p.DocumentID)
	if err != nil {
		return
	}
	content, _, err := eng.State(ctx)
	if err != nil {
		return
	}

	c.srv.hub.Touch(ctx, c.connID)
	if err := c.srv.hub.Presence().CursorUpdate(ctx, c.roomID, c.participant, p, content, c.connID); err != nil {
		logger.Debug("cursor update rejected for connection %d: %v", c.connID, err)
		return
	}
	c.srv.hub.Presence().TouchActivity(c.participant, c.roomID, &p.DocumentID, "cursor")
}

// documentEngine resolves a document's engine and verifies the document
// belongs to the joined room.
func (c *Connection) documentEngine(ctx context.Context, docID uuid.UUID) (*engine.Engine, error) {
	eng := c.srv.engines.Get(docID)
	if _, _, err := eng.State(ctx); err != nil {
		c.srv.engines.Drop(docID)
		return nil, err
	}
	if eng.RoomID() != c.roomID {
		return nil, storage.ErrNotFound
	}
	return eng, nil
}

// sendError enqueues an error frame, echoing the failed request id.
func (c *Connection) sendError(code protocol.ErrorCode, message, requestID string) {
	c.Enqueue(protocol.NewErrorMsg(code, message, requestID))
}

// flush waits briefly for the writer to drain the outbound queue, so a
// final frame reaches the client before the connection closes.
func (c *Connection) flush() {
	deadline := time.Now().Add(500 * time.Millisecond)
	for len(c.out) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// writePump drains the outbound queue onto the socket, preserving FIFO
// order per peer.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					logger.Debug("write to connection %d failed: %v", c.connID, err)
				}
				c.cancel()
				return
			}
		}
	}
}

// cleanup leaves the room and releases the connection.
func (c *Connection) cleanup() {
	logger.Debug("connection %d closed", c.connID)
	c.srv.hub.Leave(context.Background(), c.connID)
	c.state = stateClosed
	c.cancel()
}

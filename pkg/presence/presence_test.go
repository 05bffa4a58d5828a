package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
	"github.com/synclab/collabd/pkg/storage/sqlite"
)

type capturedBroadcast struct {
	roomID  uuid.UUID
	msg     *protocol.Message
	exclude uint64
}

type recorder struct {
	mu    sync.Mutex
	calls []capturedBroadcast
}

func (r *recorder) broadcast(roomID uuid.UUID, msg *protocol.Message, exclude uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, capturedBroadcast{roomID, msg, exclude})
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.msg.Event
	}
	return out
}

func setup(t *testing.T) (*Manager, *recorder, storage.Participant, storage.Document) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)
	room, err := store.CreateRoom(ctx, storage.Room{Name: "r", OwnerID: user.ID})
	require.NoError(t, err)
	part, err := store.UpsertParticipant(ctx, storage.Participant{
		RoomID: room.ID, UserID: user.ID, Role: storage.RoleEditor,
		DisplayName: "alice", Color: "#e06c75",
	})
	require.NoError(t, err)
	doc, err := store.CreateDocument(ctx, room.ID, "main.go", "hello\nworld")
	require.NoError(t, err)

	rec := &recorder{}
	return NewManager(store, rec.broadcast), rec, part, doc
}

func TestCursorUpdateValidates(t *testing.T) {
	m, _, part, doc := setup(t)
	ctx := context.Background()

	err := m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: -1, Column: 0,
	}, "hello\nworld", 1)
	assert.ErrorIs(t, err, ErrInvalidCursor)

	neg := -2
	err = m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: 0, Column: 0, SelectionStart: &neg,
	}, "hello\nworld", 1)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursorUpdateBroadcastsExcludingSender(t *testing.T) {
	m, rec, part, doc := setup(t)
	ctx := context.Background()

	err := m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: 1, Column: 3,
	}, "hello\nworld", 42)
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, protocol.EventCursorUpdated, rec.calls[0].msg.Event)
	assert.Equal(t, uint64(42), rec.calls[0].exclude)

	line, col, ok := m.Cursor(doc.ID, part.ID)
	require.True(t, ok)
	assert.Equal(t, 1, line)
	assert.Equal(t, 3, col)
}

// TestApplyChangeTransformsPeerCursors inserts at the top of the document
// and expects a peer cursor on line 0 to shift right.
func TestApplyChangeTransformsPeerCursors(t *testing.T) {
	m, _, part, doc := setup(t)
	ctx := context.Background()

	content := "hello\nworld"
	err := m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: 0, Column: 5,
	}, content, 1)
	require.NoError(t, err)

	// Another participant inserts "!" at position 0.
	change := ot.NewOperationSeq()
	change.Insert("!")
	m.ApplyChange(doc.ID, uuid.New(), change, "!"+content)

	line, col, ok := m.Cursor(doc.ID, part.ID)
	require.True(t, ok)
	assert.Equal(t, 0, line)
	assert.Equal(t, 6, col)
}

// TestApplyChangeSkipsAuthor leaves the author's own cursor alone.
func TestApplyChangeSkipsAuthor(t *testing.T) {
	m, _, part, doc := setup(t)
	ctx := context.Background()

	content := "hello\nworld"
	err := m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: 0, Column: 5,
	}, content, 1)
	require.NoError(t, err)

	change := ot.NewOperationSeq()
	change.Insert("!")
	m.ApplyChange(doc.ID, part.ID, change, "!"+content)

	line, col, ok := m.Cursor(doc.ID, part.ID)
	require.True(t, ok)
	assert.Equal(t, 0, line)
	assert.Equal(t, 5, col)
}

func TestSetStatusBroadcasts(t *testing.T) {
	m, rec, part, _ := setup(t)

	m.SetStatus(context.Background(), part, part.RoomID, storage.PresenceAway, nil, "idle")

	events := rec.events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventPresenceUpdate, events[0])
}

func TestForgetDropsCursors(t *testing.T) {
	m, _, part, doc := setup(t)
	ctx := context.Background()

	err := m.CursorUpdate(ctx, part.RoomID, part, protocol.CursorUpdatePayload{
		DocumentID: doc.ID, Line: 0, Column: 1,
	}, "hello", 1)
	require.NoError(t, err)

	m.Forget(part.ID)
	_, _, ok := m.Cursor(doc.ID, part.ID)
	assert.False(t, ok)
}

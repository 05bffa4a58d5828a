package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/engine"
	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
	"github.com/synclab/collabd/pkg/storage/sqlite"
)

// fakeConn records enqueued messages; full simulates a saturated queue.
type fakeConn struct {
	id     uint64
	mu     sync.Mutex
	msgs   []*protocol.Message
	full   bool
	kicked bool
}

func (f *fakeConn) ID() uint64 { return f.id }

func (f *fakeConn) Enqueue(msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeConn) Kick(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = true
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Event
	}
	return out
}

type hubFixture struct {
	hub    *Hub
	store  *sqlite.Store
	room   storage.Room
	editor storage.Participant
	doc    storage.Document
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)
	room, err := store.CreateRoom(ctx, storage.Room{Name: "backend", OwnerID: user.ID})
	require.NoError(t, err)
	editor, err := store.UpsertParticipant(ctx, storage.Participant{
		RoomID: room.ID, UserID: user.ID, Role: storage.RoleEditor,
		DisplayName: "alice", Color: "#e06c75",
	})
	require.NoError(t, err)
	doc, err := store.CreateDocument(ctx, room.ID, "main.go", "")
	require.NoError(t, err)

	h := New(store, time.Minute, time.Minute)
	h.SetEngines(engine.NewRegistry(store, h, 100, 0))
	return &hubFixture{hub: h, store: store, room: room, editor: editor, doc: doc}
}

func secondParticipant(t *testing.T, f *hubFixture, name string) storage.Participant {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.CreateUser(ctx, name)
	require.NoError(t, err)
	p, err := f.store.UpsertParticipant(ctx, storage.Participant{
		RoomID: f.room.ID, UserID: u.ID, Role: storage.RoleEditor,
		DisplayName: name, Color: "#61afef",
	})
	require.NoError(t, err)
	return p
}

func TestJoinSnapshotAndAnnounce(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	c1 := &fakeConn{id: 1}
	snap1, err := f.hub.Join(ctx, c1, f.room, f.editor)
	require.NoError(t, err)
	assert.Len(t, snap1, 1)

	p2 := secondParticipant(t, f, "bob")
	c2 := &fakeConn{id: 2}
	snap2, err := f.hub.Join(ctx, c2, f.room, p2)
	require.NoError(t, err)
	assert.Len(t, snap2, 2)

	// The existing member saw the join announcement; the joiner did not
	// receive its own.
	assert.Contains(t, c1.events(), protocol.EventParticipantJoined)
	assert.NotContains(t, c2.events(), protocol.EventParticipantJoined)

	assert.Equal(t, 2, f.hub.ActiveCount(f.room.ID))
	assert.Equal(t, 2, f.hub.Connections())
}

// TestJoinRoomFull verifies the capacity check happens atomically with the
// membership insert: once the room is at max_participants, further joins
// fail instead of overshooting.
func TestJoinRoomFull(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	room := f.room
	room.MaxParticipants = 2

	_, err := f.hub.Join(ctx, &fakeConn{id: 1}, room, f.editor)
	require.NoError(t, err)
	_, err = f.hub.Join(ctx, &fakeConn{id: 2}, room, secondParticipant(t, f, "bob"))
	require.NoError(t, err)

	_, err = f.hub.Join(ctx, &fakeConn{id: 3}, room, secondParticipant(t, f, "carol"))
	assert.ErrorIs(t, err, auth.ErrRoomFull)
	assert.Equal(t, 2, f.hub.ActiveCount(room.ID))

	// A member leaving frees the seat.
	f.hub.Leave(ctx, 2)
	_, err = f.hub.Join(ctx, &fakeConn{id: 3}, room, secondParticipant(t, f, "carol"))
	require.NoError(t, err)
}

func TestLeaveAnnounces(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	c1 := &fakeConn{id: 1}
	f.hub.Join(ctx, c1, f.room, f.editor)
	p2 := secondParticipant(t, f, "bob")
	c2 := &fakeConn{id: 2}
	f.hub.Join(ctx, c2, f.room, p2)

	roomID, left, ok := f.hub.Leave(ctx, 2)
	require.True(t, ok)
	assert.Equal(t, f.room.ID, roomID)
	assert.Equal(t, p2.ID, left.ID)
	assert.Contains(t, c1.events(), protocol.EventParticipantLeft)
	assert.Equal(t, 1, f.hub.ActiveCount(f.room.ID))

	// Leaving twice is a no-op.
	_, _, ok = f.hub.Leave(ctx, 2)
	assert.False(t, ok)
}

func TestBroadcastExcludesAuthorAndKicksSlowPeers(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	c1 := &fakeConn{id: 1}
	c2 := &fakeConn{id: 2}
	c3 := &fakeConn{id: 3, full: true}
	f.hub.Join(ctx, c1, f.room, f.editor)
	f.hub.Join(ctx, c2, f.room, secondParticipant(t, f, "bob"))
	f.hub.Join(ctx, c3, f.room, secondParticipant(t, f, "carol"))

	before1, before2 := len(c1.events()), len(c2.events())
	msg := protocol.NewParticipantLeftMsg(uuid.New())
	f.hub.Broadcast(f.room.ID, msg, 1)

	// The author is excluded, healthy peers get the message, and the
	// overflowed peer is dropped.
	assert.Len(t, c1.events(), before1)
	assert.Len(t, c2.events(), before2+1)
	assert.True(t, c3.kicked)
}

// TestDeliverAppliedOrdering verifies the author's acknowledgement is
// enqueued before peers receive the applied event, and that replays reach
// only the author.
func TestDeliverAppliedOrdering(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	author := &fakeConn{id: 1}
	peer := &fakeConn{id: 2}
	f.hub.Join(ctx, author, f.room, f.editor)
	f.hub.Join(ctx, peer, f.room, secondParticipant(t, f, "bob"))

	eng := engine.New(f.doc.ID, f.store, f.hub, 100, 0)
	change := ot.NewOperationSeq()
	change.Insert("hi")

	req := engine.Request{
		Participant: f.editor, ClientID: uuid.New(), ClientSequenceStart: 1,
		BaseVersion: 0, Change: change, ConnID: 1, RequestID: "r1",
	}
	_, err := eng.Submit(ctx, req)
	require.NoError(t, err)

	authorEvents := author.events()
	require.Contains(t, authorEvents, protocol.EventOperationsConfirmed)
	assert.NotContains(t, authorEvents, protocol.EventOperationsApplied)

	peerEvents := peer.events()
	assert.Contains(t, peerEvents, protocol.EventOperationsApplied)
	assert.NotContains(t, peerEvents, protocol.EventOperationsConfirmed)

	// Replay: author is re-acked, peers see nothing new.
	peerBefore := len(peer.events())
	_, err = eng.Submit(ctx, req)
	require.NoError(t, err)
	assert.Len(t, peer.events(), peerBefore)

	var confirmedCount int
	for _, e := range author.events() {
		if e == protocol.EventOperationsConfirmed {
			confirmedCount++
		}
	}
	assert.Equal(t, 2, confirmedCount)
}

// TestPeerSequenceOrder checks P7: a peer observes strictly increasing
// server sequences for a document.
func TestPeerSequenceOrder(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	author := &fakeConn{id: 1}
	peer := &fakeConn{id: 2}
	f.hub.Join(ctx, author, f.room, f.editor)
	f.hub.Join(ctx, peer, f.room, secondParticipant(t, f, "bob"))

	eng := engine.New(f.doc.ID, f.store, f.hub, 100, 0)
	for i := 0; i < 10; i++ {
		change := ot.NewOperationSeq()
		change.Insert("x")
		_, err := eng.Submit(ctx, engine.Request{
			Participant: f.editor, ClientID: uuid.New(), ClientSequenceStart: 1,
			BaseVersion: int64(i), Change: change, ConnID: 1,
		})
		require.NoError(t, err)
	}

	var last int64
	peer.mu.Lock()
	defer peer.mu.Unlock()
	for _, m := range peer.msgs {
		if m.Event != protocol.EventOperationsApplied {
			continue
		}
		var p protocol.OperationsAppliedPayload
		require.NoError(t, m.Bind(&p))
		for _, seq := range p.ServerSequences {
			require.Greater(t, seq, last)
			last = seq
		}
	}
	assert.Equal(t, int64(10), last)
}

func TestSweepTearsDownIdleRooms(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	h := New(f.store, time.Millisecond, 0)
	h.SetEngines(engine.NewRegistry(f.store, h, 100, 0))

	c := &fakeConn{id: 1}
	h.Join(ctx, c, f.room, f.editor)
	require.Equal(t, 1, h.Rooms())

	h.Leave(ctx, 1)
	time.Sleep(5 * time.Millisecond)
	h.sweep(ctx)

	assert.Equal(t, 0, h.Rooms())
}

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclab/collabd/pkg/storage"
	"github.com/synclab/collabd/pkg/storage/sqlite"
)

func setup(t *testing.T) (*Admitter, *sqlite.Store, storage.Room, storage.User) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	owner, err := store.CreateUser(ctx, "alice")
	require.NoError(t, err)
	room, err := store.CreateRoom(ctx, storage.Room{
		Name: "backend", OwnerID: owner.ID, MaxParticipants: 2,
	})
	require.NoError(t, err)

	return NewAdmitter(store), store, room, owner
}

func TestOwnerAdmittedWithOwnerRole(t *testing.T) {
	a, _, room, owner := setup(t)

	p, err := a.Admit(context.Background(), room, owner, "")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleOwner, p.Role)
	assert.Equal(t, "alice", p.DisplayName)
	assert.Equal(t, storage.PresenceOnline, p.PresenceStatus)
	assert.NotEmpty(t, p.Color)
}

func TestKnownParticipantKeepsRole(t *testing.T) {
	a, store, room, _ := setup(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "carol")
	require.NoError(t, err)
	_, err = store.UpsertParticipant(ctx, storage.Participant{
		RoomID: room.ID, UserID: user.ID, Role: storage.RoleViewer,
		DisplayName: "carol", Color: "#abb2bf",
	})
	require.NoError(t, err)

	p, err := a.Admit(ctx, room, user, "Carol!")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleViewer, p.Role)
	assert.Equal(t, "Carol!", p.DisplayName)
}

func TestUnknownUserDeniedWhenClosed(t *testing.T) {
	a, store, room, _ := setup(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "mallory")
	require.NoError(t, err)

	_, err = a.Admit(ctx, room, user, "")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestUnknownUserAdmittedWhenOpen(t *testing.T) {
	a, store, room, _ := setup(t)
	ctx := context.Background()

	room.AllowAnonymous = true
	room, err := store.UpdateRoom(ctx, room)
	require.NoError(t, err)

	user, err := store.CreateUser(ctx, "dave")
	require.NoError(t, err)

	p, err := a.Admit(ctx, room, user, "")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleEditor, p.Role)
}

func TestArchivedRoomRejected(t *testing.T) {
	a, store, room, owner := setup(t)
	ctx := context.Background()

	room.Status = storage.RoomArchived
	room, err := store.UpdateRoom(ctx, room)
	require.NoError(t, err)

	_, err = a.Admit(ctx, room, owner, "")
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestColorForStable(t *testing.T) {
	_, store, _, _ := setup(t)
	user, err := store.CreateUser(context.Background(), "eve")
	require.NoError(t, err)

	assert.Equal(t, ColorFor(user.ID), ColorFor(user.ID))
}

func TestGenerateToken(t *testing.T) {
	a := GenerateToken()
	b := GenerateToken()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

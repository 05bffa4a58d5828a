// Package auth implements room admission and role-based access control.
package auth

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// Admission failures.
var (
	ErrAccessDenied = errors.New("auth: access denied")
	ErrRoomFull     = errors.New("auth: room full")
	ErrRoomClosed   = errors.New("auth: room is not active")
)

// CanEdit reports whether the role may author document operations.
func CanEdit(role storage.Role) bool {
	return role == storage.RoleOwner || role == storage.RoleEditor
}

// CanManageRoom reports whether the role may archive or delete the room.
func CanManageRoom(role storage.Role) bool {
	return role == storage.RoleOwner
}

// palette is the fixed set of participant colors, assigned by a stable
// hash of the user id.
var palette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#e5c07b", "#abb2bf",
}

// ColorFor picks a palette color for a user.
func ColorFor(userID uuid.UUID) string {
	h := fnv.New32a()
	h.Write(userID[:])
	return palette[h.Sum32()%uint32(len(palette))]
}

// Admitter decides whether an authenticated user may enter a room, and
// with which participant row.
type Admitter struct {
	store storage.Store
}

// NewAdmitter creates an Admitter backed by the given store.
func NewAdmitter(store storage.Store) *Admitter {
	return &Admitter{store: store}
}

// Admit verifies room access for a user and returns their participant.
// Known participants are admitted with their stored role. An unknown user
// who owns the room is admitted as owner; other unknown users are admitted
// as editors when the room allows open join, otherwise rejected with
// ErrAccessDenied. Capacity is not checked here: the room
// hub enforces max_participants atomically when it inserts the member.
func (a *Admitter) Admit(ctx context.Context, room storage.Room, user storage.User, displayName string) (storage.Participant, error) {
	if room.Status != storage.RoomActive {
		return storage.Participant{}, ErrRoomClosed
	}

	if displayName == "" {
		displayName = user.Name
	}

	p, err := a.store.GetParticipant(ctx, room.ID, user.ID)
	if err == nil {
		p.DisplayName = displayName
		p.PresenceStatus = storage.PresenceOnline
		p.LastSeen = time.Now()
		return a.store.UpsertParticipant(ctx, p)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Participant{}, fmt.Errorf("lookup participant: %w", err)
	}

	role := storage.RoleEditor
	if user.ID == room.OwnerID {
		role = storage.RoleOwner
	} else if !room.AllowAnonymous {
		return storage.Participant{}, ErrAccessDenied
	}

	return a.store.UpsertParticipant(ctx, storage.Participant{
		RoomID:         room.ID,
		UserID:         user.ID,
		Role:           role,
		DisplayName:    displayName,
		Color:          ColorFor(user.ID),
		PresenceStatus: storage.PresenceOnline,
		LastSeen:       time.Now(),
	})
}

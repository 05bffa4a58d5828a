package server

import (
	"errors"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/engine"
	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
)

// errorCode maps a domain error to its wire code. Internal details stay in
// the log; the client sees the code and a short message.
func errorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, storage.ErrInvalidToken):
		return protocol.CodeUnauthorized
	case errors.Is(err, auth.ErrAccessDenied), errors.Is(err, auth.ErrRoomClosed):
		return protocol.CodeAccessDenied
	case errors.Is(err, auth.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, engine.ErrReadOnly):
		return protocol.CodeInsufficientPermissions
	case errors.Is(err, engine.ErrSyncRequired):
		return protocol.CodeSyncRequired
	case errors.Is(err, engine.ErrEmptyBatch),
		errors.Is(err, engine.ErrInvalidBase),
		errors.Is(err, engine.ErrTooLarge),
		errors.Is(err, ot.ErrInvalidOp),
		errors.Is(err, ot.ErrLengthMismatch):
		return protocol.CodeInvalidOperation
	case errors.Is(err, storage.ErrNotFound):
		return protocol.CodeNotFound
	default:
		return protocol.CodeInternalError
	}
}

// publicMessage is the client-safe description for an error.
func publicMessage(err error) string {
	switch errorCode(err) {
	case protocol.CodeUnauthorized:
		return "invalid or missing credentials"
	case protocol.CodeAccessDenied:
		return "you do not have access to this room"
	case protocol.CodeRoomFull:
		return "the room is at capacity"
	case protocol.CodeInsufficientPermissions:
		return "viewers cannot edit documents"
	case protocol.CodeSyncRequired:
		return "base version too old, refetch the document and retry"
	case protocol.CodeInvalidOperation:
		return "malformed operation batch"
	case protocol.CodeNotFound:
		return "resource not found"
	default:
		return "internal error"
	}
}

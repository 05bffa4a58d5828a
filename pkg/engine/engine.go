// Package engine serializes and applies document operation batches.
//
// One Engine owns one document: it transforms incoming batches against the
// concurrent history, applies them to the authoritative content, persists
// them with freshly assigned server sequences, and hands the applied change
// to the broadcaster. All of that happens inside the per-document critical
// section, so a document's history is strictly linear.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/ot"
	"github.com/synclab/collabd/pkg/storage"
)

// Submit failures.
var (
	ErrEmptyBatch   = errors.New("engine: empty operation batch")
	ErrReadOnly     = errors.New("engine: participant may not edit")
	ErrSyncRequired = errors.New("engine: base version too far behind")
	ErrInvalidBase  = errors.New("engine: base version ahead of document")
	ErrTooLarge     = errors.New("engine: document size limit exceeded")
)

// Request is one operation batch from a connection.
type Request struct {
	Participant         storage.Participant
	ClientID            uuid.UUID
	ClientSequenceStart int64
	BaseVersion         int64
	Change              *ot.OperationSeq

	// ConnID identifies the authoring connection for ack routing.
	ConnID uint64
	// RequestID is echoed back on the acknowledgement.
	RequestID string
}

// Result reports an applied (or replayed) batch.
type Result struct {
	Ops        []storage.Operation
	Change     *ot.OperationSeq
	NewVersion int64
	// Content is the document content after the batch.
	Content string
	// Replayed is set when the batch was already persisted and the stored
	// acknowledgement is being returned again.
	Replayed bool
}

// ServerSequences returns the sequences assigned to the batch, in order.
func (r Result) ServerSequences() []int64 {
	seqs := make([]int64, len(r.Ops))
	for i, op := range r.Ops {
		seqs[i] = op.ServerSequence
	}
	return seqs
}

// Broadcaster receives applied batches from inside the document critical
// section. Implementations must enqueue the author's acknowledgement before
// any peer fan-out, and must not block.
type Broadcaster interface {
	DeliverApplied(roomID uuid.UUID, req Request, res Result)
}

// Engine is the serializer for a single document.
type Engine struct {
	docID       uuid.UUID
	store       storage.Store
	broadcaster Broadcaster
	window      int64
	maxDocSize  int

	mu      sync.Mutex
	loaded  bool
	roomID  uuid.UUID
	content string
	version int64
}

// New creates an engine for a document. State is loaded on first use.
func New(docID uuid.UUID, store storage.Store, b Broadcaster, window int64, maxDocSize int) *Engine {
	return &Engine{
		docID:       docID,
		store:       store,
		broadcaster: b,
		window:      window,
		maxDocSize:  maxDocSize,
	}
}

// DocumentID returns the id of the document this engine owns.
func (e *Engine) DocumentID() uuid.UUID {
	return e.docID
}

// RoomID returns the room of the document, or uuid.Nil before first load.
func (e *Engine) RoomID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomID
}

// State returns the current content and version, loading if necessary.
func (e *Engine) State(ctx context.Context) (string, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(ctx); err != nil {
		return "", 0, err
	}
	return e.content, e.version, nil
}

// Submit validates, transforms, applies, and persists one batch, then
// hands it to the broadcaster. At most one Submit runs per document;
// callers for the same document queue on the engine mutex.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Change == nil || len(req.Change.Ops()) == 0 {
		return Result{}, ErrEmptyBatch
	}
	if !auth.CanEdit(req.Participant.Role) {
		return Result{}, ErrReadOnly
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return Result{}, err
	}

	// A replayed batch returns its original acknowledgement.
	if res, ok, err := e.findReplay(ctx, req); err != nil {
		return Result{}, err
	} else if ok {
		e.broadcaster.DeliverApplied(e.roomID, req, res)
		return res, nil
	}

	if req.BaseVersion > e.version {
		return Result{}, fmt.Errorf("%w: base %d, version %d", ErrInvalidBase, req.BaseVersion, e.version)
	}
	if e.version-req.BaseVersion > e.window {
		return Result{}, fmt.Errorf("%w: base %d, version %d, window %d",
			ErrSyncRequired, req.BaseVersion, e.version, e.window)
	}

	// Transform the client change across everything applied since its base.
	// History is immutable; only the client change is rewritten.
	change := req.Change
	if e.version > req.BaseVersion {
		history, err := e.store.GetOperationsSince(ctx, e.docID, req.BaseVersion, 0)
		if err != nil {
			return Result{}, fmt.Errorf("load history: %w", err)
		}
		logger.Debug("submit doc=%s: transforming against %d concurrent op(s)", e.docID, len(history))
		for _, h := range history {
			_, transformed, err := changeFromStored(h).Transform(change)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ot.ErrInvalidOp, err)
			}
			change = transformed
		}
	}

	newContent, err := change.Apply(e.content)
	if err != nil {
		return Result{}, err
	}
	if e.maxDocSize > 0 && len(newContent) > e.maxDocSize {
		return Result{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(newContent), e.maxDocSize)
	}

	rows := decompose(change, req)
	if len(rows) == 0 {
		return Result{}, ErrEmptyBatch
	}

	newVersion := e.version + int64(len(rows))
	stored, err := e.store.AppendOperationsAndUpdateDocument(ctx, e.docID, rows, newContent, newVersion)
	if err != nil {
		// In-memory state was not touched; the batch leaves no trace.
		return Result{}, fmt.Errorf("append operations: %w", err)
	}

	e.content = newContent
	e.version = newVersion

	res := Result{Ops: stored, Change: change, NewVersion: newVersion, Content: newContent}
	e.broadcaster.DeliverApplied(e.roomID, req, res)
	return res, nil
}

// load pulls document state from the store on first use. Caller holds mu.
func (e *Engine) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	doc, err := e.store.GetDocument(ctx, e.docID)
	if err != nil {
		return err
	}
	e.roomID = doc.RoomID
	e.content = doc.Content
	e.version = doc.Version
	e.loaded = true
	return nil
}

// findReplay checks the batch's idempotency key against persisted history.
// Batches are appended atomically, so a stored first key means the whole
// batch was persisted; its rows are the consecutive client sequences.
func (e *Engine) findReplay(ctx context.Context, req Request) (Result, bool, error) {
	first, err := e.store.FindOperationByIdempotencyKey(ctx, e.docID, req.ClientID, req.ClientSequenceStart)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	ops := []storage.Operation{first}
	for seq := req.ClientSequenceStart + 1; ; seq++ {
		op, err := e.store.FindOperationByIdempotencyKey(ctx, e.docID, req.ClientID, seq)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return Result{}, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		// Rows of one batch are contiguous in server sequence.
		if op.ServerSequence != ops[len(ops)-1].ServerSequence+1 {
			break
		}
		ops = append(ops, op)
	}

	logger.Debug("submit doc=%s: replayed batch client=%s seq=%d (%d op(s))",
		e.docID, req.ClientID, req.ClientSequenceStart, len(ops))
	return Result{Ops: ops, NewVersion: e.version, Content: e.content, Replayed: true}, true, nil
}

// changeFromStored rebuilds the full-document change of one stored op.
func changeFromStored(op storage.Operation) *ot.OperationSeq {
	change := ot.NewOperationSeq()
	change.Retain(op.Position)
	switch op.Type {
	case storage.OpInsert:
		change.Insert(op.Content)
	case storage.OpDelete:
		change.Delete(op.Length)
	}
	return change
}

// decompose flattens a change into position-addressed operation rows, one
// per effective edit, assigning consecutive client sequences. Positions are
// relative to the document as each edit lands, so replaying the rows in
// order reproduces the change.
func decompose(change *ot.OperationSeq, req Request) []storage.NewOperation {
	var rows []storage.NewOperation
	baseIndex, shift := 0, 0
	next := req.ClientSequenceStart

	for _, op := range change.Ops() {
		switch v := op.(type) {
		case ot.Retain:
			baseIndex += v.N
		case ot.Insert:
			rows = append(rows, storage.NewOperation{
				ParticipantID:  req.Participant.ID,
				Type:           storage.OpInsert,
				Position:       baseIndex + shift,
				Content:        v.Text,
				ClientID:       req.ClientID,
				ClientSequence: next,
			})
			next++
			shift += len([]rune(v.Text))
		case ot.Delete:
			rows = append(rows, storage.NewOperation{
				ParticipantID:  req.Participant.ID,
				Type:           storage.OpDelete,
				Position:       baseIndex + shift,
				Length:         v.N,
				ClientID:       req.ClientID,
				ClientSequence: next,
			})
			next++
			baseIndex += v.N
			shift -= v.N
		}
	}
	return rows
}

package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/synclab/collabd/pkg/storage"
)

// Registry owns one Engine per active document. Engines for different
// documents run independently; the registry only guards the map.
type Registry struct {
	store       storage.Store
	broadcaster Broadcaster
	window      int64
	maxDocSize  int

	mu      sync.Mutex
	engines map[uuid.UUID]*Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry(store storage.Store, b Broadcaster, window int64, maxDocSize int) *Registry {
	return &Registry{
		store:       store,
		broadcaster: b,
		window:      window,
		maxDocSize:  maxDocSize,
		engines:     make(map[uuid.UUID]*Engine),
	}
}

// Get returns the engine for a document, creating it if needed.
func (r *Registry) Get(docID uuid.UUID) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[docID]; ok {
		return e
	}
	e := New(docID, r.store, r.broadcaster, r.window, r.maxDocSize)
	r.engines[docID] = e
	return e
}

// Drop evicts a document's engine, if any. Durable state is untouched.
func (r *Registry) Drop(docID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, docID)
}

// DropRoom evicts every loaded engine belonging to a room.
func (r *Registry) DropRoom(roomID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.engines {
		if e.RoomID() == roomID {
			delete(r.engines, id)
		}
	}
}

// Len returns the number of active engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

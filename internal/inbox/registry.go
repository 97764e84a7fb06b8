package inbox

import (
	"sort"
	"sync"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

// Handle holds the nested subscriptions opened for one room.
type Handle struct {
	Messages docstore.Unsubscribe
	Profile  docstore.Unsubscribe
}

// Close cancels every subscription in the handle.
func (h Handle) Close() {
	if h.Messages != nil {
		h.Messages()
	}
	if h.Profile != nil {
		h.Profile()
	}
}

// Registry maps room ids to their nested subscriptions. It holds at most
// one handle per room.
type Registry struct {
	mu sync.Mutex
	m  map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Handle)}
}

func (r *Registry) Has(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[roomID]
	return ok
}

// Put stores h for roomID. It reports false, storing nothing, if the room
// already has a handle.
func (r *Registry) Put(roomID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[roomID]; ok {
		return false
	}
	r.m[roomID] = h
	return true
}

func (r *Registry) Remove(roomID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[roomID]
	delete(r.m, roomID)
	return h, ok
}

// Drain removes and returns every handle.
func (r *Registry) Drain() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.m))
	for id, h := range r.m {
		out = append(out, h)
		delete(r.m, id)
	}
	return out
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

package inbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

type write struct {
	op     string
	roomID string
	field  docstore.SetField
}

// fakeStore records subscriptions and lets tests deliver snapshots by hand.
type fakeStore struct {
	mu sync.Mutex

	subs   int
	unsubs int

	roomsFns   map[int]func([]docstore.Room, error)
	messageFns map[string]map[int]func([]docstore.Message, error)
	profileFns map[string]map[int]func(docstore.Profile, error)
	nextID     int
	writes     []write
	tombstones []docstore.DeleteMarker
	writeErr   error
	writeGate  chan struct{}
	refreshErr error

	// point-in-time data served to Refresh
	rooms    []docstore.Room
	feeds    map[string][]docstore.Message
	profiles map[string]docstore.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roomsFns:   make(map[int]func([]docstore.Room, error)),
		messageFns: make(map[string]map[int]func([]docstore.Message, error)),
		profileFns: make(map[string]map[int]func(docstore.Profile, error)),
		feeds:      make(map[string][]docstore.Message),
		profiles:   make(map[string]docstore.Profile),
	}
}

func (f *fakeStore) unsubscribe(remove func()) docstore.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubs++
			remove()
			f.mu.Unlock()
		})
	}
}

func (f *fakeStore) WatchRooms(_ string, fn func([]docstore.Room, error)) docstore.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.nextID++
	id := f.nextID
	f.roomsFns[id] = fn
	return f.unsubscribe(func() { delete(f.roomsFns, id) })
}

func (f *fakeStore) WatchMessages(roomID string, _ int, fn func([]docstore.Message, error)) docstore.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.nextID++
	id := f.nextID
	if f.messageFns[roomID] == nil {
		f.messageFns[roomID] = make(map[int]func([]docstore.Message, error))
	}
	f.messageFns[roomID][id] = fn
	return f.unsubscribe(func() { delete(f.messageFns[roomID], id) })
}

func (f *fakeStore) WatchProfile(userID string, fn func(docstore.Profile, error)) docstore.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.nextID++
	id := f.nextID
	if f.profileFns[userID] == nil {
		f.profileFns[userID] = make(map[int]func(docstore.Profile, error))
	}
	f.profileFns[userID][id] = fn
	return f.unsubscribe(func() { delete(f.profileFns[userID], id) })
}

func (f *fakeStore) emitRooms(rooms []docstore.Room, err error) {
	f.mu.Lock()
	fns := make([]func([]docstore.Room, error), 0, len(f.roomsFns))
	for _, fn := range f.roomsFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(rooms, err)
	}
}

func (f *fakeStore) emitMessages(roomID string, msgs []docstore.Message, err error) {
	f.mu.Lock()
	fns := make([]func([]docstore.Message, error), 0)
	for _, fn := range f.messageFns[roomID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msgs, err)
	}
}

func (f *fakeStore) emitProfile(p docstore.Profile) {
	f.mu.Lock()
	fns := make([]func(docstore.Profile, error), 0)
	for _, fn := range f.profileFns[p.UserID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p, nil)
	}
}

// messageFn returns one registered feed callback, even after unsubscribe.
func (f *fakeStore) messageFn(roomID string) func([]docstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.messageFns[roomID] {
		return fn
	}
	return nil
}

func (f *fakeStore) counts() (subs, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs, f.unsubs
}

func (f *fakeStore) recorded() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func (f *fakeStore) setWrite(op, roomID string, field docstore.SetField) error {
	f.mu.Lock()
	gate := f.writeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write{op: op, roomID: roomID, field: field})
	return f.writeErr
}

func (f *fakeStore) AddToSet(_ context.Context, roomID string, field docstore.SetField, _ string) error {
	return f.setWrite("add", roomID, field)
}

func (f *fakeStore) RemoveFromSet(_ context.Context, roomID string, field docstore.SetField, _ string) error {
	return f.setWrite("remove", roomID, field)
}

func (f *fakeStore) AppendTombstone(_ context.Context, roomID string, m docstore.DeleteMarker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, write{op: "tombstone", roomID: roomID})
	f.tombstones = append(f.tombstones, m)
	return nil
}

func (f *fakeStore) RoomsFor(context.Context, string) ([]docstore.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return append([]docstore.Room(nil), f.rooms...), nil
}

func (f *fakeStore) Messages(_ context.Context, roomID string, _ int) ([]docstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeds[roomID], nil
}

func (f *fakeStore) Profile(_ context.Context, userID string) (docstore.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return docstore.Profile{}, fmt.Errorf("profile %s: %w", userID, docstore.ErrNotFound)
	}
	return p, nil
}

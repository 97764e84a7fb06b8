package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

var log = logging.Logger("inbox")

type Options struct {
	MaxPins   int
	FeedLimit int

	// Registry tracks nested room subscriptions. Nil creates a private one.
	Registry *Registry

	WriteTimeout time.Duration
	Now          func() time.Time
}

// Engine maintains the live inbox of one viewer.
type Engine struct {
	store  Store
	viewer string
	opt    Options
	reg    *Registry

	mu      sync.Mutex
	started bool
	closed  bool
	parent  docstore.Unsubscribe
	rooms   map[string]*roomEntry
	state   State

	// local mirror of the viewer's pins and mutes, with in-flight writes
	pinned      map[string]bool
	muted       map[string]bool
	pendingPin  map[string]int
	pendingMute map[string]int

	listeners       map[chan State]struct{}
	noticeListeners map[chan Notice]struct{}
	notices         *util.RingBuffer[Notice]

	writes sync.WaitGroup
}

type roomEntry struct {
	room     docstore.Room
	messages []docstore.Message
	profile  *docstore.Profile
	preview  *Preview
}

func New(store Store, viewerID string, opt Options) *Engine {
	if opt.MaxPins <= 0 {
		opt.MaxPins = DefaultMaxPins
	}
	if opt.FeedLimit <= 0 {
		opt.FeedLimit = DefaultFeedLimit
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = util.DefaultWriteTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	reg := opt.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	return &Engine{
		store:           store,
		viewer:          viewerID,
		opt:             opt,
		reg:             reg,
		rooms:           make(map[string]*roomEntry),
		pinned:          make(map[string]bool),
		muted:           make(map[string]bool),
		pendingPin:      make(map[string]int),
		pendingMute:     make(map[string]int),
		listeners:       make(map[chan State]struct{}),
		noticeListeners: make(map[chan Notice]struct{}),
		notices:         util.NewRingBuffer[Notice](32),
		state:           State{Chats: []Summary{}, PinnedIDs: []string{}, MutedIDs: []string{}},
	}
}

// Viewer returns the user id the inbox is built for.
func (e *Engine) Viewer() string { return e.viewer }

// Start opens the top-level room subscription. Rows arrive asynchronously.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrStarted
	}
	e.started = true
	e.state.Loading = true
	e.state.Version++
	e.broadcastLocked()
	e.openParentLocked()
	log.Infof("inbox started for %s", e.viewer)
	return nil
}

func (e *Engine) openParentLocked() {
	e.parent = e.store.WatchRooms(e.viewer, e.onRooms)
}

// Close tears down the top-level subscription and every room subscription,
// then waits for in-flight writes.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.parent != nil {
		e.parent()
		e.parent = nil
	}
	e.teardownRoomsLocked()
	for ch := range e.listeners {
		delete(e.listeners, ch)
		close(ch)
	}
	for ch := range e.noticeListeners {
		delete(e.noticeListeners, ch)
		close(ch)
	}
	e.mu.Unlock()

	e.writes.Wait()
	log.Infof("inbox closed for %s", e.viewer)
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a channel that receives the current state and every
// later change. A slow reader only misses superseded states.
func (e *Engine) Subscribe() (ch chan State, cancel func()) {
	ch = make(chan State, 8)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.listeners[ch] = struct{}{}
	ch <- e.state
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeNotices returns a channel of transient notices.
func (e *Engine) SubscribeNotices() (ch chan Notice, cancel func()) {
	ch = make(chan Notice, 16)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.noticeListeners[ch] = struct{}{}
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.noticeListeners[ch]; ok {
			delete(e.noticeListeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

// Notices returns the most recent notices, oldest first.
func (e *Engine) Notices() []Notice {
	return e.notices.Snapshot()
}

// ── Listener handlers ──

func (e *Engine) onRooms(rooms []docstore.Room, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.parent == nil {
		return
	}

	if err != nil {
		log.Errorf("rooms for %s: %v", e.viewer, err)
		e.failLocked()
		return
	}

	e.applyRoomsLocked(rooms)
	for _, r := range rooms {
		e.ensureChildrenLocked(r)
	}
	e.commitLocked(false)
}

func (e *Engine) onMessages(roomID string, msgs []docstore.Message, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.rooms[roomID]
	if e.closed || ent == nil || !e.reg.Has(roomID) {
		return
	}
	if err != nil {
		log.Warnf("messages of %s: %v (keeping last preview)", roomID, err)
		return
	}

	ent.messages = msgs
	next := SelectPreview(msgs, ent.room, e.viewer)
	if previewEqual(ent.preview, next) {
		metrics.InboxUpdates.WithLabelValues("noop").Inc()
		return
	}
	metrics.InboxUpdates.WithLabelValues("applied").Inc()
	ent.preview = next
	e.commitLocked(e.state.Loading)
}

func (e *Engine) onProfile(roomID string, p docstore.Profile, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.rooms[roomID]
	if e.closed || ent == nil || !e.reg.Has(roomID) {
		return
	}
	if err != nil {
		log.Debugf("profile for %s: %v", roomID, err)
		return
	}
	if ent.profile != nil && *ent.profile == p {
		return
	}
	ent.profile = &p
	e.commitLocked(e.state.Loading)
}

// ── State maintenance (all called with e.mu held) ──

// applyRoomsLocked replaces the cached room documents, dropping rooms that
// are gone, and refreshes the pin/mute mirror from the server sets.
func (e *Engine) applyRoomsLocked(rooms []docstore.Room) {
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		seen[r.ID] = true
		ent := e.rooms[r.ID]
		if ent == nil {
			ent = &roomEntry{}
			e.rooms[r.ID] = ent
		}
		ent.room = r
		ent.preview = SelectPreview(ent.messages, r, e.viewer)
	}
	for id := range e.rooms {
		if !seen[id] {
			e.dropRoomLocked(id)
		}
	}
	e.syncFlagsLocked()
}

func (e *Engine) ensureChildrenLocked(r docstore.Room) {
	if e.reg.Has(r.ID) {
		return
	}
	roomID := r.ID
	h := Handle{
		Messages: e.store.WatchMessages(roomID, e.opt.FeedLimit, func(msgs []docstore.Message, err error) {
			e.onMessages(roomID, msgs, err)
		}),
	}
	if r.Kind == docstore.RoomDirect {
		if other := r.OtherParticipant(e.viewer); other != "" {
			h.Profile = e.store.WatchProfile(other, func(p docstore.Profile, err error) {
				e.onProfile(roomID, p, err)
			})
		}
	}
	if !e.reg.Put(roomID, h) {
		h.Close()
		return
	}
	metrics.InboxListeners.Inc()
}

func (e *Engine) dropRoomLocked(roomID string) {
	if h, ok := e.reg.Remove(roomID); ok {
		h.Close()
		metrics.InboxListeners.Dec()
	}
	delete(e.rooms, roomID)
}

func (e *Engine) teardownRoomsLocked() {
	for id := range e.rooms {
		delete(e.rooms, id)
	}
	for _, h := range e.reg.Drain() {
		h.Close()
		metrics.InboxListeners.Dec()
	}
}

// failLocked handles a top-level subscription error: stop listening, clear
// the spinner and show an empty list. Refresh recovers.
func (e *Engine) failLocked() {
	if e.parent != nil {
		e.parent()
		e.parent = nil
	}
	e.teardownRoomsLocked()
	e.noticeLocked(NoticeError, "", "Could not load chats. Pull to refresh.")
	e.commitLocked(false)
}

func (e *Engine) syncFlagsLocked() {
	pinned := make(map[string]bool)
	muted := make(map[string]bool)
	for id, ent := range e.rooms {
		if e.pendingPin[id] > 0 {
			pinned[id] = e.pinned[id]
		} else {
			pinned[id] = util.ContainsString(ent.room.PinnedBy, e.viewer)
		}
		if e.pendingMute[id] > 0 {
			muted[id] = e.muted[id]
		} else {
			muted[id] = util.ContainsString(ent.room.MutedBy, e.viewer)
		}
	}
	e.pinned, e.muted = pinned, muted
}

// buildLocked computes the sorted rows from the cache.
func (e *Engine) buildLocked() []Summary {
	rooms := make([]docstore.Room, 0, len(e.rooms))
	messages := make(map[string][]docstore.Message, len(e.rooms))
	profiles := make(map[string]docstore.Profile)
	for id, ent := range e.rooms {
		rooms = append(rooms, ent.room)
		messages[id] = ent.messages
		if ent.profile != nil {
			profiles[ent.profile.UserID] = *ent.profile
		}
	}
	return BuildInbox(e.viewer, rooms, messages, profiles, e.pinned, e.muted)
}

// commitLocked rebuilds the rows and publishes a new state unless nothing
// observable changed.
func (e *Engine) commitLocked(loading bool) {
	chats := e.buildLocked()
	pinnedIDs := setKeys(e.pinned)
	mutedIDs := setKeys(e.muted)

	if loading == e.state.Loading &&
		summariesEqual(chats, e.state.Chats) &&
		stringsEqual(pinnedIDs, e.state.PinnedIDs) &&
		stringsEqual(mutedIDs, e.state.MutedIDs) {
		return
	}

	e.state = State{
		Chats:     chats,
		PinnedIDs: pinnedIDs,
		MutedIDs:  mutedIDs,
		Loading:   loading,
		Version:   e.state.Version + 1,
	}
	e.broadcastLocked()
}

func (e *Engine) broadcastLocked() {
	for ch := range e.listeners {
		offer(ch, e.state)
	}
}

// offer sends v, replacing the oldest queued value if ch is full.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (e *Engine) noticeLocked(level NoticeLevel, roomID, format string, args ...any) {
	n := Notice{
		ID:     uuid.NewString(),
		Level:  level,
		RoomID: roomID,
		Text:   fmt.Sprintf(format, args...),
		At:     e.opt.Now(),
	}
	e.notices.Push(n)
	for ch := range e.noticeListeners {
		offer(ch, n)
	}
}

// ── Operations ──

// TogglePin flips the viewer's pin on a room. The local state changes
// immediately; the server write runs in the background and is rolled back
// with an error notice if it fails. Pinning beyond MaxPins is rejected
// with a warning notice and no write.
func (e *Engine) TogglePin(roomID string) error {
	return e.toggle(roomID, docstore.PinnedBy)
}

// ToggleMute flips the viewer's mute on a room, optimistically.
func (e *Engine) ToggleMute(roomID string) error {
	return e.toggle(roomID, docstore.MutedBy)
}

func (e *Engine) toggle(roomID string, field docstore.SetField) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.rooms[roomID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}

	flags, pending := e.pinned, e.pendingPin
	if field == docstore.MutedBy {
		flags, pending = e.muted, e.pendingMute
	}

	was := flags[roomID]
	if field == docstore.PinnedBy && !was && len(setKeys(flags)) >= e.opt.MaxPins {
		e.noticeLocked(NoticeWarning, roomID, "You can pin up to %d chats", e.opt.MaxPins)
		e.mu.Unlock()
		return ErrPinLimit
	}

	flags[roomID] = !was
	pending[roomID]++
	e.commitLocked(e.state.Loading)
	e.writes.Add(1)
	e.mu.Unlock()

	go e.writeFlag(roomID, field, was)
	return nil
}

func (e *Engine) writeFlag(roomID string, field docstore.SetField, was bool) {
	defer e.writes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.opt.WriteTimeout)
	defer cancel()

	var err error
	if was {
		err = e.store.RemoveFromSet(ctx, roomID, field, e.viewer)
	} else {
		err = e.store.AddToSet(ctx, roomID, field, e.viewer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	flags, pending := e.pinned, e.pendingPin
	if field == docstore.MutedBy {
		flags, pending = e.muted, e.pendingMute
	}
	if pending[roomID]--; pending[roomID] <= 0 {
		delete(pending, roomID)
	}
	if err == nil || e.closed {
		return
	}

	log.Warnf("%s on %s failed: %v (rolling back)", field, roomID, err)
	metrics.InboxWriteFailures.WithLabelValues(string(field)).Inc()
	if _, ok := e.rooms[roomID]; ok {
		flags[roomID] = was
	}
	what := "pin"
	if field == docstore.MutedBy {
		what = "mute"
	}
	if was {
		what = "un" + what
	}
	e.noticeLocked(NoticeError, roomID, "Could not %s chat", what)
	e.commitLocked(e.state.Loading)
}

// SoftDeleteRoom hides a room's history from the viewer by appending a
// room-level delete marker. The preview is recomputed immediately.
func (e *Engine) SoftDeleteRoom(ctx context.Context, roomID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.rooms[roomID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	e.mu.Unlock()

	marker := docstore.DeleteMarker{UserID: e.viewer, DeletedAt: e.opt.Now().Truncate(time.Millisecond)}
	if err := e.store.AppendTombstone(ctx, roomID, marker); err != nil {
		e.mu.Lock()
		e.noticeLocked(NoticeError, roomID, "Could not delete chat")
		e.mu.Unlock()
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.rooms[roomID]; ok && !e.closed {
		deleted := append(append([]docstore.DeleteMarker(nil), ent.room.DeletedAt...), marker)
		ent.room.DeletedAt = deleted
		ent.preview = SelectPreview(ent.messages, ent.room, e.viewer)
		e.commitLocked(e.state.Loading)
	}
	return nil
}

// Refresh fetches every room, feed and profile once and replaces the state.
// It also reopens the top-level subscription after a failure.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	rooms, err := e.store.RoomsFor(ctx, e.viewer)
	if err != nil {
		e.mu.Lock()
		e.noticeLocked(NoticeError, "", "Could not refresh chats")
		e.mu.Unlock()
		return fmt.Errorf("refresh rooms: %w", err)
	}

	feeds := make(map[string][]docstore.Message, len(rooms))
	profiles := make(map[string]docstore.Profile)
	for _, r := range rooms {
		msgs, err := e.store.Messages(ctx, r.ID, e.opt.FeedLimit)
		if err != nil {
			log.Warnf("refresh messages of %s: %v", r.ID, err)
		} else {
			feeds[r.ID] = msgs
		}
		if r.Kind == docstore.RoomDirect {
			other := r.OtherParticipant(e.viewer)
			if p, err := e.store.Profile(ctx, other); err == nil {
				profiles[r.ID] = p
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	for _, r := range rooms {
		ent := e.rooms[r.ID]
		if ent == nil {
			ent = &roomEntry{}
			e.rooms[r.ID] = ent
		}
		if msgs, ok := feeds[r.ID]; ok {
			ent.messages = msgs
		}
		if p, ok := profiles[r.ID]; ok {
			ent.profile = &p
		}
	}
	e.applyRoomsLocked(rooms)

	if e.started && e.parent == nil {
		log.Infof("reopening room subscription for %s", e.viewer)
		e.openParentLocked()
	}
	if e.parent != nil {
		for _, r := range rooms {
			e.ensureChildrenLocked(r)
		}
	}
	e.commitLocked(false)
	return nil
}

// RoomIDs returns the ids of the rooms currently listed.
func (e *Engine) RoomIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

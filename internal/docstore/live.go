package docstore

import "sync"

// Unsubscribe stops a live query. It is safe to call more than once.
type Unsubscribe func()

// watcher is one live query. Writes mark it dirty; its goroutine reloads
// and delivers the latest snapshot, so bursts of writes coalesce into a
// single delivery of a consistent view.
type watcher struct {
	load func()
	kick chan struct{}
	done chan struct{}
	once sync.Once
}

func (w *watcher) mark() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.kick:
		}
		select {
		case <-w.done:
			return
		default:
		}
		w.load()
	}
}

type hub struct {
	mu     sync.Mutex
	subs   map[string]map[*watcher]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*watcher]struct{})}
}

func newWatcher(load func()) *watcher {
	w := &watcher{
		load: load,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// add registers a live query under key and schedules its initial delivery.
func (h *hub) add(key string, load func()) Unsubscribe {
	w := newWatcher(load)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		w.stop()
		return func() {}
	}
	set := h.subs[key]
	if set == nil {
		set = make(map[*watcher]struct{})
		h.subs[key] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	w.mark()

	return func() {
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
		w.stop()
	}
}

func (h *hub) notify(keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		for w := range h.subs[k] {
			w.mark()
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for k, set := range h.subs {
		for w := range set {
			w.stop()
		}
		delete(h.subs, k)
	}
}

func roomsKey(userID string) string    { return "rooms:" + userID }
func messagesKey(roomID string) string { return "messages:" + roomID }
func profileKey(userID string) string  { return "profile:" + userID }

package realtime

import "sync"

// slot holds the latest undelivered snapshot of one subscription and
// delivers it on its own goroutine, in order, dropping superseded values.
type slot struct {
	fn func(Snapshot, error)

	mu   sync.Mutex
	snap Snapshot
	err  error
	has  bool

	kick chan struct{}
	done chan struct{}
	once sync.Once
}

func newSlot(fn func(Snapshot, error)) *slot {
	s := &slot{
		fn:   fn,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *slot) put(snap Snapshot, err error) {
	s.mu.Lock()
	s.snap, s.err, s.has = snap, err, true
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *slot) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *slot) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		s.mu.Lock()
		snap, err, has := s.snap, s.err, s.has
		s.has = false
		s.mu.Unlock()
		if !has {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.fn(snap, err)
	}
}

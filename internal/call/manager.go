package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

var log = logging.Logger("call")

const DefaultRingTimeout = 60 * time.Second

type Config struct {
	SelfID    string
	SelfName  string
	Signaling *Signaling

	// Optional collaborators. Nil values get working defaults.
	Peers  PeerFactory
	Media  MediaSource
	Ringer Ringer
	Push   push.Dispatcher

	RingTimeout time.Duration
	Video       bool
	Now         func() time.Time
}

// Manager owns the single active call of this client and watches for
// calls addressed to it.
type Manager struct {
	cfg Config
	env *env

	mu      sync.Mutex
	active  *Session
	seen    map[string]string // call id -> attempt already handled
	started bool
	closed  bool
	unwatch func()
	busy    sync.WaitGroup

	subMu    sync.Mutex
	subs     map[chan Event]struct{}
	incoming []func(*Session)
}

func NewManager(cfg Config) *Manager {
	if cfg.Peers == nil {
		cfg.Peers = &PionFactory{}
	}
	if cfg.Media == nil {
		cfg.Media = StaticSource{}
	}
	if cfg.Ringer == nil {
		cfg.Ringer = NewLogRinger()
	}
	if cfg.Push == nil {
		cfg.Push = push.Nop{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		cfg:  cfg,
		seen: make(map[string]string),
		subs: make(map[chan Event]struct{}),
	}
	m.env = &env{
		self:        cfg.SelfID,
		selfName:    cfg.SelfName,
		sig:         cfg.Signaling,
		peers:       cfg.Peers,
		media:       cfg.Media,
		ringer:      cfg.Ringer,
		push:        cfg.Push,
		ringTimeout: cfg.RingTimeout,
		now:         cfg.Now,
		emit:        m.broadcast,
		done:        m.release,
	}
	return m
}

// Start begins watching for incoming calls.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	m.unwatch = m.cfg.Signaling.WatchIncoming(m.cfg.SelfID, m.onIncoming)
	log.Infof("call manager listening for %s", m.cfg.SelfID)
	return nil
}

// Close stops watching, hangs up the active call and closes subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unwatch := m.unwatch
	m.unwatch = nil
	s := m.active
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		if err := s.Hangup(ctx); err != nil {
			log.Warnf("hangup %s on shutdown: %v", s.id, err)
		}
		cancel()
		s.teardown(StateEnded, "shutdown")
	}
	m.busy.Wait()

	m.subMu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

// Active returns the session in progress, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Session returns the active session if its id is id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != id {
		return nil, false
	}
	return m.active, true
}

// OnIncoming registers a handler fired for every new incoming session.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.subMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.subMu.Unlock()
}

// Subscribe returns a channel of events from every session.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) broadcast(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		offer(ch, ev)
	}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	metrics.CallSessions.Dec()
}

// StartCall places an outgoing call. Only one call may be active.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (*Session, error) {
	if req.RecipientID == "" || req.RecipientID == m.cfg.SelfID {
		return nil, fmt.Errorf("%w: cannot call %q", ErrInvalidState, req.RecipientID)
	}
	video := m.cfg.Video
	if req.Video != nil {
		video = *req.Video
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.active != nil {
		id := m.active.id
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallActive, id)
	}
	id := CallID(m.cfg.SelfID, req.RecipientID)
	s := newSession(m.env, id, uuid.NewString(), RoleCaller, req.RecipientID, "", req.RoomID, video)
	m.active = s
	metrics.CallSessions.Inc()
	m.mu.Unlock()

	if err := s.startOutgoing(ctx, m.cfg.SelfName); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume opens the incoming call named by a push intent. The call must
// still be ringing.
func (m *Manager) Resume(ctx context.Context, in push.Intent) (*Session, error) {
	if in.Kind != push.IntentIncomingCall {
		return nil, fmt.Errorf("%w: intent kind %q", ErrNoCall, in.Kind)
	}
	if in.RecipientID != m.cfg.SelfID {
		return nil, fmt.Errorf("%w: intent is for %s", ErrNoCall, in.RecipientID)
	}
	id := in.CallID
	if id == "" {
		id = CallID(in.CallerID, in.RecipientID)
	}
	if s, ok := m.Session(id); ok {
		return s, nil
	}

	rec, ok, err := m.cfg.Signaling.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	if rec.Status != StatusRinging || rec.RecipientID != m.cfg.SelfID {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoCall, id, rec.Status)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.active != nil {
		s := m.active
		m.mu.Unlock()
		if s.id == id {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrCallActive, s.id)
	}
	m.seen[id] = rec.Attempt
	s := m.newIncomingLocked(id, rec)
	m.mu.Unlock()

	m.openIncoming(s)
	log.Infof("resumed call %s from push", id)
	return s, nil
}

func (m *Manager) onIncoming(records map[string]Record) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for id := range m.seen {
		if _, ok := records[id]; !ok && (m.active == nil || m.active.id != id) {
			delete(m.seen, id)
		}
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fresh, stale []*Session
	for _, id := range ids {
		rec := records[id]
		if a, ok := m.seen[id]; ok && a == rec.Attempt {
			continue
		}
		m.seen[id] = rec.Attempt
		// A redial reuses the id. The session still holding it belongs to
		// the previous attempt and is finished off.
		if a := m.active; a != nil && a.id == id && a.attempt != rec.Attempt {
			stale = append(stale, a)
			m.active = nil
		}
		if m.active != nil {
			m.busy.Add(1)
			go m.declineBusy(id, rec.Attempt)
			continue
		}
		fresh = append(fresh, m.newIncomingLocked(id, rec))
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.teardown(StateEnded, "replaced")
	}
	for _, s := range fresh {
		m.openIncoming(s)
	}
}

func (m *Manager) newIncomingLocked(id string, rec Record) *Session {
	s := newSession(m.env, id, rec.Attempt, RoleCallee, rec.CallerID, rec.CallerName, rec.RoomID, rec.Video)
	m.active = s
	metrics.CallSessions.Inc()
	return s
}

func (m *Manager) openIncoming(s *Session) {
	s.openIncoming()
	ev := Event{Kind: EventIncoming, CallID: s.id, Role: s.role, PeerID: s.peerID, PeerName: s.peerName, State: StateIncoming}
	m.broadcast(ev)

	m.subMu.Lock()
	handlers := append([]func(*Session){}, m.incoming...)
	m.subMu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

// declineBusy rejects a call that arrives while another one is active.
func (m *Manager) declineBusy(id, attempt string) {
	defer m.busy.Done()
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	err := m.cfg.Signaling.Transition(ctx, id, StatusRinging, StatusDeclined)
	switch {
	case errors.Is(err, ErrRaceLost):
		return
	case err != nil:
		log.Warnf("decline %s while busy: %v", id, err)
		return
	}
	log.Infof("declined %s: busy", id)
	m.cfg.Signaling.ScheduleDelete(id, attempt)
}

package call

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/realtime"
)

// countingStore counts subscriptions per path.
type countingStore struct {
	*realtime.Memory

	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
}

func newCountingStore(t *testing.T) *countingStore {
	c := &countingStore{Memory: realtime.NewMemory(), subs: make(map[string]int), unsubs: make(map[string]int)}
	t.Cleanup(c.Memory.Close)
	return c
}

func (c *countingStore) Watch(path string, fn func(realtime.Snapshot, error)) func() {
	cancel := c.Memory.Watch(path, fn)
	c.mu.Lock()
	c.subs[path]++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			c.unsubs[path]++
			c.mu.Unlock()
		})
	}
}

// callWatches sums subscriptions on the record of one call.
func (c *countingStore) callWatches(id string) (subs, unsubs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := callPath(id) + "/"
	for p, n := range c.subs {
		if strings.HasPrefix(p, prefix) {
			subs += n
		}
	}
	for p, n := range c.unsubs {
		if strings.HasPrefix(p, prefix) {
			unsubs += n
		}
	}
	return subs, unsubs
}

type fakePeer struct {
	mu         sync.Mutex
	offers     int
	answers    int
	remote     []SessionDescription
	candidates []ICECandidate
	onICE      func(ICECandidate)
	closed     bool
	closeErr   error
}

func (p *fakePeer) CreateOffer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0 offer %d", p.offers)}, nil
}

func (p *fakePeer) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 answer %d", p.answers)}, nil
}

func (p *fakePeer) SetRemoteDescription(sd SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sd)
	return nil
}

func (p *fakePeer) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(ICECandidate)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(func(PeerState)) {}
func (p *fakePeer) OnRemoteTrack(func(string))    {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

// gather simulates a locally gathered candidate.
func (p *fakePeer) gather(c ICECandidate) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) snapshot() (remote []SessionDescription, candidates []ICECandidate, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SessionDescription(nil), p.remote...), append([]ICECandidate(nil), p.candidates...), p.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	peers    []*fakePeer
	closeErr error
}

func (f *fakeFactory) NewPeer(string, []webrtc.TrackLocal) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{closeErr: f.closeErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	opens   int
	stops   int
	openErr error
	stopErr error
}

func (m *fakeMedia) Open(string, bool) (LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	return &fakeLocal{m: m}, nil
}

func (m *fakeMedia) counts() (opens, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.stops
}

type fakeLocal struct{ m *fakeMedia }

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return nil }

func (l *fakeLocal) Stop() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.stops++
	return l.m.stopErr
}

type fakeRinger struct {
	mu      sync.Mutex
	playing map[string]string
	started []string
}

func newFakeRinger() *fakeRinger { return &fakeRinger{playing: make(map[string]string)} }

func (r *fakeRinger) Start(callID string, p Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing[callID] = p.Name
	r.started = append(r.started, p.Name)
}

func (r *fakeRinger) Stop(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.playing, callID)
}

func (r *fakeRinger) isPlaying(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.playing[callID]
	return ok
}

type fakePush struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (p *fakePush) Dispatch(n push.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *fakePush) last() (push.Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return push.Notification{}, false
	}
	return p.sent[len(p.sent)-1], true
}

type node struct {
	id       string
	m        *Manager
	peers    *fakeFactory
	media    *fakeMedia
	ringer   *fakeRinger
	push     *fakePush
	incoming chan *Session
}

type nodeOpts struct {
	ringTimeout  time.Duration
	cleanupDelay time.Duration
	noStart      bool
	mediaErr     error
}

func newNode(t *testing.T, store realtime.Store, id string, o nodeOpts) *node {
	t.Helper()
	if o.cleanupDelay == 0 {
		o.cleanupDelay = time.Minute
	}
	n := &node{
		id:       id,
		peers:    &fakeFactory{},
		media:    &fakeMedia{openErr: o.mediaErr},
		ringer:   newFakeRinger(),
		push:     &fakePush{},
		incoming: make(chan *Session, 4),
	}
	n.m = NewManager(Config{
		SelfID:      id,
		SelfName:    strings.ToUpper(id[:1]) + id[1:],
		Signaling:   NewSignaling(store, o.cleanupDelay),
		Peers:       n.peers,
		Media:       n.media,
		Ringer:      n.ringer,
		Push:        n.push,
		RingTimeout: o.ringTimeout,
		Video:       true,
	})
	n.m.OnIncoming(func(s *Session) { n.incoming <- s })
	if !o.noStart {
		require.NoError(t, n.m.Start())
	}
	t.Cleanup(n.m.Close)
	return n
}

func (n *node) nextIncoming(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-n.incoming:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no incoming call", n.id)
		return nil
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"call %s stuck in %s, want %s", s.ID(), s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s not torn down (state %s)", s.ID(), s.State())
	}
}

var errCamera = errors.New("camera permission denied")

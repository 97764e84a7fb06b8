package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

// env is what a session borrows from its manager.
type env struct {
	self        string
	selfName    string
	sig         *Signaling
	peers       PeerFactory
	media       MediaSource
	ringer      Ringer
	push        push.Dispatcher
	ringTimeout time.Duration
	now         func() time.Time

	emit func(Event)
	done func(*Session)
}

// Session is one call attempt. It owns the local media and the peer
// connection until it is torn down.
type Session struct {
	id       string
	attempt  string
	role     Role
	peerID   string
	peerName string
	roomID   string
	video    bool
	env      *env

	mu    sync.Mutex
	state State

	mediaStarted bool
	tearingDown  bool
	offerSent    bool
	answerSent   bool
	remoteSet    bool

	pc      PeerConn
	local   LocalMedia
	offer   *SessionDescription // received before the callee had a peer connection
	pending []ICECandidate      // remote candidates waiting for the remote description
	seen    map[string]bool

	unsubs      []func()
	ringTimer   *time.Timer
	tickStop    chan struct{}
	connectedAt time.Time
	endReason   string
	endState    State

	events chan Event
	closed bool
	done   chan struct{}
}

func newSession(e *env, id, attempt string, role Role, peerID, peerName, roomID string, video bool) *Session {
	return &Session{
		id:       id,
		attempt:  attempt,
		role:     role,
		peerID:   peerID,
		peerName: peerName,
		roomID:   roomID,
		video:    video,
		env:      e,
		state:    StateIdle,
		seen:     make(map[string]bool),
		events:   make(chan Event, 32),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Role() Role     { return s.role }
func (s *Session) PeerID() string { return s.peerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events receives every event of this session. It is closed after teardown.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		CallID:      s.id,
		Role:        s.role,
		PeerID:      s.peerID,
		PeerName:    s.peerName,
		RoomID:      s.roomID,
		State:       s.state,
		Video:       s.video,
		ConnectedAt: s.connectedAt,
	}
	if s.state == StateConnected {
		in.Duration = s.env.now().Sub(s.connectedAt).Truncate(time.Second)
	}
	return in
}

// ── Events and state ──

func (s *Session) emitLocked(ev Event) {
	ev.CallID, ev.Role, ev.PeerID, ev.PeerName = s.id, s.role, s.peerID, s.peerName
	if ev.State == "" {
		ev.State = s.state
	}
	if !s.closed {
		offer(s.events, ev)
	}
	if s.env.emit != nil {
		s.env.emit(ev)
	}
}

func (s *Session) setStateLocked(st State, reason string) {
	if s.state == st {
		return
	}
	log.Infof("call %s: %s -> %s %s", s.id, s.state, st, reason)
	s.state = st
	metrics.CallTransitions.WithLabelValues(string(st)).Inc()
	s.emitLocked(Event{Kind: EventState, State: st, Reason: reason})
}

func (s *Session) alert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(Event{Kind: EventAlert, Message: err.Error()})
}

func (s *Session) watchLocked(cancels ...func()) {
	s.unsubs = append(s.unsubs, cancels...)
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

// ── Setup ──

// startOutgoing runs the caller side: record, push, feedback, media, offer.
func (s *Session) startOutgoing(ctx context.Context, callerName string) error {
	rec := Record{
		CallerID:    s.env.self,
		CallerName:  callerName,
		RecipientID: s.peerID,
		RoomID:      s.roomID,
		Status:      StatusRinging,
		Video:       s.video,
		CreatedAt:   s.env.now().UnixMilli(),
		Attempt:     s.attempt,
	}
	if err := s.env.sig.Create(ctx, s.id, rec); err != nil {
		s.alert(err)
		s.teardown(StateEnded, "signaling")
		return err
	}

	s.env.push.Dispatch(push.Notification{
		RecipientID: s.peerID,
		CallerID:    s.env.self,
		CallerName:  callerName,
		RoomID:      s.roomID,
	})

	s.mu.Lock()
	s.setStateLocked(StateCalling, "")
	s.env.ringer.Start(s.id, PatternRingback)
	s.watchLocked(
		s.env.sig.WatchStatus(s.id, s.onStatus),
		s.env.sig.WatchEnd(s.id, s.onEnd),
		s.env.sig.WatchAnswer(s.id, s.onAnswer),
		s.env.sig.WatchCandidates(s.id, s.onCandidates),
	)
	s.ringTimer = time.AfterFunc(s.env.ringTimeout, s.onRingTimeout)
	s.mu.Unlock()

	if err := s.startMedia(); err != nil {
		return s.abort(ctx, err)
	}
	if err := s.sendOffer(ctx); err != nil {
		return s.abort(ctx, err)
	}
	return nil
}

// openIncoming runs the callee side up to the user's answer.
func (s *Session) openIncoming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(StateIncoming, "")
	s.watchLocked(
		s.env.sig.WatchStatus(s.id, s.onStatus),
		s.env.sig.WatchEnd(s.id, s.onEnd),
		s.env.sig.WatchOffer(s.id, s.onOffer),
		s.env.sig.WatchCandidates(s.id, s.onCandidates),
	)
	// Local safety net for a caller that vanished without writing a status.
	s.ringTimer = time.AfterFunc(s.env.ringTimeout, func() {
		if s.State() == StateIncoming {
			s.teardown(StateEnded, "timeout")
		}
	})
	s.env.ringer.Start(s.id, PatternIncoming)
}

// startMedia opens local capture and the peer connection once.
func (s *Session) startMedia() error {
	s.mu.Lock()
	if s.mediaStarted || s.tearingDown {
		s.mu.Unlock()
		return nil
	}
	s.mediaStarted = true
	s.mu.Unlock()

	local, err := s.env.media.Open(s.id, s.video)
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return err
	}
	pc, err := s.env.peers.NewPeer(s.id, local.Tracks())
	if err != nil {
		_ = local.Stop()
		return fmt.Errorf("peer connection: %w", err)
	}
	pc.OnICECandidate(func(c ICECandidate) { go s.pushCandidate(c) })
	pc.OnStateChange(s.onPeerState)
	pc.OnRemoteTrack(func(kind string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.emitLocked(Event{Kind: EventTrack, Message: kind})
	})

	s.mu.Lock()
	if s.tearingDown {
		s.mu.Unlock()
		_ = pc.Close()
		_ = local.Stop()
		return nil
	}
	s.pc, s.local = pc, local
	s.mu.Unlock()
	return nil
}

// sendOffer creates and publishes the offer. Later calls are no-ops.
func (s *Session) sendOffer(ctx context.Context) error {
	s.mu.Lock()
	if s.offerSent || s.pc == nil || s.tearingDown {
		s.mu.Unlock()
		return nil
	}
	s.offerSent = true
	sd, err := s.pc.CreateOffer()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	stored, err := s.env.sig.PublishOffer(ctx, s.id, sd)
	if err != nil {
		return err
	}
	if !stored {
		log.Warnf("call %s: an offer is already stored", s.id)
	}
	return nil
}

// sendAnswer applies the remote offer and publishes the answer once.
func (s *Session) sendAnswer(ctx context.Context, sd SessionDescription) error {
	s.mu.Lock()
	if s.tearingDown || s.remoteSet || s.answerSent || s.pc == nil {
		s.mu.Unlock()
		return nil
	}
	if err := s.applyRemoteLocked(sd); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("apply offer: %w", err)
	}
	s.answerSent = true
	ans, err := s.pc.CreateAnswer()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}

	stored, err := s.env.sig.PublishAnswer(ctx, s.id, ans)
	if err != nil {
		return err
	}
	if !stored {
		log.Warnf("call %s: an answer is already stored", s.id)
	}
	return nil
}

func (s *Session) applyRemoteLocked(sd SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	s.remoteSet = true
	for _, c := range s.pending {
		s.addCandidateLocked(c)
	}
	s.pending = nil
	return nil
}

func (s *Session) addCandidateLocked(c ICECandidate) {
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Debugf("call %s: add candidate: %v", s.id, err)
	}
}

func (s *Session) pushCandidate(c ICECandidate) {
	s.mu.Lock()
	gone := s.tearingDown
	s.mu.Unlock()
	if gone {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	if _, err := s.env.sig.PushCandidate(ctx, s.id, CandidateEntry{SenderID: s.env.self, Candidate: c}); err != nil {
		log.Warnf("call %s: %v", s.id, err)
	}
}

// ── Remote observations ──

func (s *Session) onStatus(st Status) {
	s.mu.Lock()
	if s.tearingDown {
		s.mu.Unlock()
		return
	}
	if s.role == RoleCaller && s.state == StateCalling && st == StatusAccepted {
		if s.ringTimer != nil {
			s.ringTimer.Stop()
		}
		s.env.ringer.Stop(s.id)
		s.connectLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch {
	case st == "":
		s.teardown(StateEnded, "record removed")
	case st == StatusDeclined && s.role == RoleCallee:
		s.teardown(StateDeclined, "declined")
	case st == StatusCancelled && s.role == RoleCaller:
		s.teardown(StateCancelled, "cancelled")
	case st.Terminal():
		s.teardown(StateEnded, string(st))
	}
}

func (s *Session) onEnd(e EndCall) {
	if e.EndedBy == s.env.self {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = "hangup"
	}
	s.teardown(StateEnded, "remote "+reason)
}

func (s *Session) onAnswer(sd SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tearingDown || s.role != RoleCaller || s.remoteSet || s.pc == nil {
		return
	}
	if err := s.applyRemoteLocked(sd); err != nil {
		log.Warnf("call %s: apply answer: %v", s.id, err)
	}
}

func (s *Session) onOffer(sd SessionDescription) {
	s.mu.Lock()
	if s.tearingDown || s.remoteSet || s.role != RoleCallee {
		s.mu.Unlock()
		return
	}
	if s.pc == nil || s.state != StateConnected {
		s.offer = &sd
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if err := s.sendAnswer(ctx, sd); err != nil {
		log.Warnf("call %s: %v", s.id, err)
	}
}

func (s *Session) onCandidates(list []KeyedCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tearingDown {
		return
	}
	for _, kc := range list {
		if s.seen[kc.Key] {
			continue
		}
		s.seen[kc.Key] = true
		if kc.SenderID == s.env.self {
			continue
		}
		if s.pc == nil || !s.remoteSet {
			s.pending = append(s.pending, kc.Candidate)
			continue
		}
		s.addCandidateLocked(kc.Candidate)
	}
}

func (s *Session) onPeerState(ps PeerState) {
	log.Debugf("call %s: peer %s", s.id, ps)
	if ps != PeerFailed || s.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	if err := s.end(ctx, "connection failed"); err != nil {
		log.Warnf("call %s: %v", s.id, err)
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	if s.tearingDown || s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.endReason = "timeout"
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	err := s.env.sig.Transition(ctx, s.id, StatusRinging, StatusEnded)
	if errors.Is(err, ErrRaceLost) {
		s.mu.Lock()
		s.endReason = ""
		s.mu.Unlock()
		return
	}
	if err != nil {
		log.Warnf("call %s: timeout: %v", s.id, err)
	}
	s.teardown(StateEnded, "timeout")
}

// connectLocked enters the connected state and starts the duration ticker.
func (s *Session) connectLocked() {
	s.connectedAt = s.env.now()
	s.setStateLocked(StateConnected, "")
	stop := make(chan struct{})
	s.tickStop = stop
	go s.tick(stop, s.connectedAt)
}

func (s *Session) tick(stop chan struct{}, start time.Time) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		s.mu.Lock()
		if !s.tearingDown {
			s.emitLocked(Event{Kind: EventDuration, Duration: s.env.now().Sub(start).Truncate(time.Second)})
		}
		s.mu.Unlock()
	}
}

// ── User actions ──

func (s *Session) expect(role Role, state State, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != role || s.state != state || s.tearingDown {
		return fmt.Errorf("%w: %s as %s in %s", ErrInvalidState, op, s.role, s.state)
	}
	return nil
}

// Accept answers an incoming call. The status moves to accepted only if it
// is still ringing; otherwise ErrRaceLost is returned and nothing changes.
func (s *Session) Accept(ctx context.Context) error {
	if err := s.expect(RoleCallee, StateIncoming, "accept"); err != nil {
		return err
	}
	if err := s.env.sig.Transition(ctx, s.id, StatusRinging, StatusAccepted); err != nil {
		return err
	}

	s.mu.Lock()
	if s.tearingDown {
		s.mu.Unlock()
		return fmt.Errorf("%w: call ended while accepting", ErrInvalidState)
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.env.ringer.Stop(s.id)
	s.connectLocked()
	s.mu.Unlock()

	if err := s.startMedia(); err != nil {
		return s.abort(ctx, err)
	}

	s.mu.Lock()
	sd := s.offer
	s.offer = nil
	s.mu.Unlock()
	if sd != nil {
		if err := s.sendAnswer(ctx, *sd); err != nil {
			return s.abort(ctx, err)
		}
	}
	return nil
}

// Decline rejects an incoming call if it is still ringing.
func (s *Session) Decline(ctx context.Context) error {
	if err := s.expect(RoleCallee, StateIncoming, "decline"); err != nil {
		return err
	}
	if err := s.env.sig.Transition(ctx, s.id, StatusRinging, StatusDeclined); err != nil {
		return err
	}
	s.teardown(StateDeclined, "declined")
	return nil
}

// Cancel withdraws an outgoing call that has not been answered.
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.expect(RoleCaller, StateCalling, "cancel"); err != nil {
		return err
	}
	if err := s.env.sig.Transition(ctx, s.id, StatusRinging, StatusCancelled); err != nil {
		return err
	}
	s.teardown(StateCancelled, "cancelled")
	return nil
}

// Hangup ends the call from whatever state it is in: an unanswered
// outgoing call is cancelled, an incoming one declined, a connected one
// ended with a tombstone.
func (s *Session) Hangup(ctx context.Context) error {
	switch st := s.State(); st {
	case StateCalling:
		return s.Cancel(ctx)
	case StateIncoming:
		return s.Decline(ctx)
	case StateConnected:
		return s.end(ctx, "hangup")
	default:
		return fmt.Errorf("%w: hangup in %s", ErrInvalidState, st)
	}
}

// end writes the tombstone and tears down regardless of the write result.
func (s *Session) end(ctx context.Context, reason string) error {
	err := s.env.sig.End(ctx, s.id, EndCall{
		EndedBy: s.env.self,
		EndedAt: s.env.now().UnixMilli(),
		Reason:  reason,
	})
	s.teardown(StateEnded, reason)
	return err
}

// abort surfaces err, releases the call on the shared record and tears
// down. It returns err.
func (s *Session) abort(ctx context.Context, err error) error {
	log.Errorf("call %s: %v", s.id, err)
	s.alert(err)

	s.mu.Lock()
	state := s.state
	s.endReason, s.endState = "error", StateEnded
	s.mu.Unlock()

	var werr error
	switch state {
	case StateCalling:
		werr = s.env.sig.Transition(ctx, s.id, StatusRinging, StatusCancelled)
	case StateConnected:
		werr = s.env.sig.End(ctx, s.id, EndCall{EndedBy: s.env.self, EndedAt: s.env.now().UnixMilli(), Reason: "error"})
	}
	if werr != nil {
		log.Warnf("call %s: release after error: %v", s.id, werr)
	}
	s.teardown(StateEnded, "error")
	return err
}

// ── Teardown ──

// teardown runs once. Every step is attempted even when an earlier one
// fails; errors are logged together.
func (s *Session) teardown(final State, reason string) {
	s.mu.Lock()
	if s.tearingDown {
		s.mu.Unlock()
		return
	}
	s.tearingDown = true
	if s.endReason != "" {
		reason = s.endReason
	}
	if s.endState != "" {
		final = s.endState
	}
	unsubs := s.unsubs
	s.unsubs = nil
	pc, local := s.pc, s.local
	s.pc, s.local = nil, nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.env.ringer.Stop(s.id)

	var errs []error
	if local != nil {
		if err := local.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop media: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer: %w", err))
		}
	}
	s.env.sig.ScheduleDelete(s.id, s.attempt)
	if err := errors.Join(errs...); err != nil {
		log.Warnf("call %s: teardown: %v", s.id, err)
	}

	s.mu.Lock()
	s.setStateLocked(final, reason)
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.env.done != nil {
		s.env.done(s)
	}
	close(s.done)
}

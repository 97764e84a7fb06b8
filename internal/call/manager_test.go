package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
)

func TestCallConnectsAndHangsUp(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{cleanupDelay: 20 * time.Millisecond})
	bob := newNode(t, store, "bob", nodeOpts{cleanupDelay: 20 * time.Millisecond})

	out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob", RoomID: "room-1"})
	require.NoError(t, err)
	assert.Equal(t, StateCalling, out.State())
	assert.Equal(t, "alice_bob", out.ID())
	assert.True(t, alice.ringer.isPlaying(out.ID()))

	n, ok := alice.push.last()
	require.True(t, ok)
	assert.Equal(t, push.Notification{RecipientID: "bob", CallerID: "alice", CallerName: "Alice", RoomID: "room-1"}, n)

	// a candidate gathered before the callee answers is queued on the far side
	alicePeer := alice.peers.last()
	require.NotNil(t, alicePeer)
	alicePeer.gather(ICECandidate{Candidate: "candidate:alice-1", SDPMid: "0"})

	in := bob.nextIncoming(t)
	assert.Equal(t, StateIncoming, in.State())
	assert.Equal(t, "Alice", in.Info().PeerName)
	assert.True(t, bob.ringer.isPlaying(in.ID()))

	require.NoError(t, in.Accept(ctx))
	waitState(t, out, StateConnected)
	assert.Equal(t, StateConnected, in.State())
	assert.False(t, alice.ringer.isPlaying(out.ID()))
	assert.False(t, bob.ringer.isPlaying(in.ID()))

	bobPeer := bob.peers.last()
	require.NotNil(t, bobPeer)
	require.Eventually(t, func() bool {
		remote, cands, _ := bobPeer.snapshot()
		return len(remote) == 1 && len(cands) == 1
	}, 2*time.Second, 5*time.Millisecond)
	remote, cands, _ := bobPeer.snapshot()
	assert.Equal(t, "offer", remote[0].Type)
	assert.Equal(t, "candidate:alice-1", cands[0].Candidate)

	require.Eventually(t, func() bool {
		remote, _, _ := alicePeer.snapshot()
		return len(remote) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bobPeer.gather(ICECandidate{Candidate: "candidate:bob-1"})
	require.Eventually(t, func() bool {
		_, cands, _ := alicePeer.snapshot()
		return len(cands) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, cands, _ = alicePeer.snapshot()
	assert.Equal(t, "candidate:bob-1", cands[0].Candidate, "own candidates are never applied")

	require.NoError(t, out.Hangup(ctx))
	waitDone(t, out)
	waitDone(t, in)
	assert.Equal(t, StateEnded, out.State())
	assert.Equal(t, StateEnded, in.State())

	_, _, closed := alicePeer.snapshot()
	assert.True(t, closed)
	_, _, closed = bobPeer.snapshot()
	assert.True(t, closed)
	for _, nd := range []*node{alice, bob} {
		opens, stops := nd.media.counts()
		assert.Equal(t, 1, opens)
		assert.Equal(t, 1, stops)
		assert.Equal(t, 1, nd.peers.count())
		_, busy := nd.m.Active()
		assert.False(t, busy)
	}

	subs, unsubs := store.callWatches(out.ID())
	assert.Equal(t, 8, subs)
	assert.Equal(t, subs, unsubs)

	require.Eventually(t, func() bool {
		_, ok, _ := alice.m.cfg.Signaling.Record(ctx, out.ID())
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "record is deleted after the cleanup delay")
}

func TestOfferIsPublishedOnce(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})

	s, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	require.NoError(t, s.sendOffer(ctx))
	require.NoError(t, s.startMedia())

	peer := alice.peers.last()
	peer.mu.Lock()
	offers := peer.offers
	peer.mu.Unlock()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, alice.peers.count())

	rec, _, err := alice.m.cfg.Signaling.Record(ctx, s.ID())
	require.NoError(t, err)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "v=0 offer 1", rec.Offer.SDP)
}

func TestDeclineEndsCaller(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})
	bob := newNode(t, store, "bob", nodeOpts{})

	out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	in := bob.nextIncoming(t)

	require.NoError(t, in.Decline(ctx))
	assert.Equal(t, StateDeclined, in.State())
	waitDone(t, out)
	assert.Equal(t, StateEnded, out.State())

	// accepting after the decline is rejected by the guard
	err = in.Accept(ctx)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, alice.m.cfg.Signaling.Transition(ctx, out.ID(), StatusRinging, StatusAccepted), ErrRaceLost)
	rec, _, err := alice.m.cfg.Signaling.Record(ctx, out.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, rec.Status)

	subs, unsubs := store.callWatches(out.ID())
	assert.Equal(t, subs, unsubs)
	assert.Zero(t, bob.peers.count(), "declined calls never start media")
}

func TestCancelledCallCannotBeAccepted(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})
	bob := newNode(t, store, "bob", nodeOpts{})

	out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	in := bob.nextIncoming(t)

	require.NoError(t, out.Cancel(ctx))
	assert.Equal(t, StateCancelled, out.State())

	err = in.Accept(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRaceLost) || errors.Is(err, ErrInvalidState), "got %v", err)

	waitDone(t, in)
	assert.Equal(t, StateEnded, in.State())
	rec, _, err := bob.m.cfg.Signaling.Record(ctx, out.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	subs, unsubs := store.callWatches(out.ID())
	assert.Equal(t, subs, unsubs)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{ringTimeout: 300 * time.Millisecond})
	bob := newNode(t, store, "bob", nodeOpts{})

	events, cancel := alice.m.Subscribe()
	defer cancel()

	out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	in := bob.nextIncoming(t)

	waitDone(t, out)
	assert.Equal(t, StateEnded, out.State())
	waitDone(t, in)
	assert.Equal(t, StateEnded, in.State())

	rec, _, err := alice.m.cfg.Signaling.Record(ctx, out.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, rec.Status)

	var last Event
	for ev := range drain(events) {
		if ev.Kind == EventState {
			last = ev
		}
	}
	assert.Equal(t, StateEnded, last.State)
	assert.Equal(t, "timeout", last.Reason)

	subs, unsubs := store.callWatches(out.ID())
	assert.Equal(t, subs, unsubs)
}

func TestSecondCallIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})

	first, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	_, err = alice.m.StartCall(ctx, StartRequest{RecipientID: "carol"})
	require.ErrorIs(t, err, ErrCallActive)

	active, ok := alice.m.Active()
	require.True(t, ok)
	assert.Same(t, first, active)

	_, err = alice.m.StartCall(ctx, StartRequest{RecipientID: "alice"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestIncomingWhileBusyIsDeclined(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	bob := newNode(t, store, "bob", nodeOpts{})
	dave := newNode(t, store, "dave", nodeOpts{})

	mine, err := bob.m.StartCall(ctx, StartRequest{RecipientID: "carol"})
	require.NoError(t, err)

	theirs, err := dave.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)

	waitDone(t, theirs)
	assert.Equal(t, StateEnded, theirs.State())
	rec, _, err := dave.m.cfg.Signaling.Record(ctx, theirs.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, rec.Status)

	active, ok := bob.m.Active()
	require.True(t, ok)
	assert.Same(t, mine, active)
	assert.Equal(t, StateCalling, mine.State())
	assert.Len(t, bob.incoming, 0)
}

func TestMediaFailureAbortsCall(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{mediaErr: errCamera})

	events, cancel := alice.m.Subscribe()
	defer cancel()

	_, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.ErrorIs(t, err, ErrMediaUnavailable)

	var alerted bool
	var final Event
	for ev := range drain(events) {
		if ev.Kind == EventAlert {
			alerted = true
			assert.Contains(t, ev.Message, "camera permission denied")
		}
		if ev.Kind == EventState {
			final = ev
		}
	}
	assert.True(t, alerted)
	assert.Equal(t, StateEnded, final.State)

	id := CallID("alice", "bob")
	rec, _, err := alice.m.cfg.Signaling.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	subs, unsubs := store.callWatches(id)
	assert.Equal(t, 4, subs)
	assert.Equal(t, subs, unsubs)
	_, busy := alice.m.Active()
	assert.False(t, busy)
	assert.False(t, alice.ringer.isPlaying(id))
}

func TestTeardownCompletesDespiteErrors(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})
	alice.peers.closeErr = errors.New("peer close failed")
	alice.media.stopErr = errors.New("device busy")

	s, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	require.NoError(t, s.Hangup(ctx))
	waitDone(t, s)
	require.ErrorIs(t, s.Hangup(ctx), ErrInvalidState)

	_, _, closed := alice.peers.last().snapshot()
	assert.True(t, closed)
	_, stops := alice.media.counts()
	assert.Equal(t, 1, stops)
	subs, unsubs := store.callWatches(s.ID())
	assert.Equal(t, subs, unsubs)
	assert.False(t, alice.ringer.isPlaying(s.ID()))

	for range s.Events() {
	}
}

func TestResumeFromPushIntent(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})
	bob := newNode(t, store, "bob", nodeOpts{noStart: true})

	out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob", RoomID: "r1"})
	require.NoError(t, err)

	n, _ := alice.push.last()
	intent, err := push.Receive(n.Fields())
	require.NoError(t, err)

	in, err := bob.m.Resume(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, StateIncoming, in.State())

	again, err := bob.m.Resume(ctx, intent)
	require.NoError(t, err)
	assert.Same(t, in, again)

	require.NoError(t, in.Accept(ctx))
	waitState(t, out, StateConnected)

	require.NoError(t, in.Hangup(ctx))
	waitDone(t, out)
	waitDone(t, in)

	_, err = bob.m.Resume(ctx, intent)
	require.ErrorIs(t, err, ErrNoCall)

	intent.RecipientID = "carol"
	_, err = bob.m.Resume(ctx, intent)
	require.ErrorIs(t, err, ErrNoCall)
}

func TestCloseHangsUpActiveCall(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{})

	s, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	alice.m.Close()
	waitDone(t, s)
	assert.Equal(t, StateCancelled, s.State())

	_, err = alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.ErrorIs(t, err, ErrClosed)
}

// drain collects whatever is queued on ch without blocking.
func drain(ch chan Event) chan Event {
	out := make(chan Event, cap(ch))
	for {
		select {
		case ev := <-ch:
			out <- ev
		default:
			close(out)
			return out
		}
	}
}

func TestRedialWithinCleanupDelay(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{cleanupDelay: 300 * time.Millisecond})
	bob := newNode(t, store, "bob", nodeOpts{cleanupDelay: 300 * time.Millisecond})

	first, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	require.NoError(t, bob.nextIncoming(t).Decline(ctx))
	waitDone(t, first)

	again, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	require.Equal(t, first.ID(), again.ID())
	in := bob.nextIncoming(t)
	assert.Equal(t, again.attempt, in.attempt)

	// both cleanups of the declined call fire during the new one
	time.Sleep(600 * time.Millisecond)
	rec, ok, err := alice.m.cfg.Signaling.Record(ctx, again.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRinging, rec.Status)
	assert.Equal(t, StateCalling, again.State())
	assert.Equal(t, StateIncoming, in.State())

	require.NoError(t, in.Accept(ctx))
	waitState(t, again, StateConnected)
}

func TestRedialAlwaysReachesCallee(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore(t)
	alice := newNode(t, store, "alice", nodeOpts{cleanupDelay: 10 * time.Second})
	bob := newNode(t, store, "bob", nodeOpts{cleanupDelay: 10 * time.Second})

	for i := 0; i < 6; i++ {
		out, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
		require.NoError(t, err)
		in := bob.nextIncoming(t)
		require.Equal(t, out.attempt, in.attempt, "round %d", i)
		if i%2 == 0 {
			require.NoError(t, in.Decline(ctx))
		} else {
			require.NoError(t, out.Cancel(ctx))
		}
		waitDone(t, out)
		waitDone(t, in)
	}

	last, err := alice.m.StartCall(ctx, StartRequest{RecipientID: "bob"})
	require.NoError(t, err)
	in := bob.nextIncoming(t)
	assert.Equal(t, last.attempt, in.attempt)
	assert.Equal(t, StateIncoming, in.State())
	assert.True(t, bob.ringer.isPlaying(in.ID()))
}

package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/realtime"
)

func ringing(caller, callee string) Record {
	return Record{CallerID: caller, RecipientID: callee, Status: StatusRinging, CreatedAt: 1}
}

func TestCallIDIsSymmetric(t *testing.T) {
	assert.Equal(t, CallID("alice", "bob"), CallID("bob", "alice"))
	assert.Equal(t, "alice_bob", CallID("bob", "alice"))
}

func TestTransitionGuard(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	require.NoError(t, sig.Create(ctx, "c1", ringing("alice", "bob")))

	require.NoError(t, sig.Transition(ctx, "c1", StatusRinging, StatusDeclined))

	err := sig.Transition(ctx, "c1", StatusRinging, StatusAccepted)
	require.ErrorIs(t, err, ErrRaceLost)

	rec, ok, err := sig.Record(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDeclined, rec.Status)
}

func TestTransitionOnMissingRecord(t *testing.T) {
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	err := sig.Transition(context.Background(), "gone", StatusRinging, StatusAccepted)
	require.ErrorIs(t, err, ErrRaceLost)

	_, ok, err := sig.Record(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishOfferOnce(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	require.NoError(t, sig.Create(ctx, "c1", ringing("alice", "bob")))

	stored, err := sig.PublishOffer(ctx, "c1", SessionDescription{Type: "offer", SDP: "first"})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = sig.PublishOffer(ctx, "c1", SessionDescription{Type: "offer", SDP: "second"})
	require.NoError(t, err)
	assert.False(t, stored)

	rec, _, err := sig.Record(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "first", rec.Offer.SDP)
}

func TestEndWritesTombstoneAndStatus(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	require.NoError(t, sig.Create(ctx, "c1", ringing("alice", "bob")))
	require.NoError(t, sig.End(ctx, "c1", EndCall{EndedBy: "alice", EndedAt: 42, Reason: "hangup"}))

	rec, _, err := sig.Record(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, rec.Status)
	require.NotNil(t, rec.EndCall)
	assert.Equal(t, EndCall{EndedBy: "alice", EndedAt: 42, Reason: "hangup"}, *rec.EndCall)
	assert.Equal(t, "alice", rec.CallerID)

	// no record is recreated once deleted
	require.NoError(t, sig.store.Remove(ctx, callPath("c1")))
	require.NoError(t, sig.End(ctx, "c1", EndCall{EndedBy: "bob"}))
	_, ok, err := sig.Record(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCandidatesAreOrderedByKey(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	for _, c := range []string{"a", "b", "c"} {
		_, err := sig.PushCandidate(ctx, "c1", CandidateEntry{SenderID: "alice", Candidate: ICECandidate{Candidate: c}})
		require.NoError(t, err)
	}

	got := make(chan []KeyedCandidate, 1)
	cancel := sig.WatchCandidates("c1", func(list []KeyedCandidate) { got <- list })
	defer cancel()

	select {
	case list := <-got:
		require.Len(t, list, 3)
		assert.Equal(t, "a", list[0].Candidate.Candidate)
		assert.Equal(t, "c", list[2].Candidate.Candidate)
		assert.Less(t, list[0].Key, list[1].Key)
	case <-time.After(time.Second):
		t.Fatal("no candidates delivered")
	}
}

func TestScheduleDelete(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	sig := NewSignaling(store, 10*time.Millisecond)
	require.NoError(t, sig.Create(ctx, "c1", ringing("alice", "bob")))
	require.NoError(t, sig.Create(ctx, "c2", ringing("alice", "carol")))

	sig.ScheduleDelete("c1", "")
	stop := sig.ScheduleDelete("c2", "")
	assert.True(t, stop())

	require.Eventually(t, func() bool {
		_, ok, _ := sig.Record(ctx, "c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, ok, err := sig.Record(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduleDeleteKeepsNewerAttempt(t *testing.T) {
	ctx := context.Background()
	store := realtime.NewMemory()
	caller := NewSignaling(store, 20*time.Millisecond)
	callee := NewSignaling(store, 20*time.Millisecond)

	first := ringing("alice", "bob")
	first.Attempt = "a1"
	require.NoError(t, caller.Create(ctx, "c1", first))
	callee.ScheduleDelete("c1", "a1")
	caller.ScheduleDelete("c1", "a1")

	second := ringing("alice", "bob")
	second.Attempt = "a2"
	require.NoError(t, caller.Create(ctx, "c1", second))

	time.Sleep(80 * time.Millisecond)
	rec, ok, err := caller.Record(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok, "the redial's record survives the earlier cleanup")
	assert.Equal(t, "a2", rec.Attempt)
	assert.Equal(t, StatusRinging, rec.Status)

	callee.ScheduleDelete("c1", "a2")
	require.Eventually(t, func() bool {
		_, ok, _ := caller.Record(ctx, "c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCreateDropsPendingDelete(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), 20*time.Millisecond)
	rec := ringing("alice", "bob")
	require.NoError(t, sig.Create(ctx, "c1", rec))
	sig.ScheduleDelete("c1", "")

	// same attempt, so only the local cancel keeps it alive
	require.NoError(t, sig.Create(ctx, "c1", rec))
	time.Sleep(60 * time.Millisecond)
	_, ok, err := sig.Record(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatchIncomingFilters(t *testing.T) {
	ctx := context.Background()
	sig := NewSignaling(realtime.NewMemory(), time.Minute)
	require.NoError(t, sig.Create(ctx, CallID("alice", "bob"), ringing("alice", "bob")))
	require.NoError(t, sig.Create(ctx, CallID("bob", "carol"), ringing("bob", "carol")))
	done := ringing("dave", "bob")
	done.Status = StatusEnded
	require.NoError(t, sig.Create(ctx, CallID("dave", "bob"), done))

	got := make(chan map[string]Record, 1)
	cancel := sig.WatchIncoming("bob", func(m map[string]Record) { got <- m })
	defer cancel()

	select {
	case m := <-got:
		require.Len(t, m, 1)
		assert.Equal(t, "alice", m[CallID("alice", "bob")].CallerID)
	case <-time.After(time.Second):
		t.Fatal("no incoming snapshot")
	}
}

package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/realtime"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

const callsRoot = "calls"

func callPath(id string, sub ...string) string {
	return realtime.Join(append([]string{callsRoot, id}, sub...)...)
}

// Signaling reads and writes call records in a realtime store.
type Signaling struct {
	store        realtime.Store
	cleanupDelay time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewSignaling(store realtime.Store, cleanupDelay time.Duration) *Signaling {
	return &Signaling{store: store, cleanupDelay: cleanupDelay, pending: make(map[string]*time.Timer)}
}

// Create writes a fresh record, replacing any stale one with the same id.
// A removal still scheduled here for id is dropped.
func (s *Signaling) Create(ctx context.Context, id string, rec Record) error {
	s.mu.Lock()
	if t, ok := s.pending[id]; ok {
		t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if err := s.store.Set(ctx, callPath(id), rec); err != nil {
		metrics.SignalingWriteFailures.WithLabelValues("record").Inc()
		return fmt.Errorf("create call %s: %w", id, err)
	}
	return nil
}

// Record reads the record at id. ok is false if there is none.
func (s *Signaling) Record(ctx context.Context, id string) (rec Record, ok bool, err error) {
	snap, err := s.store.Get(ctx, callPath(id))
	if err != nil {
		return Record{}, false, fmt.Errorf("read call %s: %w", id, err)
	}
	if !snap.Exists() {
		return Record{}, false, nil
	}
	if err := snap.Decode(&rec); err != nil {
		return Record{}, false, fmt.Errorf("decode call %s: %w", id, err)
	}
	return rec, true, nil
}

// Transition moves the status from one value to another in a single
// transaction. It fails with ErrRaceLost if the status is no longer from.
func (s *Signaling) Transition(ctx context.Context, id string, from, to Status) error {
	committed, cur, err := s.store.Transaction(ctx, callPath(id, "status"), func(cur realtime.Snapshot) (any, bool) {
		st, _ := cur.Value.(string)
		if Status(st) != from {
			return nil, false
		}
		return string(to), true
	})
	if err != nil {
		metrics.SignalingWriteFailures.WithLabelValues("status").Inc()
		return fmt.Errorf("call %s %s->%s: %w", id, from, to, err)
	}
	if !committed {
		return fmt.Errorf("%w: call %s is %v, want %s", ErrRaceLost, id, cur.Value, from)
	}
	return nil
}

// publishOnce writes v at field unless a value is already present.
func (s *Signaling) publishOnce(ctx context.Context, id, field string, v any) (bool, error) {
	committed, _, err := s.store.Transaction(ctx, callPath(id, field), func(cur realtime.Snapshot) (any, bool) {
		if cur.Exists() {
			return nil, false
		}
		return v, true
	})
	if err != nil {
		metrics.SignalingWriteFailures.WithLabelValues(field).Inc()
		return false, fmt.Errorf("publish %s of %s: %w", field, id, err)
	}
	return committed, nil
}

// PublishOffer stores the caller's offer. It reports false if an offer was
// already stored.
func (s *Signaling) PublishOffer(ctx context.Context, id string, sd SessionDescription) (bool, error) {
	return s.publishOnce(ctx, id, "offer", sd)
}

// PublishAnswer stores the callee's answer once.
func (s *Signaling) PublishAnswer(ctx context.Context, id string, sd SessionDescription) (bool, error) {
	return s.publishOnce(ctx, id, "answer", sd)
}

func (s *Signaling) PushCandidate(ctx context.Context, id string, c CandidateEntry) (string, error) {
	key, err := s.store.Push(ctx, callPath(id, "candidates"), c)
	if err != nil {
		metrics.SignalingWriteFailures.WithLabelValues("candidate").Inc()
		return "", fmt.Errorf("push candidate of %s: %w", id, err)
	}
	return key, nil
}

// End writes the endCall tombstone and sets the status to ended. A record
// that is already gone is left alone.
func (s *Signaling) End(ctx context.Context, id string, e EndCall) error {
	_, _, err := s.store.Transaction(ctx, callPath(id), func(cur realtime.Snapshot) (any, bool) {
		m, ok := cur.Value.(map[string]any)
		if !ok {
			return nil, false
		}
		next := make(map[string]any, len(m)+1)
		for k, v := range m {
			next[k] = v
		}
		next["endCall"] = e
		next["status"] = string(StatusEnded)
		return next, true
	})
	if err != nil {
		metrics.SignalingWriteFailures.WithLabelValues("endCall").Inc()
		return fmt.Errorf("end call %s: %w", id, err)
	}
	return nil
}

// ScheduleDelete removes the record of attempt after the cleanup delay.
// The id is shared by every call between the same two users, so a record
// that was replaced by a newer attempt in the meantime is kept. The
// returned func cancels the removal if it has not run yet.
func (s *Signaling) ScheduleDelete(id, attempt string) (cancel func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[id]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.cleanupDelay, func() {
		s.mu.Lock()
		if s.pending[id] == t {
			delete(s.pending, id)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
		defer cancel()
		removed, err := s.removeAttempt(ctx, id, attempt)
		switch {
		case err != nil:
			log.Warnf("delete call record %s: %v", id, err)
		case removed:
			log.Debugf("call record %s deleted", id)
		default:
			log.Debugf("call record %s belongs to a newer call, kept", id)
		}
	})
	s.pending[id] = t
	return func() bool {
		s.mu.Lock()
		if s.pending[id] == t {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		return t.Stop()
	}
}

func (s *Signaling) removeAttempt(ctx context.Context, id, attempt string) (bool, error) {
	committed, _, err := s.store.Transaction(ctx, callPath(id), func(cur realtime.Snapshot) (any, bool) {
		m, ok := cur.Value.(map[string]any)
		if !ok {
			return nil, false
		}
		if a, _ := m["attempt"].(string); a != attempt {
			return nil, false
		}
		return nil, true
	})
	return committed, err
}

// ── Watches ──

// WatchStatus delivers the status field. A removed record delivers "".
func (s *Signaling) WatchStatus(id string, fn func(Status)) func() {
	return s.store.Watch(callPath(id, "status"), func(snap realtime.Snapshot, err error) {
		if err != nil {
			log.Warnf("status watch of %s: %v", id, err)
			return
		}
		st, _ := snap.Value.(string)
		fn(Status(st))
	})
}

// WatchEnd delivers the endCall tombstone once it exists.
func (s *Signaling) WatchEnd(id string, fn func(EndCall)) func() {
	return s.store.Watch(callPath(id, "endCall"), func(snap realtime.Snapshot, err error) {
		if err != nil || !snap.Exists() {
			return
		}
		var e EndCall
		if err := snap.Decode(&e); err != nil {
			log.Warnf("endCall of %s: %v", id, err)
			return
		}
		fn(e)
	})
}

func (s *Signaling) watchDescription(id, field string, fn func(SessionDescription)) func() {
	return s.store.Watch(callPath(id, field), func(snap realtime.Snapshot, err error) {
		if err != nil || !snap.Exists() {
			return
		}
		var sd SessionDescription
		if err := snap.Decode(&sd); err != nil || sd.SDP == "" {
			log.Warnf("%s of %s unreadable: %v", field, id, err)
			return
		}
		fn(sd)
	})
}

func (s *Signaling) WatchOffer(id string, fn func(SessionDescription)) func() {
	return s.watchDescription(id, "offer", fn)
}

func (s *Signaling) WatchAnswer(id string, fn func(SessionDescription)) func() {
	return s.watchDescription(id, "answer", fn)
}

// KeyedCandidate is a candidate with its append key.
type KeyedCandidate struct {
	Key string
	CandidateEntry
}

// WatchCandidates delivers every candidate appended so far, in key order.
func (s *Signaling) WatchCandidates(id string, fn func([]KeyedCandidate)) func() {
	return s.store.Watch(callPath(id, "candidates"), func(snap realtime.Snapshot, err error) {
		if err != nil || !snap.Exists() {
			return
		}
		var m map[string]CandidateEntry
		if err := snap.Decode(&m); err != nil {
			log.Warnf("candidates of %s: %v", id, err)
			return
		}
		out := make([]KeyedCandidate, 0, len(m))
		for k, c := range m {
			out = append(out, KeyedCandidate{Key: k, CandidateEntry: c})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		fn(out)
	})
}

// WatchIncoming delivers ringing records addressed to userID.
func (s *Signaling) WatchIncoming(userID string, fn func(map[string]Record)) func() {
	return s.store.Watch(callsRoot, func(snap realtime.Snapshot, err error) {
		if err != nil {
			log.Warnf("incoming watch: %v", err)
			return
		}
		out := make(map[string]Record)
		for _, id := range snap.Keys() {
			var rec Record
			if err := snap.Child(id).Decode(&rec); err != nil {
				continue
			}
			if rec.RecipientID == userID && rec.Status == StatusRinging {
				out[id] = rec
			}
		}
		fn(out)
	})
}

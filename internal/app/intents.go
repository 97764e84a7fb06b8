package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
)

// intents holds the navigation intent produced by a tapped notification
// until the call layer is ready. Every intent is acted on at most once.
type intents struct {
	open func(context.Context, push.Intent) (*call.Session, error)

	mu       sync.Mutex
	pending  *push.Intent
	consumed map[string]bool
}

func newIntents(open func(context.Context, push.Intent) (*call.Session, error)) *intents {
	return &intents{open: open, consumed: make(map[string]bool)}
}

// Deliver parks in as the pending intent, replacing an older one.
func (c *intents) Deliver(in push.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed[in.ID] {
		return
	}
	c.pending = &in
}

// Consume acts on the pending intent, if any. ok is false when nothing was pending.
func (c *intents) Consume(ctx context.Context) (s *call.Session, ok bool, err error) {
	c.mu.Lock()
	in := c.pending
	c.pending = nil
	c.mu.Unlock()
	if in == nil {
		return nil, false, nil
	}
	s, err = c.Open(ctx, *in)
	return s, true, err
}

// Open acts on in immediately.
func (c *intents) Open(ctx context.Context, in push.Intent) (*call.Session, error) {
	c.mu.Lock()
	if c.consumed[in.ID] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", push.ErrIntentConsumed, in.ID)
	}
	c.consumed[in.ID] = true
	if c.pending != nil && c.pending.ID == in.ID {
		c.pending = nil
	}
	c.mu.Unlock()

	s, err := c.open(ctx, in)
	if err != nil {
		log.Warnf("intent %s (%s from %s): %v", in.ID, in.Kind, in.CallerID, err)
		return nil, err
	}
	return s, nil
}

package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) (*Memory, *Server, *Client) {
	t.Helper()
	mem := NewMemory()
	srv := NewServer(mem)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	cl, err := Dial(context.Background(), url, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return mem, srv, cl
}

func TestClientRoundTrip(t *testing.T) {
	mem, _, cl := newRelay(t)
	ctx := context.Background()

	require.NoError(t, cl.Set(ctx, "calls/x", map[string]any{"status": "ringing"}))
	snap, err := mem.Get(ctx, "calls/x/status")
	require.NoError(t, err)
	assert.Equal(t, "ringing", snap.Value)

	require.NoError(t, cl.Update(ctx, "calls/x", map[string]any{"status": "accepted"}))
	got, err := cl.Get(ctx, "calls/x/status")
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Value)

	key, err := cl.Push(ctx, "calls/x/candidates", map[string]any{"senderId": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	require.NoError(t, cl.Remove(ctx, "calls/x"))
	got, err = cl.Get(ctx, "calls/x")
	require.NoError(t, err)
	assert.False(t, got.Exists())

	_, err = cl.Get(ctx, "bad//path")
	require.Error(t, err)
}

func TestClientTransactionRetriesOnConflict(t *testing.T) {
	mem, _, cl := newRelay(t)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "n", 1))

	attempts := 0
	ok, snap, err := cl.Transaction(ctx, "n", func(cur Snapshot) (any, bool) {
		attempts++
		if attempts == 1 {
			// a concurrent writer slips in between read and swap
			require.NoError(t, mem.Set(ctx, "n", 10))
		}
		n, _ := cur.Value.(float64)
		return n + 1, true
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, float64(11), snap.Value)
}

func TestClientTransactionAbort(t *testing.T) {
	mem, _, cl := newRelay(t)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "calls/x/status", "declined"))

	ok, snap, err := cl.Transaction(ctx, "calls/x/status", func(cur Snapshot) (any, bool) {
		if cur.Value != "ringing" {
			return nil, false
		}
		return "accepted", true
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "declined", snap.Value)
}

func TestClientWatchAndServerCleanup(t *testing.T) {
	mem, srv, cl := newRelay(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []any
	cancel := cl.Watch("calls/x/status", func(s Snapshot, err error) {
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, s.Value)
		mu.Unlock()
	})
	assert.Equal(t, 1, cl.WatchCount())

	require.NoError(t, mem.Set(ctx, "calls/x/status", "ringing"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "ringing"
	})

	cancel()
	cancel()
	assert.Zero(t, cl.WatchCount())
	waitFor(t, func() bool { return mem.WatchCount() == 0 })

	cl.Watch("calls/y", func(Snapshot, error) {})
	waitFor(t, func() bool { return mem.WatchCount() == 1 })
	require.NoError(t, cl.Close())
	waitFor(t, func() bool { return mem.WatchCount() == 0 && srv.Conns() == 0 })
}

func TestClientClosedRequestsFail(t *testing.T) {
	_, _, cl := newRelay(t)
	require.NoError(t, cl.Close())
	<-cl.Done()

	err := cl.Set(context.Background(), "a", 1)
	require.ErrorIs(t, err, ErrClosed)
}

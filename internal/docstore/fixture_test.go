package docstore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/storage"
)

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestDB(t *testing.T) (*DB, *clock) {
	t.Helper()
	sdb, err := storage.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	c := newClock()
	d := New(sdb, WithClock(c.Now))
	t.Cleanup(func() {
		d.Close()
		sdb.Close()
	})
	return d, c
}

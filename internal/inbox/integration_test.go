package inbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/storage"
)

type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func openDocstore(t *testing.T) (*docstore.DB, *tick) {
	t.Helper()
	sdb, err := storage.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	c := &tick{t: base}
	ds := docstore.New(sdb, docstore.WithClock(c.Now))
	t.Cleanup(func() {
		ds.Close()
		sdb.Close()
	})
	return ds, c
}

func waitState(t *testing.T, e *Engine, cond func(State) bool) State {
	t.Helper()
	var s State
	require.Eventually(t, func() bool {
		s = e.Snapshot()
		return cond(s)
	}, 3*time.Second, 10*time.Millisecond)
	return s
}

func TestEngineAgainstDocstore(t *testing.T) {
	ctx := context.Background()
	ds, c := openDocstore(t)

	dm, err := ds.CreateRoom(ctx, docstore.Room{Kind: docstore.RoomDirect, Participants: []string{viewer, "u2"}})
	require.NoError(t, err)
	grp, err := ds.CreateRoom(ctx, docstore.Room{Kind: docstore.RoomGroup, Name: "Team", AdminID: viewer, Participants: []string{viewer, "u2", "u3"}})
	require.NoError(t, err)
	require.NoError(t, ds.PutProfile(ctx, docstore.Profile{UserID: "u2", Name: "Bea"}))
	_, err = ds.SendMessage(ctx, grp.ID, "u3", docstore.Text{Body: "standup?"})
	require.NoError(t, err)

	e := New(ds, viewer, Options{Now: c.Now})
	require.NoError(t, e.Start())

	s := waitState(t, e, func(s State) bool {
		return !s.Loading && len(s.Chats) == 2 && s.Chats[0].Latest != nil && s.Chats[1].Peer.Name == "Bea"
	})
	assert.Equal(t, []string{grp.ID, dm.ID}, ids(s.Chats))
	assert.Equal(t, "Team", s.Chats[0].Peer.Name)
	assert.Equal(t, viewer, s.Chats[0].Peer.AdminID)

	// a new direct message moves the direct room to the top
	_, err = ds.SendMessage(ctx, dm.ID, "u2", docstore.Image{URL: "https://cdn/p.jpg"})
	require.NoError(t, err)
	s = waitState(t, e, func(s State) bool { return s.Chats[0].RoomID == dm.ID })
	assert.Equal(t, "[Image]", s.Chats[0].Latest.Text)
	assert.True(t, s.Chats[0].Latest.HasAttachment)

	// pinning the group persists and wins over recency
	require.NoError(t, e.TogglePin(grp.ID))
	require.Eventually(t, func() bool {
		r, err := ds.Room(ctx, grp.ID)
		return err == nil && len(r.PinnedBy) == 1
	}, 3*time.Second, 10*time.Millisecond)
	s = waitState(t, e, func(s State) bool { return s.Chats[0].RoomID == grp.ID && s.Chats[0].Pinned })
	assert.Equal(t, []string{grp.ID}, s.PinnedIDs)

	// soft delete hides the history until something newer arrives
	require.NoError(t, e.SoftDeleteRoom(ctx, dm.ID))
	s = waitState(t, e, func(s State) bool { return len(s.Chats) == 2 && s.Chats[1].Latest == nil })
	_, err = ds.SendMessage(ctx, dm.ID, "u2", docstore.Text{Body: "still there?"})
	require.NoError(t, err)
	s = waitState(t, e, func(s State) bool { return s.Chats[1].Latest != nil })
	assert.Equal(t, "still there?", s.Chats[1].Latest.Text)

	e.Close()
	require.Eventually(t, func() bool { return ds.ListenerCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestEngineSeesNewRoom(t *testing.T) {
	ctx := context.Background()
	ds, c := openDocstore(t)

	e := New(ds, viewer, Options{Now: c.Now})
	require.NoError(t, e.Start())
	defer e.Close()
	waitState(t, e, func(s State) bool { return !s.Loading })

	r, err := ds.CreateRoom(ctx, docstore.Room{Kind: docstore.RoomDirect, Participants: []string{"u4", viewer}})
	require.NoError(t, err)
	s := waitState(t, e, func(s State) bool { return len(s.Chats) == 1 })
	assert.Equal(t, r.ID, s.Chats[0].RoomID)
	assert.Equal(t, "u4", s.Chats[0].Peer.UserID)
	assert.Nil(t, s.Chats[0].Latest)
}

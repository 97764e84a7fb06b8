package inbox

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

func row(id string, pinned bool, sec float64) Summary {
	s := Summary{RoomID: id, Pinned: pinned}
	if sec > 0 {
		s.Latest = &Preview{Text: id, CreatedAt: at(sec)}
	}
	return s
}

func ids(chats []Summary) []string {
	out := make([]string, 0, len(chats))
	for _, c := range chats {
		out = append(out, c.RoomID)
	}
	return out
}

func TestSortPinnedFirstThenNewest(t *testing.T) {
	chats := []Summary{row("A", false, 5), row("B", true, 1), row("C", false, 10)}
	SortSummaries(chats)
	assert.Equal(t, []string{"B", "C", "A"}, ids(chats))
}

func TestSortEmptyPreviewsLastAndStable(t *testing.T) {
	chats := []Summary{
		row("empty1", false, 0),
		row("old", false, 1),
		row("p-old", true, 2),
		row("empty2", false, 0),
		row("p-new", true, 8),
		row("new", false, 9),
	}
	SortSummaries(chats)
	assert.Equal(t, []string{"p-new", "p-old", "new", "old", "empty1", "empty2"}, ids(chats))
}

func TestBuildInboxPeers(t *testing.T) {
	rooms := []docstore.Room{
		{ID: "g", Kind: docstore.RoomGroup, Name: "Team", Photo: "t.png", AdminID: "u1", Participants: []string{"u1", "u2", "u3"}, CreatedAt: at(1)},
		{ID: "d", Kind: docstore.RoomDirect, Participants: []string{"u1", "u2"}, CreatedAt: at(2)},
		{ID: "d2", Kind: docstore.RoomDirect, Participants: []string{"u3", "u1"}, CreatedAt: at(3)},
	}
	profiles := map[string]docstore.Profile{"u2": {UserID: "u2", Name: "Bea", Photo: "b.png"}}
	messages := map[string][]docstore.Message{"d": {msg("m1", 4, "hey")}}

	chats := BuildInbox("u1", rooms, messages, profiles, map[string]bool{"g": true}, map[string]bool{"d2": true})

	assert.Equal(t, []string{"g", "d", "d2"}, ids(chats))
	assert.Equal(t, Peer{Kind: docstore.RoomGroup, Name: "Team", Photo: "t.png", AdminID: "u1"}, chats[0].Peer)
	assert.True(t, chats[0].Pinned)
	assert.Equal(t, Peer{Kind: docstore.RoomDirect, UserID: "u2", Name: "Bea", Photo: "b.png"}, chats[1].Peer)
	assert.Equal(t, "hey", chats[1].Latest.Text)
	assert.Equal(t, "u3", chats[2].Peer.Name, "falls back to the user id without a profile")
	assert.True(t, chats[2].Muted)
}

func TestBuildInboxIgnoresInputOrder(t *testing.T) {
	rooms := []docstore.Room{
		{ID: "b", Kind: docstore.RoomGroup, CreatedAt: at(1)},
		{ID: "a", Kind: docstore.RoomGroup, CreatedAt: at(1)},
		{ID: "c", Kind: docstore.RoomGroup, CreatedAt: at(0.5)},
	}
	reversed := []docstore.Room{rooms[2], rooms[1], rooms[0]}

	one := BuildInbox("u1", rooms, nil, nil, nil, nil)
	two := BuildInbox("u1", reversed, nil, nil, nil, nil)
	assert.Equal(t, []string{"c", "a", "b"}, ids(one))
	assert.Equal(t, ids(one), ids(two))
}

package inbox

import (
	"sort"
	"time"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

// SortSummaries orders rows pinned first, then by latest message, newest
// first. Rows without a preview sort last within their group. The sort
// is stable.
func SortSummaries(chats []Summary) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return latestAt(a).After(latestAt(b))
	})
}

func latestAt(s Summary) time.Time {
	if s.Latest == nil {
		return time.Time{}
	}
	return s.Latest.CreatedAt
}

// BuildInbox computes the sorted rows for viewer from point-in-time data.
// The listener path and the refresh path both go through it.
func BuildInbox(viewer string, rooms []docstore.Room, messages map[string][]docstore.Message,
	profiles map[string]docstore.Profile, pinned, muted map[string]bool) []Summary {

	ordered := append([]docstore.Room(nil), rooms...)
	sort.SliceStable(ordered, func(i, j int) bool { return roomBefore(ordered[i], ordered[j]) })

	chats := make([]Summary, 0, len(ordered))
	for _, r := range ordered {
		s := Summary{
			RoomID: r.ID,
			Peer:   peerOf(r, viewer, profiles),
			Latest: SelectPreview(messages[r.ID], r, viewer),
			Pinned: pinned[r.ID],
			Muted:  muted[r.ID],
		}
		chats = append(chats, s)
	}
	SortSummaries(chats)
	return chats
}

func roomBefore(a, b docstore.Room) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func peerOf(r docstore.Room, viewer string, profiles map[string]docstore.Profile) Peer {
	if r.Kind == docstore.RoomGroup {
		return Peer{Kind: r.Kind, Name: r.Name, Photo: r.Photo, AdminID: r.AdminID}
	}
	other := r.OtherParticipant(viewer)
	p := Peer{Kind: docstore.RoomDirect, UserID: other, Name: other}
	if prof, ok := profiles[other]; ok {
		if prof.Name != "" {
			p.Name = prof.Name
		}
		p.Photo = prof.Photo
	}
	return p
}

func summariesEqual(a, b []Summary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.RoomID != y.RoomID || x.Peer != y.Peer || x.Pinned != y.Pinned || x.Muted != y.Muted {
			return false
		}
		if !previewEqual(x.Latest, y.Latest) {
			return false
		}
	}
	return true
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

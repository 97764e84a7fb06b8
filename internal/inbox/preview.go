package inbox

import (
	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

// SelectPreview picks the message shown on a room's row. msgs is the room
// feed, newest first.
//
// Candidate A is the newest message without the viewer's per-message delete
// marker; candidate B is the newest message with one. A wins over B, and
// either only qualifies if it is newer than the viewer's latest room-level
// delete marker.
func SelectPreview(msgs []docstore.Message, room docstore.Room, viewer string) *Preview {
	var a, b *docstore.Message
	for i := range msgs {
		m := &msgs[i]
		if m.DeletedBy(viewer) {
			if b == nil {
				b = m
			}
		} else if a == nil {
			a = m
		}
		if a != nil && b != nil {
			break
		}
	}

	deletedAt, hasMarker := room.LatestDeletion(viewer)
	qualifies := func(m *docstore.Message) bool {
		return m != nil && (!hasMarker || m.CreatedAt.After(deletedAt))
	}

	switch {
	case qualifies(a):
		return previewOf(a, false)
	case qualifies(b):
		return previewOf(b, true)
	default:
		return nil
	}
}

func previewOf(m *docstore.Message, deleted bool) *Preview {
	p := &Preview{
		MessageID: m.ID,
		CreatedAt: m.CreatedAt,
		SenderID:  m.SenderID,
		Deleted:   deleted,
	}
	if m.Payload != nil {
		p.Text = m.Payload.PreviewText()
		p.HasAttachment = m.Payload.HasAttachment()
	}
	return p
}

// previewEqual is the merge contract: previews with the same createdAt and
// text are the same.
func previewEqual(a, b *Preview) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.CreatedAt.Equal(b.CreatedAt) && a.Text == b.Text
}

// Package inbox keeps the signed-in user's live, sorted list of chat rooms.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
)

var (
	ErrPinLimit    = errors.New("inbox: pin limit reached")
	ErrUnknownRoom = errors.New("inbox: unknown room")
	ErrClosed      = errors.New("inbox: engine closed")
	ErrStarted     = errors.New("inbox: engine already started")
)

const (
	DefaultMaxPins   = 5
	DefaultFeedLimit = 50
)

// Store is the document store surface the engine reads and writes.
// Watch callbacks must be delivered asynchronously, never from inside the
// Watch call itself.
type Store interface {
	RoomsFor(ctx context.Context, userID string) ([]docstore.Room, error)
	Messages(ctx context.Context, roomID string, limit int) ([]docstore.Message, error)
	Profile(ctx context.Context, userID string) (docstore.Profile, error)

	WatchRooms(userID string, fn func([]docstore.Room, error)) docstore.Unsubscribe
	WatchMessages(roomID string, limit int, fn func([]docstore.Message, error)) docstore.Unsubscribe
	WatchProfile(userID string, fn func(docstore.Profile, error)) docstore.Unsubscribe

	AddToSet(ctx context.Context, roomID string, field docstore.SetField, userID string) error
	RemoveFromSet(ctx context.Context, roomID string, field docstore.SetField, userID string) error
	AppendTombstone(ctx context.Context, roomID string, m docstore.DeleteMarker) error
}

// Peer is who a row represents: the group itself, or the other participant
// of a direct room.
type Peer struct {
	Kind    docstore.RoomKind `json:"kind"`
	Name    string            `json:"name"`
	Photo   string            `json:"photo,omitempty"`
	AdminID string            `json:"adminId,omitempty"`
	UserID  string            `json:"userId,omitempty"`
}

// Preview is the latest message shown on a row.
type Preview struct {
	MessageID     string    `json:"messageId"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"createdAt"`
	SenderID      string    `json:"senderId"`
	HasAttachment bool      `json:"hasAttachment"`

	// Deleted marks a fallback preview: the message carries the viewer's
	// own per-message delete marker.
	Deleted bool `json:"deleted,omitempty"`
}

// Summary is one row of the inbox.
type Summary struct {
	RoomID string   `json:"roomId"`
	Peer   Peer     `json:"peer"`
	Latest *Preview `json:"latest,omitempty"`
	Pinned bool     `json:"pinned"`
	Muted  bool     `json:"muted"`
}

// State is the engine's published view. Version increases on every
// accepted change and never on a no-op.
type State struct {
	Chats     []Summary `json:"chats"`
	PinnedIDs []string  `json:"pinnedIds"`
	MutedIDs  []string  `json:"mutedIds"`
	Loading   bool      `json:"loading"`
	Version   uint64    `json:"version"`
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient user-facing message (a toast).
type Notice struct {
	ID     string      `json:"id"`
	Level  NoticeLevel `json:"level"`
	RoomID string      `json:"roomId,omitempty"`
	Text   string      `json:"text"`
	At     time.Time   `json:"at"`
}

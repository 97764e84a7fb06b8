package docstore

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("docstore: not found")
	ErrClosed       = errors.New("docstore: closed")
	ErrInvalidField = errors.New("docstore: invalid set field")
	ErrInvalidRoom  = errors.New("docstore: invalid room")
	ErrTimeout      = errors.New("docstore: request not acknowledged")
)

type RoomKind string

const (
	RoomGroup  RoomKind = "group"
	RoomDirect RoomKind = "direct"
)

// SetField names a set-valued room field updated with array-union/remove.
type SetField string

const (
	PinnedBy SetField = "pinned_by"
	MutedBy  SetField = "muted_by"
)

func (f SetField) valid() bool { return f == PinnedBy || f == MutedBy }

// DeleteMarker records that UserID deleted something at DeletedAt.
type DeleteMarker struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

type Room struct {
	ID           string         `json:"id"`
	Kind         RoomKind       `json:"kind"`
	Name         string         `json:"name,omitempty"`
	Photo        string         `json:"photo,omitempty"`
	AdminID      string         `json:"adminId,omitempty"`
	Participants []string       `json:"participants"`
	DeletedAt    []DeleteMarker `json:"deletedAt,omitempty"`
	PinnedBy     []string       `json:"pinnedBy,omitempty"`
	MutedBy      []string       `json:"mutedBy,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// OtherParticipant returns the participant of a direct room that is not self.
func (r Room) OtherParticipant(self string) string {
	for _, p := range r.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// LatestDeletion returns the newest room-level delete marker for userID.
func (r Room) LatestDeletion(userID string) (time.Time, bool) {
	var (
		latest time.Time
		found  bool
	)
	for _, m := range r.DeletedAt {
		if m.UserID != userID {
			continue
		}
		if !found || m.DeletedAt.After(latest) {
			latest, found = m.DeletedAt, true
		}
	}
	return latest, found
}

type Message struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"roomId"`
	SenderID   string         `json:"senderId"`
	Payload    Payload        `json:"-"`
	CreatedAt  time.Time      `json:"createdAt"`
	DeletedFor []DeleteMarker `json:"deletedFor,omitempty"`
}

// DeletedBy reports whether the message carries a per-message delete marker for userID.
func (m Message) DeletedBy(userID string) bool {
	for _, d := range m.DeletedFor {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

type Profile struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Photo  string `json:"photo,omitempty"`
}

package docstore

import "context"

// Store is the document store of a deployment. The hosting node serves its
// DB; every other node reaches the same documents through a Client.
type Store interface {
	Room(ctx context.Context, id string) (Room, error)
	RoomsFor(ctx context.Context, userID string) ([]Room, error)
	Messages(ctx context.Context, roomID string, limit int) ([]Message, error)
	Profile(ctx context.Context, userID string) (Profile, error)

	WatchRooms(userID string, fn func([]Room, error)) Unsubscribe
	WatchMessages(roomID string, limit int, fn func([]Message, error)) Unsubscribe
	WatchProfile(userID string, fn func(Profile, error)) Unsubscribe

	CreateRoom(ctx context.Context, r Room) (Room, error)
	SendMessage(ctx context.Context, roomID, senderID string, p Payload) (Message, error)
	DeleteMessageFor(ctx context.Context, messageID, userID string) error
	PutProfile(ctx context.Context, p Profile) error
	AddToSet(ctx context.Context, roomID string, field SetField, userID string) error
	RemoveFromSet(ctx context.Context, roomID string, field SetField, userID string) error
	AppendTombstone(ctx context.Context, roomID string, m DeleteMarker) error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*Client)(nil)
)

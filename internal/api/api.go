// Package api is the node's local HTTP surface: the live inbox, room and
// profile writes, call control and the realtime relay endpoint.
package api

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/inbox"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
)

var log = logging.Logger("api")

// Inbox is the live inbox of the signed-in user.
type Inbox interface {
	Viewer() string
	Snapshot() inbox.State
	Subscribe() (chan inbox.State, func())
	SubscribeNotices() (chan inbox.Notice, func())
	Notices() []inbox.Notice
	TogglePin(roomID string) error
	ToggleMute(roomID string) error
	SoftDeleteRoom(ctx context.Context, roomID string) error
	Refresh(ctx context.Context) error
}

// Rooms is the document store surface used for direct writes.
type Rooms interface {
	Room(ctx context.Context, id string) (docstore.Room, error)
	Messages(ctx context.Context, roomID string, limit int) ([]docstore.Message, error)
	Profile(ctx context.Context, userID string) (docstore.Profile, error)
	CreateRoom(ctx context.Context, r docstore.Room) (docstore.Room, error)
	SendMessage(ctx context.Context, roomID, senderID string, p docstore.Payload) (docstore.Message, error)
	DeleteMessageFor(ctx context.Context, messageID, userID string) error
	PutProfile(ctx context.Context, p docstore.Profile) error
}

// Calls controls the single active call of this node.
type Calls interface {
	StartCall(ctx context.Context, req call.StartRequest) (*call.Session, error)
	Session(id string) (*call.Session, bool)
	Active() (*call.Session, bool)
	Subscribe() (chan call.Event, func())
}

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID   string
	SelfName func() string

	Inbox Inbox
	Rooms Rooms
	Calls Calls

	// OpenIntent consumes a navigation intent produced by a tapped push
	// notification. Nil disables POST /api/push/open.
	OpenIntent func(ctx context.Context, in push.Intent) (*call.Session, error)

	// Relay serves the realtime store to other nodes. Nil when this node
	// dials a remote relay.
	Relay http.Handler

	// DocsRelay serves the document store to other nodes. Nil unless this
	// node hosts the store.
	DocsRelay http.Handler

	Logs Logs

	FeedLimit int
}

// NewHandler builds the API mux. Optional dependencies that are nil leave
// their routes unregistered.
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()
	Register(mux, d)
	return noCache(mux)
}

func Register(mux *http.ServeMux, d Deps) {
	registerSelfRoutes(mux, d)

	if d.Inbox != nil {
		registerInboxRoutes(mux, d.Inbox)
	}
	if d.Rooms != nil {
		registerRoomRoutes(mux, d)
	}
	if d.Calls != nil {
		registerCallRoutes(mux, d.Calls)
	}
	if d.OpenIntent != nil {
		registerPushRoutes(mux, d.OpenIntent)
	}
	if d.Relay != nil {
		// Not wrapped in metrics: the upgrade needs the raw hijackable writer.
		mux.Handle("/api/rtdb/ws", d.Relay)
	}
	if d.DocsRelay != nil {
		mux.Handle("/api/docs/ws", d.DocsRelay)
	}
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	mux.Handle("/metrics", metrics.Handler())
}

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if d.SelfName != nil {
			name = d.SelfName()
		}
		writeJSON(w, map[string]string{"userId": d.SelfID, "displayName": name})
	})
}

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Relay wire operations.
const (
	opRoom          = "room"
	opRoomsFor      = "rooms_for"
	opMessages      = "messages"
	opProfile       = "profile"
	opCreateRoom    = "create_room"
	opSend          = "send"
	opDeleteMessage = "delete_message"
	opPutProfile    = "put_profile"
	opAddToSet      = "add_to_set"
	opRemoveFromSet = "remove_from_set"
	opTombstone     = "tombstone"
	opWatchRooms    = "watch_rooms"
	opWatchMessages = "watch_messages"
	opWatchProfile  = "watch_profile"
	opUnwatch       = "unwatch"
	opReply         = "reply"
	opEvent         = "event"
)

type frame struct {
	ID    uint64          `json:"id,omitempty"`
	Op    string          `json:"op"`
	Watch uint64          `json:"watch,omitempty"`
	Args  *args           `json:"args,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

type args struct {
	RoomID    string        `json:"roomId,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	Field     SetField      `json:"field,omitempty"`
	Room      *Room         `json:"room,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Profile   *Profile      `json:"profile,omitempty"`
	Marker    *DeleteMarker `json:"marker,omitempty"`
}

// Sentinels that survive the trip over the relay.
var errorCodes = map[string]error{
	"not_found":     ErrNotFound,
	"closed":        ErrClosed,
	"invalid_field": ErrInvalidField,
	"invalid_room":  ErrInvalidRoom,
	"timeout":       ErrTimeout,
}

func codeOf(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// remoteError is an error reported by the hosting node.
type remoteError struct {
	msg string
	is  error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.is }

func (f frame) err() error {
	if f.Error == "" {
		return nil
	}
	return &remoteError{msg: f.Error, is: errorCodes[f.Code]}
}

func failed(err error) frame {
	return frame{Error: err.Error(), Code: codeOf(err)}
}

func encoded(v any, err error) frame {
	if err != nil {
		return failed(err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return failed(err)
	}
	return frame{Value: b}
}

// Server exposes a Store to the other nodes of a deployment over WebSocket.
type Server struct {
	store    Store
	upgrader websocket.Upgrader
}

func NewServer(store Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("docs relay upgrade: %v", err)
		return
	}
	log.Infof("docs relay client connected from %s", r.RemoteAddr)
	c := &serverConn{ws: ws, store: s.store, watches: make(map[uint64]Unsubscribe)}
	c.serve(r.Context())
	log.Infof("docs relay client %s disconnected", r.RemoteAddr)
}

type serverConn struct {
	ws    *websocket.Conn
	store Store

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[uint64]Unsubscribe
}

func (c *serverConn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *serverConn) serve(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		for id, stop := range c.watches {
			stop()
			delete(c.watches, id)
		}
		c.mu.Unlock()
		c.ws.Close()
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("docs relay read: %v", err)
			}
			return
		}
		reply := c.handle(ctx, f)
		reply.ID, reply.Op = f.ID, opReply
		if err := c.send(reply); err != nil {
			log.Debugf("docs relay write: %v", err)
			return
		}
	}
}

func (c *serverConn) handle(ctx context.Context, f frame) frame {
	a := f.Args
	if a == nil {
		a = &args{}
	}

	switch f.Op {
	case opRoom:
		return encoded(c.store.Room(ctx, a.RoomID))
	case opRoomsFor:
		return encoded(c.store.RoomsFor(ctx, a.UserID))
	case opMessages:
		return encoded(c.store.Messages(ctx, a.RoomID, a.Limit))
	case opProfile:
		return encoded(c.store.Profile(ctx, a.UserID))

	case opCreateRoom:
		if a.Room == nil {
			return failed(ErrInvalidRoom)
		}
		return encoded(c.store.CreateRoom(ctx, *a.Room))
	case opSend:
		if a.Message == nil || a.Message.Payload == nil {
			return failed(errors.New("send: message payload is required"))
		}
		return encoded(c.store.SendMessage(ctx, a.Message.RoomID, a.Message.SenderID, a.Message.Payload))
	case opDeleteMessage:
		return encoded(nil, c.store.DeleteMessageFor(ctx, a.MessageID, a.UserID))
	case opPutProfile:
		if a.Profile == nil {
			return failed(errors.New("put_profile: profile is required"))
		}
		return encoded(nil, c.store.PutProfile(ctx, *a.Profile))
	case opAddToSet:
		return encoded(nil, c.store.AddToSet(ctx, a.RoomID, a.Field, a.UserID))
	case opRemoveFromSet:
		return encoded(nil, c.store.RemoveFromSet(ctx, a.RoomID, a.Field, a.UserID))
	case opTombstone:
		if a.Marker == nil {
			return failed(errors.New("tombstone: marker is required"))
		}
		return encoded(nil, c.store.AppendTombstone(ctx, a.RoomID, *a.Marker))

	case opWatchRooms:
		return c.watch(f.Watch, func(ev func(any, error)) Unsubscribe {
			return c.store.WatchRooms(a.UserID, func(v []Room, err error) { ev(v, err) })
		})
	case opWatchMessages:
		return c.watch(f.Watch, func(ev func(any, error)) Unsubscribe {
			return c.store.WatchMessages(a.RoomID, a.Limit, func(v []Message, err error) { ev(v, err) })
		})
	case opWatchProfile:
		return c.watch(f.Watch, func(ev func(any, error)) Unsubscribe {
			return c.store.WatchProfile(a.UserID, func(v Profile, err error) { ev(v, err) })
		})
	case opUnwatch:
		c.mu.Lock()
		stop, ok := c.watches[f.Watch]
		delete(c.watches, f.Watch)
		c.mu.Unlock()
		if ok {
			stop()
		}
		return frame{}

	default:
		return failed(errors.New("unknown op " + f.Op))
	}
}

// watch opens a live query whose deliveries are sent as event frames.
func (c *serverConn) watch(id uint64, open func(ev func(any, error)) Unsubscribe) frame {
	if id == 0 {
		return failed(errors.New("watch id is required"))
	}
	stop := open(func(v any, err error) {
		ev := encoded(v, err)
		ev.Op, ev.Watch = opEvent, id
		if err := c.send(ev); err != nil {
			log.Debugf("docs relay event: %v", err)
		}
	})
	c.mu.Lock()
	if old, ok := c.watches[id]; ok {
		old()
	}
	c.watches[id] = stop
	c.mu.Unlock()
	return frame{}
}

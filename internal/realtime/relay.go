package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

// Relay wire operations.
const (
	opGet     = "get"
	opSet     = "set"
	opUpdate  = "update"
	opPush    = "push"
	opRemove  = "remove"
	opCAS     = "cas"
	opWatch   = "watch"
	opUnwatch = "unwatch"
	opReply   = "reply"
	opEvent   = "event"
)

// frame is the single message shape exchanged over the relay socket.
type frame struct {
	ID        uint64          `json:"id,omitempty"`
	Op        string          `json:"op"`
	Path      string          `json:"path,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Expected  json.RawMessage `json:"expected,omitempty"`
	Watch     uint64          `json:"watch,omitempty"`
	Key       string          `json:"key,omitempty"`
	Committed bool            `json:"committed,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func rawValue(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func decodeRaw(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return prune(v), nil
}

// Server exposes a Store to remote nodes over WebSocket.
type Server struct {
	store    Store
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns int
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

// Conns returns the number of connected relay clients.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	log.Infof("relay client connected from %s", r.RemoteAddr)

	sc := &serverConn{ws: ws, store: s.store, watches: make(map[uint64]func())}
	sc.serve(r.Context())

	s.mu.Lock()
	s.conns--
	s.mu.Unlock()
	log.Infof("relay client %s disconnected", r.RemoteAddr)
}

type serverConn struct {
	ws    *websocket.Conn
	store Store

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[uint64]func()
}

func (c *serverConn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *serverConn) serve(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		for id, cancel := range c.watches {
			cancel()
			delete(c.watches, id)
		}
		c.mu.Unlock()
		c.ws.Close()
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("relay read: %v", err)
			}
			return
		}
		reply := c.handle(ctx, f)
		reply.ID = f.ID
		reply.Op = opReply
		if err := c.send(reply); err != nil {
			log.Debugf("relay write: %v", err)
			return
		}
	}
}

func (c *serverConn) handle(ctx context.Context, f frame) frame {
	fail := func(err error) frame { return frame{Error: err.Error()} }

	switch f.Op {
	case opGet:
		snap, err := c.store.Get(ctx, f.Path)
		if err != nil {
			return fail(err)
		}
		return frame{Value: rawValue(snap.Value)}

	case opSet:
		v, err := decodeRaw(f.Value)
		if err != nil {
			return fail(err)
		}
		if err := c.store.Set(ctx, f.Path, v); err != nil {
			return fail(err)
		}
		return frame{}

	case opUpdate:
		var fields map[string]any
		if err := json.Unmarshal(f.Value, &fields); err != nil {
			return fail(err)
		}
		if err := c.store.Update(ctx, f.Path, fields); err != nil {
			return fail(err)
		}
		return frame{}

	case opPush:
		v, err := decodeRaw(f.Value)
		if err != nil {
			return fail(err)
		}
		key, err := c.store.Push(ctx, f.Path, v)
		if err != nil {
			return fail(err)
		}
		return frame{Key: key}

	case opRemove:
		if err := c.store.Remove(ctx, f.Path); err != nil {
			return fail(err)
		}
		return frame{}

	case opCAS:
		expected, err := decodeRaw(f.Expected)
		if err != nil {
			return fail(err)
		}
		next, err := decodeRaw(f.Value)
		if err != nil {
			return fail(err)
		}
		committed, snap, err := c.store.Transaction(ctx, f.Path, func(cur Snapshot) (any, bool) {
			if !equalValues(cur.Value, expected) {
				return nil, false
			}
			return next, true
		})
		if err != nil {
			return fail(err)
		}
		return frame{Committed: committed, Value: rawValue(snap.Value)}

	case opWatch:
		if f.Watch == 0 {
			return frame{Error: "watch id is required"}
		}
		watchID := f.Watch
		cancel := c.store.Watch(f.Path, func(snap Snapshot, err error) {
			ev := frame{Op: opEvent, Watch: watchID, Path: snap.Path, Value: rawValue(snap.Value)}
			if err != nil {
				ev.Error = err.Error()
			}
			if err := c.send(ev); err != nil {
				log.Debugf("relay event: %v", err)
			}
		})
		c.mu.Lock()
		if old, ok := c.watches[watchID]; ok {
			old()
		}
		c.watches[watchID] = cancel
		c.mu.Unlock()
		return frame{}

	case opUnwatch:
		c.mu.Lock()
		cancel, ok := c.watches[f.Watch]
		delete(c.watches, f.Watch)
		c.mu.Unlock()
		if ok {
			cancel()
		}
		return frame{}

	default:
		return frame{Error: "unknown op " + f.Op}
	}
}

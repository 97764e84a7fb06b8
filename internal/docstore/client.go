package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Store backed by the docs relay of the hosting node.
type Client struct {
	ws      *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	feeds   map[uint64]*feed
	err     error

	done chan struct{}
}

// Dial connects to a docs relay such as ws://host:7780/api/docs/ws.
// Every request must be acknowledged within timeout.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial docs relay: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		ws:      ws,
		timeout: timeout,
		pending: make(map[uint64]chan frame),
		feeds:   make(map[uint64]*feed),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects. Open live queries receive ErrClosed.
func (c *Client) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// WatchCount returns the number of open live queries.
func (c *Client) WatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.feeds)
}

// feed holds the newest event of one remote live query. Deliveries run on
// the watcher goroutine, so fn may call back into the client.
type feed struct {
	mu   sync.Mutex
	last frame
	has  bool
	w    *watcher
}

func newFeed(deliver func(frame)) *feed {
	f := &feed{}
	f.w = newWatcher(func() {
		f.mu.Lock()
		ev, has := f.last, f.has
		f.has = false
		f.mu.Unlock()
		if has {
			deliver(ev)
		}
	})
	return f
}

func (f *feed) put(ev frame) {
	f.mu.Lock()
	f.last, f.has = ev, true
	f.mu.Unlock()
	f.w.mark()
}

func (c *Client) readLoop() {
	var readErr error
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			readErr = err
			break
		}
		switch f.Op {
		case opEvent:
			c.mu.Lock()
			fd := c.feeds[f.Watch]
			c.mu.Unlock()
			if fd != nil {
				fd.put(f)
			}
		default:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	feeds := c.feeds
	c.feeds = make(map[uint64]*feed)
	c.mu.Unlock()

	for _, fd := range feeds {
		fd.put(failed(ErrClosed))
	}
	close(c.done)
}

func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return frame{}, err
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return frame{}, fmt.Errorf("docs %s: %w", f.Op, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if err := reply.err(); err != nil {
			return frame{}, err
		}
		return reply, nil
	case <-timer.C:
		forget()
		return frame{}, fmt.Errorf("docs %s: %w", f.Op, ErrTimeout)
	case <-ctx.Done():
		forget()
		return frame{}, ctx.Err()
	}
}

// call sends op and decodes the reply value into out when out is non-nil.
func (c *Client) call(ctx context.Context, op string, a args, out any) error {
	reply, err := c.request(ctx, frame{Op: op, Args: &a})
	if err != nil {
		return err
	}
	if out == nil || len(reply.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Value, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	return nil
}

// ── Reads ──

func (c *Client) Room(ctx context.Context, id string) (Room, error) {
	var r Room
	err := c.call(ctx, opRoom, args{RoomID: id}, &r)
	return r, err
}

func (c *Client) RoomsFor(ctx context.Context, userID string) ([]Room, error) {
	var rooms []Room
	err := c.call(ctx, opRoomsFor, args{UserID: userID}, &rooms)
	return rooms, err
}

func (c *Client) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.call(ctx, opMessages, args{RoomID: roomID, Limit: limit}, &msgs)
	return msgs, err
}

func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := c.call(ctx, opProfile, args{UserID: userID}, &p)
	return p, err
}

// ── Writes ──

func (c *Client) CreateRoom(ctx context.Context, r Room) (Room, error) {
	var out Room
	err := c.call(ctx, opCreateRoom, args{Room: &r}, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, roomID, senderID string, p Payload) (Message, error) {
	var out Message
	err := c.call(ctx, opSend, args{Message: &Message{RoomID: roomID, SenderID: senderID, Payload: p}}, &out)
	return out, err
}

func (c *Client) DeleteMessageFor(ctx context.Context, messageID, userID string) error {
	return c.call(ctx, opDeleteMessage, args{MessageID: messageID, UserID: userID}, nil)
}

func (c *Client) PutProfile(ctx context.Context, p Profile) error {
	return c.call(ctx, opPutProfile, args{Profile: &p}, nil)
}

func (c *Client) AddToSet(ctx context.Context, roomID string, field SetField, userID string) error {
	return c.call(ctx, opAddToSet, args{RoomID: roomID, Field: field, UserID: userID}, nil)
}

func (c *Client) RemoveFromSet(ctx context.Context, roomID string, field SetField, userID string) error {
	return c.call(ctx, opRemoveFromSet, args{RoomID: roomID, Field: field, UserID: userID}, nil)
}

func (c *Client) AppendTombstone(ctx context.Context, roomID string, m DeleteMarker) error {
	return c.call(ctx, opTombstone, args{RoomID: roomID, Marker: &m}, nil)
}

// ── Live queries ──

func (c *Client) WatchRooms(userID string, fn func([]Room, error)) Unsubscribe {
	return c.watch(opWatchRooms, args{UserID: userID}, func(ev frame) {
		var rooms []Room
		fn(rooms, decodeEvent(ev, &rooms))
	})
}

func (c *Client) WatchMessages(roomID string, limit int, fn func([]Message, error)) Unsubscribe {
	return c.watch(opWatchMessages, args{RoomID: roomID, Limit: limit}, func(ev frame) {
		var msgs []Message
		fn(msgs, decodeEvent(ev, &msgs))
	})
}

func (c *Client) WatchProfile(userID string, fn func(Profile, error)) Unsubscribe {
	return c.watch(opWatchProfile, args{UserID: userID}, func(ev frame) {
		var p Profile
		fn(p, decodeEvent(ev, &p))
	})
}

func decodeEvent(ev frame, out any) error {
	if err := ev.err(); err != nil {
		return err
	}
	if len(ev.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Value, out); err != nil {
		return fmt.Errorf("decode %s event: %w", ev.Op, err)
	}
	return nil
}

func (c *Client) watch(op string, a args, deliver func(frame)) Unsubscribe {
	fd := newFeed(deliver)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		fd.put(failed(ErrClosed))
		return fd.w.stop
	}
	c.nextID++
	watchID := c.nextID
	c.feeds[watchID] = fd
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	_, err := c.request(ctx, frame{Op: op, Watch: watchID, Args: &a})
	cancel()
	if err != nil {
		log.Warnf("%s: %v", op, err)
		fd.put(failed(err))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			_, live := c.feeds[watchID]
			delete(c.feeds, watchID)
			closed := c.err != nil
			c.mu.Unlock()
			fd.w.stop()
			if !live || closed {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if _, err := c.request(ctx, frame{Op: opUnwatch, Watch: watchID}); err != nil {
					log.Debugf("unwatch %d: %v", watchID, err)
				}
			}()
		})
	}
}

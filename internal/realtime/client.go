package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxTxRetries = 25

// Client is a Store backed by a remote relay Server.
type Client struct {
	ws      *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	watches map[uint64]*slot
	err     error

	done chan struct{}
}

// Dial connects to a relay endpoint such as ws://host:7780/api/rtdb/ws.
// Every request must be acknowledged within timeout.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		ws:      ws,
		timeout: timeout,
		pending: make(map[uint64]chan frame),
		watches: make(map[uint64]*slot),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects from the relay. Open subscriptions receive ErrClosed.
func (c *Client) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// WatchCount returns the number of open subscriptions.
func (c *Client) WatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
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
			s := c.watches[f.Watch]
			c.mu.Unlock()
			if s == nil {
				continue
			}
			v, err := decodeRaw(f.Value)
			if err == nil && f.Error != "" {
				err = errors.New(f.Error)
			}
			s.put(Snapshot{Path: f.Path, Value: v}, err)
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
	watches := c.watches
	c.watches = make(map[uint64]*slot)
	c.mu.Unlock()

	for _, s := range watches {
		s.put(Snapshot{}, ErrClosed)
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
		return frame{}, fmt.Errorf("relay %s: %w", f.Op, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if reply.Error != "" {
			return frame{}, fmt.Errorf("relay %s %s: %s", f.Op, f.Path, reply.Error)
		}
		return reply, nil
	case <-timer.C:
		forget()
		return frame{}, fmt.Errorf("relay %s %s: %w", f.Op, f.Path, ErrTimeout)
	case <-ctx.Done():
		forget()
		return frame{}, ctx.Err()
	}
}

func (c *Client) Get(ctx context.Context, path string) (Snapshot, error) {
	reply, err := c.request(ctx, frame{Op: opGet, Path: path})
	if err != nil {
		return Snapshot{}, err
	}
	v, err := decodeRaw(reply.Value)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Value: v}, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, frame{Op: opSet, Path: path, Value: rawValue(v)})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = c.request(ctx, frame{Op: opUpdate, Path: path, Value: b})
	return err
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	v, err := normalize(value)
	if err != nil {
		return "", err
	}
	reply, err := c.request(ctx, frame{Op: opPush, Path: path, Value: rawValue(v)})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, frame{Op: opRemove, Path: path})
	return err
}

// Transaction reads the current value, applies fn and asks the relay to
// swap it in only if the value is still the one fn saw.
func (c *Client) Transaction(ctx context.Context, path string, fn TxFunc) (bool, Snapshot, error) {
	cur, err := c.Get(ctx, path)
	if err != nil {
		return false, Snapshot{}, err
	}
	for i := 0; i < maxTxRetries; i++ {
		next, ok := fn(Snapshot{Path: path, Value: deepCopy(cur.Value)})
		if !ok {
			return false, cur, nil
		}
		v, err := normalize(next)
		if err != nil {
			return false, cur, err
		}
		reply, err := c.request(ctx, frame{Op: opCAS, Path: path, Expected: rawValue(cur.Value), Value: rawValue(v)})
		if err != nil {
			return false, cur, err
		}
		after, err := decodeRaw(reply.Value)
		if err != nil {
			return false, cur, err
		}
		cur = Snapshot{Path: path, Value: after}
		if reply.Committed {
			return true, cur, nil
		}
	}
	return false, cur, fmt.Errorf("transaction %s: %w", path, ErrTooManyRetries)
}

func (c *Client) Watch(path string, fn func(Snapshot, error)) func() {
	s := newSlot(fn)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		s.put(Snapshot{Path: path}, ErrClosed)
		return s.stop
	}
	c.nextID++
	watchID := c.nextID
	c.watches[watchID] = s
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	_, err := c.request(ctx, frame{Op: opWatch, Path: path, Watch: watchID})
	cancel()
	if err != nil {
		log.Warnf("watch %s: %v", path, err)
		s.put(Snapshot{Path: path}, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			_, live := c.watches[watchID]
			delete(c.watches, watchID)
			closed := c.err != nil
			c.mu.Unlock()
			s.stop()
			if !live || closed {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				if _, err := c.request(ctx, frame{Op: opUnwatch, Watch: watchID}); err != nil {
					log.Debugf("unwatch %s: %v", path, err)
				}
			}()
		})
	}
}

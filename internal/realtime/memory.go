package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. It is the authoritative store on a node
// that hosts signaling; remote nodes reach it through Server.
type Memory struct {
	mu       sync.Mutex
	root     map[string]any
	seq      uint64
	watchers map[*memWatch]struct{}
	closed   bool
}

type memWatch struct {
	segs []string
	path string
	slot *slot

	// last delivered value, guarded by Memory.mu
	last    any
	started bool
}

func NewMemory() *Memory {
	return &Memory{
		root:     make(map[string]any),
		watchers: make(map[*memWatch]struct{}),
	}
}

// Close stops every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for w := range m.watchers {
		w.slot.stop()
		delete(m.watchers, w)
	}
}

// WatchCount returns the number of open subscriptions.
func (m *Memory) WatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

func (m *Memory) lookup(segs []string) any {
	var cur any = m.root
	for _, s := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[s]
	}
	if obj, ok := cur.(map[string]any); ok && len(obj) == 0 {
		return nil
	}
	return cur
}

// store writes v at segs; nil removes the value and prunes empty parents.
func (m *Memory) store(segs []string, v any) {
	if len(segs) == 0 {
		obj, _ := v.(map[string]any)
		if obj == nil {
			obj = make(map[string]any)
		}
		m.root = obj
		return
	}
	parents := make([]map[string]any, 0, len(segs))
	cur := m.root
	for _, s := range segs[:len(segs)-1] {
		parents = append(parents, cur)
		next, ok := cur[s].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if v == nil {
		delete(cur, last)
		for i := len(parents) - 1; i >= 0 && len(cur) == 0; i-- {
			delete(parents[i], segs[i])
			cur = parents[i]
		}
		return
	}
	cur[last] = v
}

// notifyLocked schedules delivery for watchers affected by a write at segs.
func (m *Memory) notifyLocked(segs []string) {
	for w := range m.watchers {
		if !related(w.segs, segs) {
			continue
		}
		m.deliverLocked(w)
	}
}

func (m *Memory) deliverLocked(w *memWatch) {
	v := m.lookup(w.segs)
	if w.started && equalValues(w.last, v) {
		return
	}
	w.started = true
	w.last = deepCopy(v)
	w.slot.put(Snapshot{Path: w.path, Value: deepCopy(v)}, nil)
}

func (m *Memory) write(path string, fn func(segs []string) error) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := fn(segs); err != nil {
		return err
	}
	m.notifyLocked(segs)
	return nil
}

func (m *Memory) Get(_ context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	return Snapshot{Path: Join(segs...), Value: deepCopy(m.lookup(segs))}, nil
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	return m.write(path, func(segs []string) error {
		m.store(segs, v)
		return nil
	})
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	norm := make(map[string]any, len(fields))
	for k, f := range fields {
		if _, err := splitPath(k); err != nil || k == "" {
			return fmt.Errorf("%w: field %q", ErrInvalidPath, k)
		}
		v, err := normalize(f)
		if err != nil {
			return err
		}
		norm[k] = v
	}
	return m.write(path, func(segs []string) error {
		for k, v := range norm {
			sub, _ := splitPath(k)
			m.store(append(append([]string{}, segs...), sub...), v)
		}
		return nil
	})
}

func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	v, err := normalize(value)
	if err != nil {
		return "", err
	}
	var key string
	err = m.write(path, func(segs []string) error {
		m.seq++
		key = fmt.Sprintf("%013d-%06d", time.Now().UnixMilli(), m.seq%1_000_000)
		m.store(append(append([]string{}, segs...), key), v)
		return nil
	})
	return key, err
}

func (m *Memory) Remove(_ context.Context, path string) error {
	return m.write(path, func(segs []string) error {
		m.store(segs, nil)
		return nil
	})
}

// Transaction runs fn under the store lock, so the compare and the write are
// atomic. fn must not call back into the store.
func (m *Memory) Transaction(_ context.Context, path string, fn TxFunc) (bool, Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return false, Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, Snapshot{}, ErrClosed
	}

	cur := Snapshot{Path: Join(segs...), Value: deepCopy(m.lookup(segs))}
	next, ok := fn(cur)
	if !ok {
		return false, cur, nil
	}
	v, err := normalize(next)
	if err != nil {
		return false, cur, err
	}
	m.store(segs, v)
	m.notifyLocked(segs)
	return true, Snapshot{Path: cur.Path, Value: deepCopy(v)}, nil
}

func (m *Memory) Watch(path string, fn func(Snapshot, error)) func() {
	segs, err := splitPath(path)
	if err != nil {
		s := newSlot(fn)
		s.put(Snapshot{Path: path}, err)
		return s.stop
	}

	w := &memWatch{segs: segs, path: Join(segs...), slot: newSlot(fn)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		w.slot.put(Snapshot{Path: w.path}, ErrClosed)
		return w.slot.stop
	}
	m.watchers[w] = struct{}{}
	m.deliverLocked(w)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
			w.slot.stop()
		})
	}
}

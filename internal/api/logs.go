package api

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

// LogEntry is one captured log line. Level and Subsystem are empty when
// the line was not written by a go-log logger.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// LogBuffer keeps the newest log lines of the node and fans new ones out
// to subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	pending string
	now     func() time.Time
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](size),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Capture copies every subsystem's log output into b until stop is called.
func (b *LogBuffer) Capture() (stop func()) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(b, pr)
	}()
	return func() {
		_ = pr.Close()
		<-done
	}
}

// Write records every complete line in p. A trailing partial line is held
// until the rest of it arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := b.pending + string(p)
	for {
		line, tail, ok := strings.Cut(rest, "\n")
		if !ok {
			break
		}
		rest = tail
		if e, ok := b.parse(line); ok {
			b.entries.Push(e)
			b.broadcast(e)
		}
	}
	b.pending = rest
	return len(p), nil
}

// parse splits go-log's plaintext layout
// (time, level, subsystem, caller, message; tab separated).
func (b *LogBuffer) parse(line string) (LogEntry, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return LogEntry{}, false
	}
	e := LogEntry{TS: b.now(), Msg: line}
	f := strings.SplitN(line, "\t", 5)
	if len(f) == 5 && isLevel(f[1]) {
		if ts, err := time.Parse(time.RFC3339Nano, f[0]); err == nil {
			e.TS = ts
		}
		e.Level = strings.ToLower(f[1])
		e.Subsystem = f[2]
		e.Msg = f[4]
	}
	return e, true
}

func isLevel(s string) bool {
	switch s {
	case "DEBUG", "INFO", "WARN", "ERROR", "DPANIC", "PANIC", "FATAL":
		return true
	}
	return false
}

func (b *LogBuffer) broadcast(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow reader
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.Tail(-1)
}

// Tail returns the newest n entries, oldest first. n < 0 returns all.
func (b *LogBuffer) Tail(n int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Latest(n)
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func matchSubsystem(r *http.Request) func(LogEntry) bool {
	sub := r.URL.Query().Get("subsystem")
	return func(e LogEntry) bool { return sub == "" || e.Subsystem == sub }
}

// GET /api/logs?limit=N&subsystem=name
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep := matchSubsystem(r)
	all := b.Snapshot()
	out := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	if n := queryInt(r, "limit", -1); n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	writeJSON(w, out)
}

// GET /api/logs/stream?subsystem=name (SSE, new lines only)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	keep := matchSubsystem(r)

	ch, cancel := b.Subscribe()
	defer cancel()

	sseHeaders(w)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !keep(e) {
				continue
			}
			if err := writeEvent(w, flusher, "message", e); err != nil {
				return
			}
		}
	}
}

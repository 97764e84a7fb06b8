package call

import (
	"sync"
	"time"
)

// Pattern is a vibration pattern: alternating off and on durations,
// repeated until stopped.
type Pattern struct {
	Name  string
	Steps []time.Duration
}

var (
	// PatternIncoming is played on the callee while a call rings.
	PatternIncoming = Pattern{Name: "incoming", Steps: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}}
	// PatternRingback is played on the caller while waiting for an answer.
	PatternRingback = Pattern{Name: "ringback", Steps: []time.Duration{2 * time.Second, time.Second}}
)

// Ringer gives local ringing feedback.
type Ringer interface {
	Start(callID string, p Pattern)
	Stop(callID string)
}

// LogRinger plays patterns by logging each pulse. Headless nodes have no
// vibration motor; the log line is the feedback.
type LogRinger struct {
	mu      sync.Mutex
	playing map[string]chan struct{}
}

func NewLogRinger() *LogRinger {
	return &LogRinger{playing: make(map[string]chan struct{})}
}

func (r *LogRinger) Start(callID string, p Pattern) {
	if len(p.Steps) == 0 {
		return
	}
	r.mu.Lock()
	if _, ok := r.playing[callID]; ok {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.playing[callID] = stop
	r.mu.Unlock()

	go func() {
		for i := 0; ; i++ {
			step := p.Steps[i%len(p.Steps)]
			if i%2 == 1 {
				log.Debugf("call %s: %s pulse %s", callID, p.Name, step)
			}
			t := time.NewTimer(step)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

func (r *LogRinger) Stop(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.playing[callID]; ok {
		close(stop)
		delete(r.playing, callID)
	}
}

// Playing reports whether a pattern is running for callID.
func (r *LogRinger) Playing(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.playing[callID]
	return ok
}

// Package call runs one-to-one WebRTC calls whose signaling travels through
// a shared record in the realtime store. Both peers watch the record at
// calls/{id}; status changes are guarded transactions, offer and answer are
// written once, and ICE candidates are appended under candidates/.
package call

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrCallActive       = errors.New("call: another call is active")
	ErrRaceLost         = errors.New("call: status changed concurrently")
	ErrMediaUnavailable = errors.New("call: local media unavailable")
	ErrInvalidState     = errors.New("call: operation not valid in this state")
	ErrNoCall           = errors.New("call: no such call")
	ErrClosed           = errors.New("call: manager closed")
)

// Status is the shared status field of the signaling record.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusEnded     Status = "ended"
)

func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusCancelled || s == StatusEnded
}

// State is the local state of one session.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateDeclined  State = "declined"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateCancelled
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CandidateEntry is one appended candidate with its author.
type CandidateEntry struct {
	SenderID  string       `json:"senderId"`
	Candidate ICECandidate `json:"candidate"`
}

// EndCall is the tombstone written by the side that hangs up.
type EndCall struct {
	EndedBy string `json:"endedBy"`
	EndedAt int64  `json:"endedAt"`
	Reason  string `json:"reason,omitempty"`
}

// Record is the signaling record stored at calls/{id}. Attempt tells apart
// successive calls between the same two users, which share the id.
type Record struct {
	CallerID    string                    `json:"callerId"`
	CallerName  string                    `json:"callerName,omitempty"`
	RecipientID string                    `json:"recipientId"`
	RoomID      string                    `json:"roomId,omitempty"`
	Status      Status                    `json:"status"`
	Video       bool                      `json:"video"`
	CreatedAt   int64                     `json:"createdAt"`
	Attempt     string                    `json:"attempt,omitempty"`
	Offer       *SessionDescription       `json:"offer,omitempty"`
	Answer      *SessionDescription       `json:"answer,omitempty"`
	Candidates  map[string]CandidateEntry `json:"candidates,omitempty"`
	EndCall     *EndCall                  `json:"endCall,omitempty"`
}

// CallID derives the session id of a call between a and b. The result is
// the same on both sides.
func CallID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// StartRequest describes an outgoing call.
type StartRequest struct {
	RecipientID string `json:"recipientId" validate:"required"`
	RoomID      string `json:"roomId"`
	Video       *bool  `json:"video,omitempty"`
}

type EventKind string

const (
	EventIncoming EventKind = "incoming"
	EventState    EventKind = "state"
	EventDuration EventKind = "duration"
	EventAlert    EventKind = "alert"
	EventTrack    EventKind = "track"
)

// Event reports a session change to the UI layer.
type Event struct {
	Kind     EventKind     `json:"kind"`
	CallID   string        `json:"callId"`
	Role     Role          `json:"role"`
	PeerID   string        `json:"peerId"`
	PeerName string        `json:"peerName,omitempty"`
	State    State         `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	CallID      string        `json:"callId"`
	Role        Role          `json:"role"`
	PeerID      string        `json:"peerId"`
	PeerName    string        `json:"peerName,omitempty"`
	RoomID      string        `json:"roomId,omitempty"`
	State       State         `json:"state"`
	Video       bool          `json:"video"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	Duration    time.Duration `json:"duration"`
}

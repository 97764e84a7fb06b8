package push

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBadNotification = errors.New("push: notification is missing caller or recipient")
	ErrIntentConsumed  = errors.New("push: intent already consumed")
)

type IntentKind string

const IntentIncomingCall IntentKind = "incoming_call"

// Intent is a pending navigation produced by a tapped notification. The
// root controller consumes it once.
type Intent struct {
	ID          string     `json:"id"`
	Kind        IntentKind `json:"kind"`
	CallID      string     `json:"callId,omitempty"`
	RecipientID string     `json:"recipientId"`
	CallerID    string     `json:"callerId"`
	CallerName  string     `json:"callerName"`
	RoomID      string     `json:"roomId"`
}

// Receive turns the data fields of a received notification into an Intent.
// callId is optional; without it the call id is derived from the participants.
func Receive(data map[string]string) (Intent, error) {
	get := func(k string) string { return strings.TrimSpace(data[k]) }

	in := Intent{
		ID:          uuid.NewString(),
		Kind:        IntentIncomingCall,
		CallID:      get("callId"),
		RecipientID: get("recipientId"),
		CallerID:    get("callerId"),
		CallerName:  get("callerName"),
		RoomID:      get("roomId"),
	}
	if in.CallerID == "" || in.RecipientID == "" {
		return Intent{}, ErrBadNotification
	}
	if in.CallerName == "" {
		in.CallerName = in.CallerID
	}
	return in, nil
}

// Fields returns n in the flat data form carried by push payloads.
func (n Notification) Fields() map[string]string {
	return map[string]string{
		"recipientId": n.RecipientID,
		"callerId":    n.CallerID,
		"callerName":  n.CallerName,
		"roomId":      n.RoomID,
	}
}

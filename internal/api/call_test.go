package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
)

type callStatus struct {
	Active bool      `json:"active"`
	Call   call.Info `json:"call"`
}

func (n node) status(t *testing.T) callStatus {
	t.Helper()
	code, out := n.get(t, "/api/call/status")
	require.Equal(t, http.StatusOK, code)
	return decode[callStatus](t, out)
}

func (n node) waitCall(t *testing.T, cond func(callStatus) bool) callStatus {
	t.Helper()
	var st callStatus
	require.Eventually(t, func() bool {
		st = n.status(t)
		return cond(st)
	}, 3*time.Second, 10*time.Millisecond)
	return st
}

func inState(s call.State) func(callStatus) bool {
	return func(st callStatus) bool { return st.Active && st.Call.State == s }
}

func idle(st callStatus) bool { return !st.Active }

func TestStartCallAndCancel(t *testing.T) {
	f := newFixture(t)

	code, out := f.post(t, "/api/call/start", map[string]any{"recipient_id": "u2", "room_id": "r1"})
	require.Equal(t, http.StatusOK, code, string(out))
	info := decode[call.Info](t, out)
	assert.Equal(t, "u1_u2", info.CallID)
	assert.Equal(t, call.RoleCaller, info.Role)
	assert.Equal(t, call.StateCalling, info.State)

	st := f.status(t)
	require.True(t, st.Active)
	assert.Equal(t, "r1", st.Call.RoomID)

	code, _ = f.post(t, "/api/call/start", map[string]any{"recipient_id": "u3"})
	assert.Equal(t, http.StatusConflict, code, "only one active call")

	code, _ = f.post(t, "/api/call/accept", map[string]string{"call_id": info.CallID})
	assert.Equal(t, http.StatusConflict, code, "callers cannot accept")

	code, _ = f.post(t, "/api/call/hangup", map[string]string{"call_id": info.CallID})
	require.Equal(t, http.StatusOK, code)
	f.waitCall(t, idle)

	code, _ = f.post(t, "/api/call/hangup", map[string]string{"call_id": info.CallID})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCallingSelfIsRejected(t *testing.T) {
	f := newFixture(t)
	code, _ := f.post(t, "/api/call/start", map[string]any{"recipient_id": "u1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, f.status(t).Active)
}

func TestAcceptConnectsBothSides(t *testing.T) {
	f := newFixture(t)
	bea := f.peerNode(t, "u2", "Bea", true)

	code, out := f.post(t, "/api/call/start", map[string]any{"recipient_id": "u2", "video": false})
	require.Equal(t, http.StatusOK, code, string(out))

	incoming := bea.waitCall(t, inState(call.StateIncoming))
	assert.Equal(t, "u1", incoming.Call.PeerID)
	assert.Equal(t, "Ann", incoming.Call.PeerName)
	assert.False(t, incoming.Call.Video)

	code, out = bea.post(t, "/api/call/accept", map[string]string{"call_id": incoming.Call.CallID})
	require.Equal(t, http.StatusOK, code, string(out))

	f.waitCall(t, inState(call.StateConnected))
	bea.waitCall(t, inState(call.StateConnected))

	code, _ = f.post(t, "/api/call/hangup", map[string]string{"call_id": incoming.Call.CallID})
	require.Equal(t, http.StatusOK, code)
	f.waitCall(t, idle)
	bea.waitCall(t, idle)
}

func TestDeclineEndsCaller(t *testing.T) {
	f := newFixture(t)
	bea := f.peerNode(t, "u2", "Bea", true)

	code, _ := f.post(t, "/api/call/start", map[string]any{"recipient_id": "u2"})
	require.Equal(t, http.StatusOK, code)
	incoming := bea.waitCall(t, inState(call.StateIncoming))

	code, _ = bea.post(t, "/api/call/decline", map[string]string{"call_id": incoming.Call.CallID})
	require.Equal(t, http.StatusOK, code)
	f.waitCall(t, idle)
	bea.waitCall(t, idle)
}

func TestPushOpenResumesRingingCall(t *testing.T) {
	f := newFixture(t)
	// Not started: the call only reaches this node through the notification.
	bea := f.peerNode(t, "u2", "Bea", false)

	code, _ := bea.post(t, "/api/push/open", map[string]any{"data": map[string]string{
		"callerId": "u1", "recipientId": "u2", "callerName": "Ann",
	}})
	assert.Equal(t, http.StatusNotFound, code, "no ringing call yet")

	code, _ = f.post(t, "/api/call/start", map[string]any{"recipient_id": "u2"})
	require.Equal(t, http.StatusOK, code)

	code, out := bea.post(t, "/api/push/open", map[string]any{"data": map[string]string{
		"callerId": "u1", "recipientId": "u2", "callerName": "Ann",
	}})
	require.Equal(t, http.StatusOK, code, string(out))
	info := decode[call.Info](t, out)
	assert.Equal(t, "u1_u2", info.CallID)
	assert.Equal(t, call.StateIncoming, info.State)

	code, _ = bea.post(t, "/api/push/open", map[string]any{"data": map[string]string{"callerId": "u1"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = bea.post(t, "/api/call/decline", map[string]string{"call_id": info.CallID})
	require.Equal(t, http.StatusOK, code)
	f.waitCall(t, idle)
}

func TestCallEventsStream(t *testing.T) {
	f := newFixture(t)
	events := openStream(t, f.srv.URL+"/api/call/events")
	nextEvent(t, events, func(e sse) bool { return e.event == "connected" })

	code, _ := f.post(t, "/api/call/start", map[string]any{"recipient_id": "u2"})
	require.Equal(t, http.StatusOK, code)

	ev := nextEvent(t, events, func(e sse) bool { return e.event == string(call.EventState) })
	got := decode[call.Event](t, ev.data)
	assert.Equal(t, call.StateCalling, got.State)
	assert.Equal(t, "u2", got.PeerID)

	code, _ = f.post(t, "/api/call/cancel", map[string]string{"call_id": got.CallID})
	require.Equal(t, http.StatusOK, code)
	nextEvent(t, events, func(e sse) bool {
		return e.event == string(call.EventState) && decode[call.Event](t, e.data).State == call.StateCancelled
	})
}

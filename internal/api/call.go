package api

import (
	"context"
	"net/http"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
)

type callRequest struct {
	CallID string `json:"call_id" validate:"required"`
}

func registerCallRoutes(mux *http.ServeMux, calls Calls) {
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RecipientID string `json:"recipient_id" validate:"required"`
		RoomID      string `json:"room_id"`
		Video       *bool  `json:"video"`
	}) {
		// The session outlives the request.
		s, err := calls.StartCall(context.WithoutCancel(r.Context()), call.StartRequest{
			RecipientID: req.RecipientID,
			RoomID:      req.RoomID,
			Video:       req.Video,
		})
		if err != nil {
			writeError(w, "start call", err)
			return
		}
		writeJSON(w, s.Info())
	})

	action := func(path, op string, fn func(*call.Session, context.Context) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, req callRequest) {
			s, ok := calls.Session(req.CallID)
			if !ok {
				http.Error(w, "call not found", http.StatusNotFound)
				return
			}
			if err := fn(s, context.WithoutCancel(r.Context())); err != nil {
				writeError(w, op, err)
				return
			}
			writeJSON(w, s.Info())
		})
	}
	action("/api/call/accept", "accept", (*call.Session).Accept)
	action("/api/call/decline", "decline", (*call.Session).Decline)
	action("/api/call/cancel", "cancel", (*call.Session).Cancel)
	action("/api/call/hangup", "hangup", (*call.Session).Hangup)

	// GET /api/call/status reports the active call, if any.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		s, ok := calls.Active()
		if !ok {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{"active": true, "call": s.Info()})
	})

	// GET /api/call/events is an SSE stream of every session event of this
	// node, incoming calls included. Each connection gets its own subscription.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		events, cancel := calls.Subscribe()
		defer cancel()

		sseHeaders(w)
		if err := writeEvent(w, flusher, "connected", map[string]string{"status": "ok"}); err != nil {
			return
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, string(ev.Kind), ev); err != nil {
					return
				}
			}
		}
	})
}

package api

import (
	"net/http"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/inbox"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

type roomRequest struct {
	RoomID string `json:"room_id" validate:"required"`
}

func registerInboxRoutes(mux *http.ServeMux, ib Inbox) {
	// GET /api/inbox (current sorted inbox)
	handleGet(mux, "/api/inbox", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ib.Snapshot())
	})

	// GET /api/inbox/notices (recent toasts, oldest first)
	handleGet(mux, "/api/inbox/notices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ib.Notices())
	})

	handlePost(mux, "/api/inbox/pin", func(w http.ResponseWriter, r *http.Request, req roomRequest) {
		if err := ib.TogglePin(req.RoomID); err != nil {
			writeError(w, "pin", err)
			return
		}
		writeJSON(w, map[string]any{"room_id": req.RoomID, "pinned": pinned(ib.Snapshot(), req.RoomID)})
	})

	handlePost(mux, "/api/inbox/mute", func(w http.ResponseWriter, r *http.Request, req roomRequest) {
		if err := ib.ToggleMute(req.RoomID); err != nil {
			writeError(w, "mute", err)
			return
		}
		writeJSON(w, map[string]any{"room_id": req.RoomID, "muted": muted(ib.Snapshot(), req.RoomID)})
	})

	// POST /api/inbox/delete hides the room's history for the viewer only.
	handlePost(mux, "/api/inbox/delete", func(w http.ResponseWriter, r *http.Request, req roomRequest) {
		if err := ib.SoftDeleteRoom(r.Context(), req.RoomID); err != nil {
			writeError(w, "delete", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted", "room_id": req.RoomID})
	})

	handlePost(mux, "/api/inbox/refresh", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := ib.Refresh(r.Context()); err != nil {
			writeError(w, "refresh", err)
			return
		}
		writeJSON(w, ib.Snapshot())
	})

	// GET /api/inbox/events is an SSE stream of the current inbox and every
	// accepted change ("inbox"), interleaved with toasts ("notice").
	handleGet(mux, "/api/inbox/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		states, cancelStates := ib.Subscribe()
		defer cancelStates()
		notices, cancelNotices := ib.SubscribeNotices()
		defer cancelNotices()

		sseHeaders(w)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, "inbox", st); err != nil {
					return
				}
			case n, ok := <-notices:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, "notice", n); err != nil {
					return
				}
			}
		}
	})
}

func pinned(st inbox.State, roomID string) bool { return util.ContainsString(st.PinnedIDs, roomID) }
func muted(st inbox.State, roomID string) bool  { return util.ContainsString(st.MutedIDs, roomID) }

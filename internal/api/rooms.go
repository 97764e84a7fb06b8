package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

type createRoomRequest struct {
	Kind         string   `json:"kind" validate:"required,oneof=group direct"`
	Name         string   `json:"name" validate:"required_if=Kind group"`
	Photo        string   `json:"photo" validate:"omitempty,url"`
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

type sendRequest struct {
	RoomID  string `json:"room_id" validate:"required"`
	Kind    string `json:"kind" validate:"omitempty,oneof=text image video document"`
	Body    string `json:"body"`
	URL     string `json:"url" validate:"omitempty,url"`
	Caption string `json:"caption"`
	Name    string `json:"name"`
}

var errBadPayload = errors.New("invalid message payload")

func (r sendRequest) payload() (docstore.Payload, error) {
	kind := docstore.PayloadKind(r.Kind)
	if kind == "" {
		kind = docstore.KindText
	}
	if kind == docstore.KindText && strings.TrimSpace(r.Body) == "" {
		return nil, fmt.Errorf("%w: empty text message", errBadPayload)
	}
	if kind != docstore.KindText && r.URL == "" {
		return nil, fmt.Errorf("%w: %s needs a url", errBadPayload, kind)
	}
	switch kind {
	case docstore.KindText:
		return docstore.Text{Body: r.Body}, nil
	case docstore.KindImage:
		return docstore.Image{URL: r.URL, Caption: r.Caption}, nil
	case docstore.KindVideo:
		return docstore.Video{URL: r.URL, Caption: r.Caption}, nil
	case docstore.KindDocument:
		return docstore.Document{URL: r.URL, Name: r.Name}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", errBadPayload, r.Kind)
}

func registerRoomRoutes(mux *http.ServeMux, d Deps) {
	store := d.Rooms
	self := d.SelfID
	limit := d.FeedLimit
	if limit <= 0 {
		limit = 50
	}

	// POST /api/rooms/create adds the caller as participant, and as admin of a group.
	handlePost(mux, "/api/rooms/create", func(w http.ResponseWriter, r *http.Request, req createRoomRequest) {
		room := docstore.Room{
			Kind:         docstore.RoomKind(req.Kind),
			Name:         req.Name,
			Photo:        req.Photo,
			Participants: []string{self},
		}
		for _, p := range req.Participants {
			if !util.ContainsString(room.Participants, p) {
				room.Participants = append(room.Participants, p)
			}
		}
		if room.Kind == docstore.RoomGroup {
			room.AdminID = self
		}
		created, err := store.CreateRoom(r.Context(), room)
		if err != nil {
			writeError(w, "create room", err)
			return
		}
		writeJSON(w, created)
	})

	// GET /api/rooms/messages?room_id=...&limit=...
	handleGet(mux, "/api/rooms/messages", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room_id")
		if roomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		if !member(w, r, store, roomID, self) {
			return
		}
		msgs, err := store.Messages(r.Context(), roomID, queryInt(r, "limit", limit))
		if err != nil {
			writeError(w, "messages", err)
			return
		}
		writeJSON(w, msgs)
	})

	handlePost(mux, "/api/rooms/send", func(w http.ResponseWriter, r *http.Request, req sendRequest) {
		p, err := req.payload()
		if err != nil {
			writeError(w, "send", err)
			return
		}
		if !member(w, r, store, req.RoomID, self) {
			return
		}
		m, err := store.SendMessage(r.Context(), req.RoomID, self, p)
		if err != nil {
			writeError(w, "send", err)
			return
		}
		writeJSON(w, m)
	})

	handlePost(mux, "/api/rooms/delete-message", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"message_id" validate:"required"`
	}) {
		if err := store.DeleteMessageFor(r.Context(), req.MessageID, self); err != nil {
			writeError(w, "delete message", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted", "message_id": req.MessageID})
	})

	// GET /api/profile?user_id=... defaults to the signed-in user.
	handleGet(mux, "/api/profile", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("user_id")
		if id == "" {
			id = self
		}
		p, err := store.Profile(r.Context(), id)
		if err != nil {
			writeError(w, "profile", err)
			return
		}
		writeJSON(w, p)
	})

	handlePost(mux, "/api/profile/update", func(w http.ResponseWriter, r *http.Request, req struct {
		Name  string `json:"name" validate:"required"`
		Photo string `json:"photo" validate:"omitempty,url"`
	}) {
		p := docstore.Profile{UserID: self, Name: strings.TrimSpace(req.Name), Photo: req.Photo}
		if err := store.PutProfile(r.Context(), p); err != nil {
			writeError(w, "update profile", err)
			return
		}
		writeJSON(w, p)
	})
}

// member reports whether userID participates in roomID, writing the error
// response when it does not.
func member(w http.ResponseWriter, r *http.Request, store Rooms, roomID, userID string) bool {
	room, err := store.Room(r.Context(), roomID)
	if err != nil {
		writeError(w, "room", err)
		return false
	}
	if !util.ContainsString(room.Participants, userID) {
		http.Error(w, "not a participant of "+roomID, http.StatusForbidden)
		return false
	}
	return true
}

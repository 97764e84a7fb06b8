package api

import (
	"context"
	"net/http"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
)

func registerPushRoutes(mux *http.ServeMux, open func(context.Context, push.Intent) (*call.Session, error)) {
	// POST /api/push/open receives the data fields of a tapped notification
	// and opens the incoming call they name.
	handlePost(mux, "/api/push/open", func(w http.ResponseWriter, r *http.Request, req struct {
		Data map[string]string `json:"data" validate:"required"`
	}) {
		in, err := push.Receive(req.Data)
		if err != nil {
			writeError(w, "open notification", err)
			return
		}
		s, err := open(context.WithoutCancel(r.Context()), in)
		if err != nil {
			writeError(w, "open notification", err)
			return
		}
		log.Infof("opened call %s from notification %s", s.ID(), in.ID)
		writeJSON(w, s.Info())
	})
}

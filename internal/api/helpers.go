package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/inbox"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/metrics"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/realtime"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func handle(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.Handle(path, metrics.Middleware(path, h))
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	handle(mux, path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T and validates it before calling fn.
// An empty body decodes to the zero T.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	handle(mux, path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("encode response: %v", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), statusOf(err))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, inbox.ErrUnknownRoom),
		errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, call.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrPinLimit),
		errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrRaceLost),
		errors.Is(err, push.ErrIntentConsumed),
		errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, errBadPayload),
		errors.Is(err, docstore.ErrInvalidRoom),
		errors.Is(err, docstore.ErrInvalidField),
		errors.Is(err, push.ErrBadNotification),
		errors.Is(err, realtime.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, inbox.ErrClosed),
		errors.Is(err, call.ErrClosed),
		errors.Is(err, docstore.ErrClosed),
		errors.Is(err, realtime.ErrClosed),
		errors.Is(err, call.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, realtime.ErrTimeout),
		errors.Is(err, docstore.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeEvent(w http.ResponseWriter, f http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// queryInt returns the integer query parameter key, or def when it is
// missing or not a positive number.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// noCache disables browser caching of API responses.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

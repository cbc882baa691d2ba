package broadcast

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// subscribeParams reads the optional adminId, clientId and timeout (in
// milliseconds) query parameters shared by the streaming handlers.
func subscribeParams(req *http.Request) (adminID, clientID string, timeout time.Duration) {
	adminID = req.URL.Query().Get("adminId")
	if adminID == "" {
		adminID = "anonymous"
	}
	clientID = req.URL.Query().Get("clientId")
	if raw := req.URL.Query().Get("timeout"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return adminID, clientID, timeout
}

// SSEHandler streams alert events to a client over Server-Sent Events.
// Each request subscribes a fresh connection; the subscription is released
// when the client disconnects or the registry closes the connection.
func (r *Registry) SSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		adminID, clientID, timeout := subscribeParams(req)
		conn, err := r.Subscribe(adminID, clientID, "sse", timeout)
		if err != nil {
			if stderrors.Is(err, errors.ErrRegistryFull) {
				http.Error(w, "too many subscribers", http.StatusTooManyRequests)
				return
			}
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer conn.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		// Tell the client its connection ID before any events flow
		fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", conn.ID)
		flusher.Flush()

		ctx := req.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case ev := <-conn.Events():
				if ev == nil {
					return
				}
				data, err := ev.Marshal()
				if err != nil {
					r.logger.Warn("event serialization failed", "clientId", conn.ID, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
				conn.Touch()
			}
		}
	})
}

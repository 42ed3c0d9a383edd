package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/notedeck/internal/events"
	"go.uber.org/zap"
)

// streamEvents relays every bus event as an SSE frame named after its topic.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	ch := make(chan events.Event, 64)
	unsubscribe := s.Bus.Subscribe("", func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("sse client lagging, event dropped", zap.String("topic", string(ev.Topic)))
		}
	})
	defer unsubscribe()

	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", s.Bus.Origin())
	flusher.Flush()

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}

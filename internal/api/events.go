package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/taskmesh/internal/events"
)

// handleStreamEvents streams coordinator events as SSE. The optional
// task_id query parameter limits the stream to one task.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")

	ch, unsub := s.broker.Subscribe(events.CoordinatorTopic)
	defer unsub()
	defer trackStream(streamEvents)()

	sse := startSSE(w, s)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if err := sse.data(ev.Kind, string(payload)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/taskmesh/internal/model"
)

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Stream    string `json:"stream"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/executions/{id}/logs.
type logHistoryResponse struct {
	ExecutionID string           `json:"execution_id"`
	Lines       []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("get log lines", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	stream := r.URL.Query().Get("stream")
	lines := make([]logHistoryLine, 0, len(logLines))
	for _, l := range logLines {
		if stream != "" && l.Stream != stream {
			continue
		}
		lines = append(lines, logHistoryLine{
			Seq:       l.Seq,
			Stream:    l.Stream,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		ExecutionID: exec.ID,
		Lines:       lines,
	})
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	if exec.Status == model.ExecCompleted || exec.Status == model.ExecFailed {
		startSSE(w, s).event("done", "stream complete")
		return
	}

	// Subscribing after the run closed its topic yields a closed channel.
	ch, unsub := s.broker.Subscribe(exec.ID)
	defer unsub()
	defer trackStream(streamLogs)()

	sse := startSSE(w, s)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				sse.event("done", "stream complete")
				return
			}
			if err := sse.data(ev.Stream, ev.Line); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the stream headers and lifts the server write deadline for
// the long-lived response.
func startSSE(w http.ResponseWriter, s *Server) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.flush()
	return sw
}

func (sw *sseWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// data writes a named event. Multi-line payloads get one "data:" prefix per
// line.
func (sw *sseWriter) data(eventType, payload string) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(sw.w, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	for seg := range strings.SplitSeq(payload, "\n") {
		if _, err := fmt.Fprintf(sw.w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(sw.w, "\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *sseWriter) event(eventType, payload string) {
	_ = sw.data(eventType, payload)
}

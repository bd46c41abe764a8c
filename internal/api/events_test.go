package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/taskmesh/internal/events"
	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/task"
)

func eventLine(executionID, stream, line string) events.Event {
	return events.Event{Kind: events.KindLog, ExecutionID: executionID, Stream: stream, Line: line}
}

func TestStreamEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/events?task_id=wanted")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for _, id := range []string{"other", "wanted"} {
		ct, err := task.NewChunkTask(task.Definition{TaskID: id, TotalChunks: 1, SrcCode: "x", Images: []string{"sh"}})
		if err != nil {
			t.Fatal(err)
		}
		if err := srv.coord.Submit(ct); err != nil {
			t.Fatal(err)
		}
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var kind string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				kind = v
				continue
			}
			payload, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.TaskID != "wanted" {
				t.Fatalf("filter let through %+v", ev)
			}
			if kind != events.KindTask || ev.Status != string(model.TaskWaiting) {
				t.Errorf("event %s = %+v", kind, ev)
			}
			return
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

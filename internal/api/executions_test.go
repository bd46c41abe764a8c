package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/taskmesh/internal/model"
)

// seedExecution creates an execution and drives it to status.
func seedExecution(t *testing.T, srv *Server, taskID, image, status string, durationMS int) *model.Execution {
	t.Helper()
	ctx := context.Background()
	e := &model.Execution{
		ID:        model.NewID(),
		SubtaskID: "sub-" + taskID,
		TaskID:    taskID,
		Status:    model.ExecPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if status == model.ExecPending {
		return e
	}
	if err := srv.store.StartExecution(ctx, e.ID, image); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if status == model.ExecRunning {
		return e
	}
	code := 0
	if status == model.ExecFailed {
		code = 1
	}
	if err := srv.store.FinishExecution(ctx, &model.Execution{ID: e.ID, Status: status, ExitCode: &code, DurationMS: &durationMS}); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}
	return e
}

func TestListExecutions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		seedExecution(t, srv, "t1", "process:sh", model.ExecCompleted, 100)
	}
	seedExecution(t, srv, "t2", "process:sh", model.ExecFailed, 100)

	var all listExecutionsResponse
	if code := getJSON(t, ts.URL+"/v1/executions", &all); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if all.Total != 4 || len(all.Executions) != 4 || all.Limit != defaultListLimit {
		t.Errorf("list = total %d len %d limit %d", all.Total, len(all.Executions), all.Limit)
	}

	var page listExecutionsResponse
	getJSON(t, ts.URL+"/v1/executions?task_id=t1&limit=2&offset=1", &page)
	if page.Total != 3 || len(page.Executions) != 2 || page.Offset != 1 {
		t.Errorf("page = total %d len %d offset %d", page.Total, len(page.Executions), page.Offset)
	}

	var failed listExecutionsResponse
	getJSON(t, ts.URL+"/v1/executions?status=failed", &failed)
	if failed.Total != 1 || failed.Executions[0].TaskID != "t2" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestListExecutionsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?limit=500")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list listExecutionsResponse
	decodeBody(t, resp, &list)
	if list.Executions == nil || list.Limit != defaultListLimit {
		t.Errorf("list = %+v", list)
	}
}

func TestGetExecution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	e := seedExecution(t, srv, "t1", "process:sh", model.ExecCompleted, 250)

	var got model.Execution
	if code := getJSON(t, ts.URL+"/v1/executions/"+e.ID, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.ID != e.ID || got.Status != model.ExecCompleted || got.Image != "process:sh" {
		t.Errorf("execution = %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 250 {
		t.Errorf("duration = %v", got.DurationMS)
	}

	if code := getJSON(t, ts.URL+"/v1/executions/nonexistent", nil); code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", code)
	}
}

func TestGetLogHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	e := seedExecution(t, srv, "t1", "process:sh", model.ExecRunning, 0)
	ctx := context.Background()
	srv.store.InsertLogLine(ctx, e.ID, model.StreamStdout, 0, "frame 1")
	srv.store.InsertLogLine(ctx, e.ID, model.StreamStderr, 1, "low memory")
	srv.store.InsertLogLine(ctx, e.ID, model.StreamStdout, 2, "frame 2")

	var hist logHistoryResponse
	if code := getJSON(t, ts.URL+"/v1/executions/"+e.ID+"/logs", &hist); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if hist.ExecutionID != e.ID || len(hist.Lines) != 3 {
		t.Fatalf("history = %+v", hist)
	}
	if hist.Lines[1].Stream != model.StreamStderr || hist.Lines[1].Line != "low memory" {
		t.Errorf("line 1 = %+v", hist.Lines[1])
	}

	var stdout logHistoryResponse
	getJSON(t, ts.URL+"/v1/executions/"+e.ID+"/logs?stream=stdout", &stdout)
	if len(stdout.Lines) != 2 || stdout.Lines[1].Line != "frame 2" {
		t.Errorf("stdout = %+v", stdout.Lines)
	}

	if code := getJSON(t, ts.URL+"/v1/executions/nope/logs", nil); code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", code)
	}
}

func TestStreamLogsFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	e := seedExecution(t, srv, "t1", "process:sh", model.ExecCompleted, 10)

	resp, err := http.Get(ts.URL + "/v1/executions/" + e.ID + "/logs/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := readAll(t, resp)
	if !strings.Contains(body, "event: done") {
		t.Errorf("body = %q", body)
	}
}

func TestStreamLogsLive(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	e := seedExecution(t, srv, "t1", "process:sh", model.ExecRunning, 0)

	resp, err := http.Get(ts.URL + "/v1/executions/" + e.ID + "/logs/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Headers are flushed after the handler subscribed.
	srv.broker.Publish(e.ID, eventLine(e.ID, model.StreamStdout, "rendering"))
	srv.broker.Publish(e.ID, eventLine(e.ID, model.StreamStderr, "line one\nline two"))
	srv.broker.Close(e.ID)

	body := readAll(t, resp)
	for _, want := range []string{
		"event: stdout\ndata: rendering\n\n",
		"event: stderr\ndata: line one\ndata: line two\n\n",
		"event: done\ndata: stream complete\n\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var empty statsResponse
	if code := getJSON(t, ts.URL+"/v1/stats", &empty); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if empty.Executions.Total != 0 || empty.Executions.AvgDurationMS != 0 || empty.Workload.Tasks != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	seedExecution(t, srv, "t1", "process:sh", model.ExecCompleted, 100)
	seedExecution(t, srv, "t1", "firecracker:python", model.ExecFailed, 200)
	seedExecution(t, srv, "t1", "", model.ExecPending, 0)
	submitTask(t, ts, chunkTaskBody)

	var stats statsResponse
	getJSON(t, ts.URL+"/v1/stats", &stats)
	ex := stats.Executions
	if ex.Total != 3 || ex.ByStatus[model.ExecCompleted] != 1 || ex.ByStatus[model.ExecPending] != 1 {
		t.Errorf("executions = %+v", ex)
	}
	if ex.ByImage["firecracker:python"] != 1 || ex.AvgDurationMS != 150 {
		t.Errorf("executions = %+v", ex)
	}
	if stats.Workload.Tasks != 1 || stats.Workload.ChunksLeft != 3 || stats.Workload.ActiveUnits != 0 {
		t.Errorf("workload = %+v", stats.Workload)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteString("\n")
	}
	return sb.String()
}

package worker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/engine"
	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/sandbox"
	"github.com/seantiz/taskmesh/internal/sandbox/process"
	"github.com/seantiz/taskmesh/internal/task"
	"github.com/seantiz/taskmesh/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// heldRunner keeps launched units until the test finishes them.
type heldRunner struct {
	mu       sync.Mutex
	units    []*engine.Unit
	cbs      []engine.Callback
	progress map[string]float64
}

func (r *heldRunner) Launch(_ context.Context, u *engine.Unit, cb engine.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
	r.cbs = append(r.cbs, cb)
}

func (r *heldRunner) Wait() {}

func (r *heldRunner) Progress(u *engine.Unit) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[u.SubtaskID]
}

func (r *heldRunner) setProgress(i int, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress == nil {
		r.progress = make(map[string]float64)
	}
	r.progress[r.units[i].SubtaskID] = p
}

func (r *heldRunner) finish(i int, errMsg string) {
	r.mu.Lock()
	u, cb := r.units[i], r.cbs[i]
	r.mu.Unlock()
	if errMsg != "" {
		u.Errored = true
		u.ErrorMsg = errMsg
	} else {
		u.Result = model.Result{Type: model.ResultTypeData, Data: []string{"ok"}}
	}
	u.Done = true
	cb.ComputationDone(u)
}

func (r *heldRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	env := coordinator.NewEnvironment(t.TempDir(), "node-a")
	return coordinator.New(coordinator.Options{OwnerAddress: "127.0.0.1", OwnerPort: 40102}, env, testLogger())
}

func submitChunkTask(t *testing.T, c *coordinator.Coordinator, chunks int, src string) *task.ChunkTask {
	t.Helper()
	ct, err := task.NewChunkTask(task.Definition{
		TotalChunks:    chunks,
		SrcCode:        src,
		Images:         []string{"process:sh"},
		SubtaskTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewChunkTask: %v", err)
	}
	if err := c.Submit(ct); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return ct
}

func runCoordinator(t *testing.T, c *coordinator.Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 20*time.Millisecond)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollForwardsRunnerProgress(t *testing.T) {
	c := newCoordinator(t)
	submitChunkTask(t, c, 2, "true")
	runner := &heldRunner{}
	w := worker.New(c, runner, c.Environment(), worker.Options{NodeID: "node-a", Performance: 1000, Slots: 1}, testLogger())

	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("launched %d, want 1", n)
	}
	id := runner.units[0].SubtaskID

	runner.setProgress(0, 0.5)
	w.Poll(context.Background())
	ss, _ := c.SubtaskState(id)
	if ss.Progress != 0.5 || ss.RemainingTime != model.RemainingUnknown {
		t.Errorf("progress = %v remaining = %v, want 0.5 and unknown", ss.Progress, ss.RemainingTime)
	}

	runner.setProgress(0, 1)
	w.Poll(context.Background())
	ss, _ = c.SubtaskState(id)
	if ss.Progress != 1 || ss.RemainingTime != 0 {
		t.Errorf("progress = %v remaining = %v, want 1 and 0", ss.Progress, ss.RemainingTime)
	}
	if ss.Status != model.SubtaskComputing {
		t.Errorf("status = %s, want computing until the result arrives", ss.Status)
	}
}

func TestPollRespectsSlots(t *testing.T) {
	c := newCoordinator(t)
	ct := submitChunkTask(t, c, 5, "true")
	runner := &heldRunner{}
	w := worker.New(c, runner, c.Environment(), worker.Options{NodeID: "node-a", Performance: 1000, Slots: 2}, testLogger())

	if n := w.Poll(context.Background()); n != 2 {
		t.Fatalf("first poll launched %d, want 2", n)
	}
	if n := w.Poll(context.Background()); n != 0 {
		t.Fatalf("poll with full slots launched %d, want 0", n)
	}

	u := runner.units[0]
	ss, ok := c.SubtaskState(u.SubtaskID)
	if !ok || ss.Status != model.SubtaskComputing {
		t.Errorf("lease status = %v, want computing", ss.Status)
	}
	if ss.Computer.NodeID != "node-a" {
		t.Errorf("lease holder = %s", ss.Computer.NodeID)
	}
	if u.ResourceDir != c.Environment().ResourceDir(ct.Header().TaskID) {
		t.Errorf("resource dir = %s", u.ResourceDir)
	}
	wantTmp, _ := c.Environment().SubtaskDir(ct.Header().TaskID, u.SubtaskID)
	if u.TmpDir != wantTmp {
		t.Errorf("tmp dir = %s, want %s", u.TmpDir, wantTmp)
	}
	if u.Timeout != time.Minute {
		t.Errorf("timeout = %v", u.Timeout)
	}

	runner.finish(0, "")
	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("poll after completion launched %d, want 1", n)
	}
	if runner.count() != 3 {
		t.Errorf("units launched = %d", runner.count())
	}
}

func TestFailureReturnsRange(t *testing.T) {
	c := newCoordinator(t)
	ct := submitChunkTask(t, c, 1, "true")
	runCoordinator(t, c)

	runner := &heldRunner{}
	w := worker.New(c, runner, c.Environment(), worker.Options{NodeID: "node-a", Performance: 1000, Slots: 1}, testLogger())

	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("launched %d", n)
	}
	failed := runner.units[0].SubtaskID
	runner.finish(0, "subtask computation failed with exit code 1")

	waitFor(t, "failed lease", func() bool {
		ss, ok := c.SubtaskState(failed)
		return ok && ss.Status == model.SubtaskFailure
	})
	if !ct.NeedsComputation() {
		t.Fatal("failed range was not returned to the task")
	}

	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("relaunch = %d", n)
	}
	retry := runner.units[1]
	if retry.SubtaskID == failed {
		t.Error("retry reused the failed subtask id")
	}
	if retry.ExtraData[model.ExtraStartTask] != 1 || retry.ExtraData[model.ExtraEndTask] != 1 {
		t.Errorf("retry range = %v-%v", retry.ExtraData[model.ExtraStartTask], retry.ExtraData[model.ExtraEndTask])
	}
}

func TestSkipsFinishedTasks(t *testing.T) {
	c := newCoordinator(t)
	ct := submitChunkTask(t, c, 1, "true")
	runCoordinator(t, c)

	runner := &heldRunner{}
	w := worker.New(c, runner, c.Environment(), worker.Options{NodeID: "node-a", Slots: 4}, testLogger())
	if n := w.Poll(context.Background()); n != 1 {
		t.Fatalf("launched %d, want 1", n)
	}
	runner.finish(0, "")

	waitFor(t, "finished task", func() bool {
		st, err := c.QueryTaskState(ct.Header().TaskID)
		return err == nil && st.Status == model.TaskFinished
	})
	if n := w.Poll(context.Background()); n != 0 {
		t.Errorf("poll on finished task launched %d", n)
	}
}

func TestRunEndToEnd(t *testing.T) {
	c := newCoordinator(t)
	src := strings.Join([]string{
		`start=$(grep -o '"startTask":[0-9]*' "$TASKMESH_PARAMS" | cut -d: -f2)`,
		`echo "chunk $start" > "$TASKMESH_OUTPUT_DIR/chunk$start.txt"`,
	}, "\n")
	ct := submitChunkTask(t, c, 3, src)
	runCoordinator(t, c)

	reg := sandbox.NewRegistry()
	reg.Register(process.New(testLogger()))
	eng := engine.New(reg, nil, nil, testLogger(), engine.Options{})
	w := worker.New(c, eng, c.Environment(), worker.Options{
		NodeID:       "node-a",
		Performance:  1000,
		Slots:        2,
		PollInterval: 20 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	taskID := ct.Header().TaskID
	waitFor(t, "task completion", func() bool {
		st, err := c.QueryTaskState(taskID)
		return err == nil && st.Status == model.TaskFinished
	})
	cancel()
	<-done

	results := ct.Results()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	out := c.Environment().OutputDir(taskID)
	for i := 1; i <= 3; i++ {
		name := filepath.Join(out, fmt.Sprintf("%d-%d", i, i), fmt.Sprintf("chunk%d.txt", i))
		data, err := os.ReadFile(name)
		if err != nil {
			t.Errorf("read %s: %v", name, err)
			continue
		}
		if strings.TrimSpace(string(data)) != fmt.Sprintf("chunk %d", i) {
			t.Errorf("%s = %q", name, data)
		}
	}
}

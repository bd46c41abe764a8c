package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/taskmesh/internal/events"
	"github.com/seantiz/taskmesh/internal/model"
	"github.com/seantiz/taskmesh/internal/sandbox"
	"github.com/seantiz/taskmesh/internal/store"
)

// Fixed names of the captured log files inside the output directory.
const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

// DefaultPathParams are the parameters rewritten to resource mount paths
// when none are configured.
var DefaultPathParams = []string{"sceneFile"}

const teardownTimeout = 30 * time.Second

// errTimedOut marks a run stopped by the unit's deadline.
var errTimedOut = errors.New("timed out")

// ErrOutsideResourceMount is returned for a path parameter that resolves
// outside the resource mount.
var ErrOutsideResourceMount = errors.New("path escapes the resource mount")

// Options configures an Engine.
type Options struct {
	// PathParams names the string parameters holding paths relative to the
	// unit's working directory.
	PathParams []string
}

// Engine runs units. Store and broker are optional.
type Engine struct {
	registry   *sandbox.Registry
	store      store.Store
	broker     *events.Broker
	logger     *slog.Logger
	pathParams []string
	wg         sync.WaitGroup
}

// New creates an engine. s and broker may be nil.
func New(reg *sandbox.Registry, s store.Store, broker *events.Broker, logger *slog.Logger, opts Options) *Engine {
	params := opts.PathParams
	if params == nil {
		params = DefaultPathParams
	}
	return &Engine{
		registry:   reg,
		store:      s,
		broker:     broker,
		logger:     logger,
		pathParams: params,
	}
}

// Launch runs u on a new goroutine tracked by Wait.
func (e *Engine) Launch(ctx context.Context, u *Unit, cb Callback) {
	e.wg.Go(func() {
		e.Run(ctx, u, cb)
	})
}

// Wait blocks until every launched unit has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Progress reports 0 until the unit is done and 1 afterwards; runtimes do
// not expose finer progress. It may be called while the unit runs.
func (e *Engine) Progress(u *Unit) float64 {
	if u.finished.Load() {
		return 1
	}
	return 0
}

// Run executes u synchronously and invokes cb exactly once. An execution id
// is generated unless u already carries one.
func (e *Engine) Run(ctx context.Context, u *Unit, cb Callback) {
	if u.ExecutionID == "" {
		u.ExecutionID = model.NewID()
	}
	logger := e.logger.With("subtask_id", u.SubtaskID, "task_id", u.TaskID, "execution_id", u.ExecutionID)
	e.recordCreate(ctx, u, logger)

	activeRuns.Inc()
	start := time.Now()
	result, err := e.safeRun(ctx, u, logger)
	elapsed := time.Since(start)
	activeRuns.Dec()
	runDuration.Observe(elapsed.Seconds())

	if e.broker != nil {
		e.broker.Close(u.ExecutionID)
	}

	if err != nil {
		u.Errored = true
		u.ErrorMsg = err.Error()
		runsTotal.WithLabelValues(failureOutcome(err)).Inc()
		logger.Error("subtask computation failed", "error", u.ErrorMsg)
	} else {
		u.Result = result
		runsTotal.WithLabelValues(outcomeSucceeded).Inc()
		logger.Info("subtask computed", "files", len(result.Data), "duration_ms", elapsed.Milliseconds())
	}
	u.Done = true
	u.finished.Store(true)
	e.recordFinish(u, elapsed, logger)

	cb.ComputationDone(u)
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, errTimedOut):
		return outcomeTimedOut
	case errors.Is(err, sandbox.ErrNoImageAvailable):
		return outcomeNoImage
	default:
		return outcomeFailed
	}
}

// safeRun converts a panic anywhere in the run into an error.
func (e *Engine) safeRun(ctx context.Context, u *Unit, logger *slog.Logger) (result model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during subtask run", "panic", r)
			err = fmt.Errorf("subtask run panicked: %v", r)
		}
	}()
	return e.run(ctx, u, logger)
}

func (e *Engine) run(ctx context.Context, u *Unit, logger *slog.Logger) (model.Result, error) {
	params, err := e.rewriteParams(u)
	if err != nil {
		return model.Result{}, err
	}
	img, rt, err := e.registry.SelectImage(ctx, u.Images)
	if err != nil {
		return model.Result{}, err
	}
	u.Image = img
	logger = logger.With("image", img.String())
	if e.store != nil {
		if err := e.store.StartExecution(ctx, u.ExecutionID, img.String()); err != nil {
			logger.Warn("record execution start", "error", err)
		}
	}

	workDir := filepath.Join(u.TmpDir, "work")
	outputDir := filepath.Join(u.TmpDir, model.UnitOutputDir)
	for _, dir := range []string{workDir, outputDir} {
		if err := resetDir(dir); err != nil {
			return model.Result{}, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	job, err := rt.NewJob(ctx, sandbox.JobSpec{
		ID:          u.ExecutionID,
		Image:       img.Name,
		SrcCode:     u.SrcCode,
		Params:      params,
		ResourceDir: u.ResourceDir,
		WorkDir:     workDir,
		OutputDir:   outputDir,
		LogWriter:   e.logWriter(u.ExecutionID, logger),
	})
	if err != nil {
		return model.Result{}, fmt.Errorf("create job: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := job.Teardown(tctx); err != nil {
			logger.Warn("job teardown", "error", err)
		}
	}()

	runCtx := ctx
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	if err := job.Start(runCtx); err != nil {
		return model.Result{}, e.runError(u, fmt.Errorf("start job: %w", err))
	}
	exitCode, waitErr := job.Wait(runCtx)

	if err := job.DumpLogs(filepath.Join(outputDir, StdoutFile), filepath.Join(outputDir, StderrFile)); err != nil {
		logger.Warn("dump logs", "error", err)
	}

	if waitErr != nil {
		return model.Result{}, e.runError(u, waitErr)
	}
	u.ExitCode = &exitCode
	if exitCode != 0 {
		return model.Result{}, fmt.Errorf("subtask computation failed with exit code %d", exitCode)
	}

	files, err := outputFiles(outputDir)
	if err != nil {
		return model.Result{}, fmt.Errorf("collect output files: %w", err)
	}
	return model.Result{Data: files, Type: model.ResultTypeFile}, nil
}

// runError turns the unit's deadline into the timeout failure and passes
// every other fault through.
func (e *Engine) runError(u *Unit, err error) error {
	if u.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("subtask %w after %.1fs", errTimedOut, u.Timeout.Seconds())
	}
	return err
}

// rewriteParams copies ExtraData and maps each configured path parameter
// to its location under the resource mount.
func (e *Engine) rewriteParams(u *Unit) (map[string]any, error) {
	params := make(map[string]any, len(u.ExtraData))
	for k, v := range u.ExtraData {
		params[k] = v
	}
	for _, key := range e.pathParams {
		rel, ok := params[key].(string)
		if !ok || rel == "" {
			continue
		}
		p, err := ResourcePath(u.WorkingDirectory, rel)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		params[key] = p
	}
	return params, nil
}

// ResourcePath returns where a file given relative to workingDirectory is
// seen inside the sandbox. The result must stay under the resource mount.
func ResourcePath(workingDirectory, rel string) (string, error) {
	p := path.Clean(path.Join(sandbox.ResourceMount, workingDirectory, rel))
	if p != sandbox.ResourceMount && !strings.HasPrefix(p, sandbox.ResourceMount+"/") {
		return "", fmt.Errorf("%w: %s", ErrOutsideResourceMount, rel)
	}
	return p, nil
}

func (e *Engine) logWriter(executionID string, logger *slog.Logger) func(stream, line string) {
	var seq atomic.Int64
	return func(stream, line string) {
		n := int(seq.Add(1) - 1)
		if e.store != nil {
			if err := e.store.InsertLogLine(context.Background(), executionID, stream, n, line); err != nil {
				logger.Debug("persist log line", "seq", n, "error", err)
			}
		}
		if e.broker != nil {
			e.broker.Publish(executionID, events.Event{
				Kind:        events.KindLog,
				ExecutionID: executionID,
				Stream:      stream,
				Line:        line,
			})
		}
	}
}

func (e *Engine) recordCreate(ctx context.Context, u *Unit, logger *slog.Logger) {
	if e.store == nil {
		return
	}
	var timeout *float64
	if u.Timeout > 0 {
		s := u.Timeout.Seconds()
		timeout = &s
	}
	err := e.store.CreateExecution(ctx, &model.Execution{
		ID:        u.ExecutionID,
		SubtaskID: u.SubtaskID,
		TaskID:    u.TaskID,
		Status:    model.ExecPending,
		TimeoutS:  timeout,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error("record execution", "error", err)
	}
}

func (e *Engine) recordFinish(u *Unit, elapsed time.Duration, logger *slog.Logger) {
	if e.store == nil {
		return
	}
	durationMS := int(elapsed.Milliseconds())
	rec := &model.Execution{
		ID:          u.ExecutionID,
		Status:      model.ExecCompleted,
		ExitCode:    u.ExitCode,
		ResultFiles: len(u.Result.Data),
		DurationMS:  &durationMS,
	}
	if u.Errored {
		rec.Status = model.ExecFailed
		rec.Error = u.ErrorMsg
	}
	if err := e.store.FinishExecution(context.Background(), rec); err != nil {
		logger.Error("record execution outcome", "error", err)
	}
}

// outputFiles lists the regular files directly under dir, sorted.
func outputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

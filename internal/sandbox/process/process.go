// Package process implements a sandbox runtime that runs job scripts as
// local child processes. The image name selects the interpreter. Isolation
// is limited to a private working directory and process group, so this
// runtime is meant for development and tests.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/taskmesh/internal/sandbox"
)

// Name is the registry key of the process runtime.
const Name = "process"

// Environment variables exported to every job.
const (
	EnvResourcesDir = "TASKMESH_RESOURCES_DIR"
	EnvWorkDir      = "TASKMESH_WORK_DIR"
	EnvOutputDir    = "TASKMESH_OUTPUT_DIR"
	EnvParams       = "TASKMESH_PARAMS"
)

// waitDelay bounds how long Wait keeps draining output after the process
// has been killed.
const waitDelay = 2 * time.Second

// Runtime runs jobs as local processes.
type Runtime struct {
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// New creates a process runtime.
func New(logger *slog.Logger) *Runtime {
	return &Runtime{logger: logger, lookPath: exec.LookPath}
}

// Name implements sandbox.Runtime.
func (r *Runtime) Name() string { return Name }

// ImageAvailable reports whether the interpreter for image is on PATH.
func (r *Runtime) ImageAvailable(_ context.Context, image string) bool {
	bin, ok := sandbox.Interpreter(image)
	if !ok {
		return false
	}
	_, err := r.lookPath(bin)
	return err == nil
}

// Capabilities implements sandbox.Runtime.
func (r *Runtime) Capabilities() sandbox.Capabilities {
	var images []string
	for _, name := range sandbox.Interpreters() {
		if r.ImageAvailable(context.Background(), name) {
			images = append(images, name)
		}
	}
	return sandbox.Capabilities{
		Name:           Name,
		Images:         images,
		MaxConcurrency: runtime.NumCPU(),
	}
}

// NewJob writes the script and parameters into the work directory.
func (r *Runtime) NewJob(_ context.Context, spec sandbox.JobSpec) (sandbox.Job, error) {
	bin, ok := sandbox.Interpreter(spec.Image)
	if !ok {
		return nil, fmt.Errorf("unsupported image %q", spec.Image)
	}
	path, err := r.lookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("find interpreter: %w", err)
	}

	for _, dir := range []string{spec.WorkDir, spec.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job dir: %w", err)
		}
	}

	script := filepath.Join(spec.WorkDir, sandbox.ScriptFile)
	if err := os.WriteFile(script, []byte(spec.SrcCode), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	params, err := json.Marshal(translateParams(spec.Params, mountMap(spec)))
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	paramsPath := filepath.Join(spec.WorkDir, sandbox.ParamsFile)
	if err := os.WriteFile(paramsPath, params, 0o644); err != nil {
		return nil, fmt.Errorf("write params: %w", err)
	}

	return &job{
		spec:       spec,
		bin:        path,
		script:     script,
		paramsPath: paramsPath,
		logs:       sandbox.NewLogBuffer(spec.LogWriter),
		done:       make(chan struct{}),
		logger:     r.logger.With("job_id", spec.ID),
	}, nil
}

type job struct {
	spec       sandbox.JobSpec
	bin        string
	script     string
	paramsPath string
	logs       *sandbox.LogBuffer
	logger     *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	done     chan struct{}
	exitCode int
	waitErr  error

	teardownOnce sync.Once
}

// Start launches the interpreter on the job script.
func (j *job) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return errors.New("job already started")
	}

	stdout := newLineWriter(j.logs, sandbox.StreamStdout)
	stderr := newLineWriter(j.logs, sandbox.StreamStderr)

	cmd := exec.Command(j.bin, j.script)
	cmd.Dir = j.spec.WorkDir
	cmd.Env = append(os.Environ(),
		EnvResourcesDir+"="+j.spec.ResourceDir,
		EnvWorkDir+"="+j.spec.WorkDir,
		EnvOutputDir+"="+j.spec.OutputDir,
		EnvParams+"="+j.paramsPath,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	j.cmd = cmd
	j.started = true

	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		code := 0
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
			err = nil
		default:
			code = -1
		}
		j.mu.Lock()
		j.exitCode = code
		j.waitErr = err
		j.mu.Unlock()
		close(j.done)
	}()
	return nil
}

// Wait blocks until the process exits or ctx is done, in which case the
// whole process group is killed.
func (j *job) Wait(ctx context.Context) (int, error) {
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()
	if !started {
		return -1, errors.New("job not started")
	}

	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.exitCode, j.waitErr
	case <-ctx.Done():
		j.kill()
		<-j.done
		return -1, fmt.Errorf("wait for job: %w", ctx.Err())
	}
}

// DumpLogs implements sandbox.Job.
func (j *job) DumpLogs(stdoutPath, stderrPath string) error {
	return j.logs.WriteFiles(stdoutPath, stderrPath)
}

// Teardown kills the process group if it is still running.
func (j *job) Teardown(_ context.Context) error {
	j.teardownOnce.Do(func() {
		j.mu.Lock()
		started := j.started
		j.mu.Unlock()
		if !started {
			return
		}
		select {
		case <-j.done:
		default:
			j.kill()
			<-j.done
		}
		j.logger.Debug("job torn down")
	})
	return nil
}

func (j *job) kill() {
	j.mu.Lock()
	cmd := j.cmd
	j.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// mountMap pairs each in-sandbox mount with its host directory.
func mountMap(spec sandbox.JobSpec) map[string]string {
	return map[string]string{
		sandbox.ResourceMount: spec.ResourceDir,
		sandbox.WorkMount:     spec.WorkDir,
		sandbox.OutputMount:   spec.OutputDir,
	}
}

// translateParams returns a copy of params where string values under a mount
// point are mapped onto the matching host directory.
func translateParams(params map[string]any, mounts map[string]string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = translatePath(s, mounts)
	}
	return out
}

func translatePath(s string, mounts map[string]string) string {
	for mount, host := range mounts {
		if host == "" {
			continue
		}
		if s == mount {
			return host
		}
		if rest, ok := strings.CutPrefix(s, mount+"/"); ok {
			return filepath.Join(host, filepath.FromSlash(rest))
		}
	}
	return s
}

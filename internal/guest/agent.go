// Package guest implements the agent that runs inside a Firecracker microVM.
// It receives one job request per vsock connection, unpacks the resources,
// runs the script through the process runtime, streams every output line
// back to the host and finally returns the exit code together with an
// archive of the output mount.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/taskmesh/internal/sandbox"
	fc "github.com/seantiz/taskmesh/internal/sandbox/firecracker"
	"github.com/seantiz/taskmesh/internal/sandbox/process"
)

// Agent serves job requests on a listener.
type Agent struct {
	listener net.Listener
	root     string
	runtime  *process.Runtime
	logger   *slog.Logger

	// runMu serializes jobs; they share the mount directories.
	runMu sync.Mutex
}

// New creates an agent. Mount directories are created under root, which is
// "/" inside a microVM.
func New(listener net.Listener, root string, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		root:     root,
		runtime:  process.New(logger),
		logger:   logger,
	}
}

// Serve accepts connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		a.logger.Error("read request", "error", err)
		a.sendResult(conn, failure("read request: %v", err))
		return
	}

	a.runMu.Lock()
	resp := a.execute(conn, &req)
	a.runMu.Unlock()

	a.sendResult(conn, resp)
}

func (a *Agent) mountDir(mount string) string {
	return filepath.Join(a.root, filepath.FromSlash(mount))
}

// execute runs req and streams its log lines to conn.
func (a *Agent) execute(conn net.Conn, req *fc.GuestRequest) fc.GuestResponse {
	logger := a.logger.With("job_id", req.JobID, "image", req.Image)

	ctx := context.Background()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if !a.runtime.ImageAvailable(ctx, req.Image) {
		return failure("unsupported image %q", req.Image)
	}

	resourceDir := a.mountDir(sandbox.ResourceMount)
	workDir := a.mountDir(sandbox.WorkMount)
	outputDir := a.mountDir(sandbox.OutputMount)
	for _, dir := range []string{resourceDir, workDir, outputDir} {
		if err := resetDir(dir); err != nil {
			return failure("prepare %s: %v", dir, err)
		}
	}
	if err := sandbox.Unpack(req.Resources, resourceDir); err != nil {
		return failure("unpack resources: %v", err)
	}

	var writeMu sync.Mutex
	spec := sandbox.JobSpec{
		ID:          req.JobID,
		Image:       req.Image,
		SrcCode:     req.Script,
		Params:      req.Params,
		ResourceDir: resourceDir,
		WorkDir:     workDir,
		OutputDir:   outputDir,
		LogWriter: func(stream, line string) {
			writeMu.Lock()
			defer writeMu.Unlock()
			msg := fc.GuestMessage{Type: fc.MsgTypeLog, Stream: stream, Line: line}
			if err := fc.WriteMessage(conn, &msg); err != nil {
				logger.Debug("write log line", "error", err)
			}
		},
	}

	job, err := a.runtime.NewJob(ctx, spec)
	if err != nil {
		return failure("create job: %v", err)
	}
	defer job.Teardown(context.Background())

	if err := job.Start(ctx); err != nil {
		return failure("start job: %v", err)
	}

	exitCode, err := job.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("job timed out", "timeout_ms", req.TimeoutMS)
			return fc.GuestResponse{
				ExitCode: -1,
				Error:    fmt.Sprintf("timeout after %s", time.Duration(req.TimeoutMS)*time.Millisecond),
				TimedOut: true,
			}
		}
		return failure("wait for job: %v", err)
	}

	outputs, err := sandbox.PackDir(outputDir, true)
	if err != nil {
		return fc.GuestResponse{ExitCode: exitCode, Error: fmt.Sprintf("archive outputs: %v", err)}
	}

	logger.Info("job finished", "exit_code", exitCode, "outputs_bytes", len(outputs))
	return fc.GuestResponse{ExitCode: exitCode, Outputs: outputs}
}

func (a *Agent) sendResult(conn net.Conn, resp fc.GuestResponse) {
	msg := fc.GuestMessage{Type: fc.MsgTypeResult, Response: &resp}
	if err := fc.WriteMessage(conn, &msg); err != nil {
		a.logger.Error("write result", "error", err)
	}
}

func failure(format string, args ...any) fc.GuestResponse {
	return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf(format, args...)}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// Package firecracker implements a sandbox runtime that runs each job in its
// own Firecracker microVM. The job's script, parameters and resources are
// shipped to the guest agent over vsock; output files come back as an
// archive and are unpacked into the job's output directory.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/taskmesh/internal/sandbox"
)

// Name is the registry key of the Firecracker runtime.
const Name = "firecracker"

// DefaultBootArgs boots straight into the guest agent.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

const (
	rootfsDriveID   = "rootfs"
	vsockDeviceID   = "vsock0"
	shutdownTimeout = 3 * time.Second
)

// Runtime creates one microVM per job.
type Runtime struct {
	cfg    Config
	net    *NetworkManager
	logger *slog.Logger

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New creates a Firecracker runtime.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	nm, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}
	return &Runtime{
		cfg:      cfg,
		net:      nm,
		logger:   logger,
		cidNext:  max(cfg.CIDBase, MinCID),
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Verify checks the host prerequisites: kernel image and CNI plugins.
func (r *Runtime) Verify() error {
	if _, err := os.Stat(r.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	if err := r.net.Verify(); err != nil {
		return err
	}
	return r.net.WriteConfList()
}

// Shutdown releases networking of jobs that were never torn down.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.net.DetachAll(ctx)
}

// Name implements sandbox.Runtime.
func (r *Runtime) Name() string { return Name }

// ImageAvailable reports whether a rootfs exists for image.
func (r *Runtime) ImageAvailable(_ context.Context, image string) bool {
	path, err := RootfsPath(r.cfg.RootfsDir, image)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Capabilities lists the rootfs images found in the rootfs directory.
func (r *Runtime) Capabilities() sandbox.Capabilities {
	var images []string
	entries, _ := os.ReadDir(r.cfg.RootfsDir)
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), RootfsExt); ok && e.Type().IsRegular() {
			images = append(images, name)
		}
	}
	return sandbox.Capabilities{
		Name:           Name,
		Images:         images,
		MaxConcurrency: r.cfg.MaxConcurrentVMs,
	}
}

// NewJob prepares a job; the VM is booted by Start.
func (r *Runtime) NewJob(_ context.Context, spec sandbox.JobSpec) (sandbox.Job, error) {
	rootfs, err := RootfsPath(r.cfg.RootfsDir, spec.Image)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &vmJob{
		rt:     r,
		spec:   spec,
		rootfs: rootfs,
		logs:   sandbox.NewLogBuffer(spec.LogWriter),
		logger: r.logger.With("job_id", spec.ID, "image", spec.Image),
	}, nil
}

// vmJob is one microVM lifecycle: allocate, boot, run, tear down.
type vmJob struct {
	rt     *Runtime
	spec   sandbox.JobSpec
	rootfs string
	logs   *sandbox.LogBuffer
	logger *slog.Logger

	cid      uint32
	hasCID   bool
	attached bool
	tmpDir   string
	machine  *fcsdk.Machine
	started  bool
	guest    *GuestConn

	teardownOnce sync.Once
}

// Start boots the VM, connects to the guest agent and sends the job.
func (j *vmJob) Start(ctx context.Context) error {
	resources, err := sandbox.PackDir(j.spec.ResourceDir, false)
	if err != nil {
		return fmt.Errorf("pack resources: %w", err)
	}

	cid, err := j.rt.allocateCID()
	if err != nil {
		return fmt.Errorf("allocate CID: %w", err)
	}
	j.cid, j.hasCID = cid, true

	netCfg, err := j.rt.net.Attach(ctx, j.spec.ID)
	if err != nil {
		return fmt.Errorf("network setup: %w", err)
	}
	j.attached = true

	j.tmpDir, err = os.MkdirTemp("", "taskmesh-vm-"+j.spec.ID+"-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	vmRootfs := filepath.Join(j.tmpDir, "rootfs"+RootfsExt)
	if err := copyRootfs(j.rootfs, vmRootfs); err != nil {
		return fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(j.tmpDir, "fc.sock")
	vsockPath := filepath.Join(j.tmpDir, "vsock.sock")
	fcCfg := j.rt.machineConfig(j.spec.ID, socketPath, vsockPath, vmRootfs, cid, netCfg)

	// The SDK insists on a logrus logger; its output is discarded in favor of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM process must outlive Start's context.
	vmmCtx := context.WithoutCancel(ctx)
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(j.rt.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmmCtx)

	machine, err := fcsdk.NewMachine(vmmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	j.machine = machine

	bootCtx, cancel := context.WithTimeout(ctx, j.rt.cfg.BootTimeout)
	defer cancel()

	bootStart := time.Now()
	if err := machine.Start(vmmCtx); err != nil {
		jobsTotal.WithLabelValues(j.spec.Image, statusFailed).Inc()
		return fmt.Errorf("start VM: %w", err)
	}
	j.started = true
	activeVMs.Inc()

	gc, err := DialGuest(bootCtx, vsockPath, j.rt.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		jobsTotal.WithLabelValues(j.spec.Image, statusFailed).Inc()
		return fmt.Errorf("connect to guest: %w", err)
	}
	j.guest = gc

	req := GuestRequest{
		JobID:     j.spec.ID,
		Image:     j.spec.Image,
		Script:    j.spec.SrcCode,
		Params:    j.spec.Params,
		Resources: resources,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
	}
	if err := gc.Send(req); err != nil {
		jobsTotal.WithLabelValues(j.spec.Image, statusFailed).Inc()
		return err
	}

	j.logger.Info("VM started", "cid", cid, "vcpus", j.rt.cfg.VCPUs, "mem_mb", j.rt.cfg.MemMB)
	return nil
}

// Wait streams guest logs until the guest reports the result, then unpacks
// the returned output files.
func (j *vmJob) Wait(ctx context.Context) (int, error) {
	if j.guest == nil {
		return -1, errors.New("job not started")
	}

	resp, err := j.guest.Receive(ctx, j.logs.Append)
	if err != nil {
		status := statusFailed
		if ctx.Err() != nil {
			status = statusKilled
		}
		jobsTotal.WithLabelValues(j.spec.Image, status).Inc()
		return -1, fmt.Errorf("wait for guest: %w", err)
	}
	if resp.Error != "" {
		j.logs.Append(sandbox.StreamStderr, resp.Error)
	}
	if resp.TimedOut {
		jobsTotal.WithLabelValues(j.spec.Image, statusKilled).Inc()
		return -1, fmt.Errorf("guest: %s: %w", resp.Error, context.DeadlineExceeded)
	}
	if err := sandbox.Unpack(resp.Outputs, j.spec.OutputDir); err != nil {
		jobsTotal.WithLabelValues(j.spec.Image, statusFailed).Inc()
		return -1, fmt.Errorf("unpack outputs: %w", err)
	}

	jobsTotal.WithLabelValues(j.spec.Image, statusCompleted).Inc()
	return resp.ExitCode, nil
}

// DumpLogs implements sandbox.Job.
func (j *vmJob) DumpLogs(stdoutPath, stderrPath string) error {
	return j.logs.WriteFiles(stdoutPath, stderrPath)
}

// Teardown stops the VM and releases its CID, network and temp files. It
// runs on fresh contexts so it completes even when the job's context is done.
func (j *vmJob) Teardown(context.Context) error {
	j.teardownOnce.Do(j.teardown)
	return nil
}

func (j *vmJob) teardown() {
	begin := time.Now()

	if j.guest != nil {
		j.guest.Close()
	}

	if j.machine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := j.machine.Shutdown(shutdownCtx); err != nil {
			j.logger.Debug("graceful shutdown failed, stopping VMM", "error", err)
			if err := j.machine.StopVMM(); err != nil {
				j.logger.Debug("stop VMM failed", "error", err)
			}
		}
		cancel()

		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := j.machine.Wait(waitCtx); err != nil {
			j.logger.Debug("wait for VM exit", "error", err)
		}
		cancel()
	}
	if j.started {
		activeVMs.Dec()
	}

	if j.hasCID {
		j.rt.releaseCID(j.cid)
	}

	if j.attached {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := j.rt.net.Detach(ctx, j.spec.ID); err != nil {
			j.logger.Warn("network teardown failed", "error", err)
		}
		cancel()
	}

	if j.tmpDir != "" {
		os.RemoveAll(j.tmpDir)
	}

	vmCleanupDuration.Observe(time.Since(begin).Seconds())
	j.logger.Debug("VM torn down")
}

func (r *Runtime) machineConfig(id, socketPath, vsockPath, rootfs string, cid uint32, netCfg *VMNetwork) fcsdk.Config {
	return fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: r.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  netCfg.MACAddress,
				HostDevName: netCfg.TAPDevice,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{
			ID:   vsockDeviceID,
			Path: vsockPath,
			CID:  cid,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(r.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(r.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  id,
	}
}

// allocateCID scans forward from the last handed-out CID for a free one.
func (r *Runtime) allocateCID() (uint32, error) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()

	window := uint32(r.cfg.MaxConcurrentVMs + 10)
	for i := range window {
		candidate := max(r.cidNext+i, MinCID)
		if !r.cidInUse[candidate] {
			r.cidInUse[candidate] = true
			r.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (%d in use)", len(r.cidInUse))
}

func (r *Runtime) releaseCID(cid uint32) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()
	delete(r.cidInUse, cid)
	if cid < r.cidNext {
		r.cidNext = cid
	}
}

// copyRootfs copies the image, using reflinks where the filesystem allows.
func copyRootfs(src, dst string) error {
	if out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, strings.TrimSpace(string(out)), err)
	}
	return nil
}

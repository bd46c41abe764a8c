package firecracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
)

// Network namespace locations.
const (
	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "taskmesh-"
)

// netnsOps creates and deletes named network namespaces.
type netnsOps struct {
	create func(name string) error
	remove func(name string) error
}

var ipNetns = netnsOps{create: createNetNS, remove: deleteNetNS}

// NetworkManager attaches microVMs to the CNI bridge network, one network
// namespace per job.
type NetworkManager struct {
	binDir    string
	confDir   string
	cni       *libcni.CNIConfig
	list      *libcni.NetworkConfigList
	listBytes []byte
	ns        netnsOps
	logger    *slog.Logger

	mu       sync.Mutex
	attached map[string]string // job id → namespace path
}

// NewNetworkManager builds the CNI configuration from cfg.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	data, err := confList()
	if err != nil {
		return nil, err
	}
	list, err := libcni.ConfListFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &NetworkManager{
		binDir:    cfg.CNIBinDir,
		confDir:   cfg.CNIConfigDir,
		cni:       libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		list:      list,
		listBytes: data,
		ns:        ipNetns,
		logger:    logger,
		attached:  make(map[string]string),
	}, nil
}

func runtimeConf(id, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: id, NetNS: nsPath, IfName: CNIIfName}
}

// Attach creates the namespace for job id and runs CNI ADD in it.
func (nm *NetworkManager) Attach(ctx context.Context, id string) (*VMNetwork, error) {
	name := NetNSPrefix + id
	nsPath := filepath.Join(NetNSRunDir, name)
	if err := nm.ns.create(name); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", name, err)
	}

	nm.mu.Lock()
	nm.attached[id] = nsPath
	nm.mu.Unlock()

	result, err := nm.cni.AddNetworkList(ctx, nm.list, runtimeConf(id, nsPath))
	if err != nil {
		nm.forget(id)
		if nsErr := nm.ns.remove(name); nsErr != nil {
			nm.logger.Warn("netns cleanup after CNI ADD failure", "job_id", id, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", id, err)
	}

	net, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.Detach(ctx, id); delErr != nil {
			nm.logger.Debug("detach after bad CNI result", "job_id", id, "error", delErr)
		}
		return nil, fmt.Errorf("parse CNI result for %s: %w", id, err)
	}

	nm.logger.Info("network attached", "job_id", id, "tap", net.TAPDevice, "guest_ip", net.GuestIP)
	return net, nil
}

// Detach runs CNI DEL and removes the namespace. Detaching an id that is not
// attached is a no-op.
func (nm *NetworkManager) Detach(ctx context.Context, id string) error {
	nsPath, ok := nm.forget(id)
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.list, runtimeConf(id, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", id, err))
	}
	if err := nm.ns.remove(NetNSPrefix + id); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// DetachAll detaches every attached job.
func (nm *NetworkManager) DetachAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.attached))
	for id := range nm.attached {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Detach(ctx, id); err != nil {
			nm.logger.Error("network detach failed", "job_id", id, "error", err)
		}
	}
}

func (nm *NetworkManager) forget(id string) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nsPath, ok := nm.attached[id]
	delete(nm.attached, id)
	return nsPath, ok
}

// Verify reports missing CNI plugins.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList installs the conflist into the CNI config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.confDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.confDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.listBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS is idempotent: a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

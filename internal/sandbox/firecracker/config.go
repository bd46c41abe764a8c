package firecracker

import (
	"os"
	"strconv"
	"time"
)

const (
	envKernelPath    = "TASKMESH_FC_KERNEL_PATH"
	envRootfsDir     = "TASKMESH_FC_ROOTFS_DIR"
	envBin           = "TASKMESH_FC_BIN"
	envCNIConfigDir  = "TASKMESH_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "TASKMESH_FC_CNI_BIN_DIR"
	envVsockPort     = "TASKMESH_FC_VSOCK_PORT"
	envVCPUs         = "TASKMESH_FC_VCPUS"
	envMemMB         = "TASKMESH_FC_MEM_MB"
	envMaxConcurrent = "TASKMESH_FC_MAX_CONCURRENT_VMS"
	envBootTimeout   = "TASKMESH_FC_BOOT_TIMEOUT"
)

// Config holds the settings of the Firecracker runtime.
type Config struct {
	KernelPath     string
	RootfsDir      string
	FirecrackerBin string
	CNIConfigDir   string
	CNIBinDir      string

	VsockPort uint32
	CIDBase   uint32

	VCPUs            int
	MemMB            int
	MaxConcurrentVMs int

	// BootTimeout bounds VM start plus the guest agent handshake.
	BootTimeout time.Duration
}

// LoadConfig reads TASKMESH_FC_* variables over the defaults.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		VCPUs:            DefaultVCPUs,
		MemMB:            DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
		BootTimeout:      30 * time.Second,
	}

	setString(&cfg.KernelPath, envKernelPath)
	setString(&cfg.RootfsDir, envRootfsDir)
	setString(&cfg.FirecrackerBin, envBin)
	setString(&cfg.CNIConfigDir, envCNIConfigDir)
	setString(&cfg.CNIBinDir, envCNIBinDir)

	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	setPositiveInt(&cfg.VCPUs, envVCPUs)
	setPositiveInt(&cfg.MemMB, envMemMB)
	setPositiveInt(&cfg.MaxConcurrentVMs, envMaxConcurrent)
	if v := os.Getenv(envBootTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BootTimeout = d
		}
	}
	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

package firecracker

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.FirecrackerBin != "firecracker" {
		t.Errorf("FirecrackerBin = %q", cfg.FirecrackerBin)
	}
	if cfg.VsockPort != DefaultVsockPort || cfg.CIDBase != MinCID {
		t.Errorf("vsock = %d/%d", cfg.VsockPort, cfg.CIDBase)
	}
	if cfg.VCPUs != DefaultVCPUs || cfg.MemMB != DefaultMemMB || cfg.MaxConcurrentVMs != MaxConcurrentVMs {
		t.Errorf("limits = %+v", cfg)
	}
	if cfg.BootTimeout != 30*time.Second {
		t.Errorf("BootTimeout = %v", cfg.BootTimeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envKernelPath, "/custom/vmlinux")
	t.Setenv(envRootfsDir, "/custom/rootfs")
	t.Setenv(envBin, "/usr/local/bin/firecracker")
	t.Setenv(envCNIConfigDir, "/etc/cni")
	t.Setenv(envCNIBinDir, "/opt/cni/bin")
	t.Setenv(envVsockPort, "2048")
	t.Setenv(envVCPUs, "2")
	t.Setenv(envMemMB, "1024")
	t.Setenv(envMaxConcurrent, "20")
	t.Setenv(envBootTimeout, "45s")

	cfg := LoadConfig()

	if cfg.KernelPath != "/custom/vmlinux" || cfg.RootfsDir != "/custom/rootfs" {
		t.Errorf("paths = %+v", cfg)
	}
	if cfg.FirecrackerBin != "/usr/local/bin/firecracker" {
		t.Errorf("FirecrackerBin = %q", cfg.FirecrackerBin)
	}
	if cfg.CNIConfigDir != "/etc/cni" || cfg.CNIBinDir != "/opt/cni/bin" {
		t.Errorf("cni = %q %q", cfg.CNIConfigDir, cfg.CNIBinDir)
	}
	if cfg.VsockPort != 2048 || cfg.VCPUs != 2 || cfg.MemMB != 1024 || cfg.MaxConcurrentVMs != 20 {
		t.Errorf("numbers = %+v", cfg)
	}
	if cfg.BootTimeout != 45*time.Second {
		t.Errorf("BootTimeout = %v", cfg.BootTimeout)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	t.Setenv(envVsockPort, "not-a-number")
	t.Setenv(envVCPUs, "0")
	t.Setenv(envMemMB, "-5")
	t.Setenv(envBootTimeout, "soon")

	cfg := LoadConfig()
	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d", cfg.VsockPort)
	}
	if cfg.VCPUs != DefaultVCPUs || cfg.MemMB != DefaultMemMB {
		t.Errorf("limits = %d/%d", cfg.VCPUs, cfg.MemMB)
	}
	if cfg.BootTimeout != 30*time.Second {
		t.Errorf("BootTimeout = %v", cfg.BootTimeout)
	}
}

func TestRootfsPath(t *testing.T) {
	got, err := RootfsPath("/rootfs", "python")
	if err != nil || got != "/rootfs/python.ext4" {
		t.Errorf("RootfsPath = %q, %v", got, err)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := RootfsPath("/rootfs", bad); err == nil {
			t.Errorf("RootfsPath(%q) succeeded", bad)
		}
	}
}

package firecracker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the lowest usable context ID; 0-2 are reserved.
	MinCID uint32 = 3
)

// Per-VM resource defaults.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// MaxConcurrentVMs is the default cap on simultaneously running microVMs.
const MaxConcurrentVMs = 10

// RootfsExt is the file extension of rootfs images; the image name is the
// file's base name.
const RootfsExt = ".ext4"

// GuestAgentPath is where the guest agent binary lives inside every rootfs.
const GuestAgentPath = "/usr/local/bin/taskmesh-guest"

// RootfsPath returns the rootfs file of image inside rootfsDir.
func RootfsPath(rootfsDir, image string) (string, error) {
	if image == "" || strings.ContainsAny(image, `/\`) || image == "." || image == ".." {
		return "", fmt.Errorf("invalid image name %q", image)
	}
	return filepath.Join(rootfsDir, image+RootfsExt), nil
}

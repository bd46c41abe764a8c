package firecracker

import (
	"io"
	"log/slog"
	"net"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func mustParseCIDR(s string) net.IPNet {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	ipNet.IP = ip
	return *ipNet
}

func testRuntime(rootfsDir string) *Runtime {
	return &Runtime{
		cfg: Config{
			RootfsDir:        rootfsDir,
			MaxConcurrentVMs: MaxConcurrentVMs,
		},
		logger:   testLogger(),
		cidNext:  MinCID,
		cidInUse: make(map[uint32]bool),
	}
}

// Command taskmesh-guest is the agent baked into every microVM rootfs. It
// runs as init, listens on vsock for job requests from the host and streams
// logs and results back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o taskmesh-guest ./cmd/taskmesh-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/taskmesh/internal/config"
	"github.com/seantiz/taskmesh/internal/guest"
	fc "github.com/seantiz/taskmesh/internal/sandbox/firecracker"
)

func main() {
	logger := config.NewLogger(os.Stderr, slog.LevelInfo)
	guest.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("taskmesh-guest listening", "port", port)

	agent := guest.New(l, "/", logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

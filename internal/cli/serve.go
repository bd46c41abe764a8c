package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/taskmesh/internal/config"
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Do not run the local worker loop")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveAddr     string
	serveNoWorker bool
)

const closeTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, local worker and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if serveNoWorker {
		cfg.Worker.Enabled = false
	}

	logger := config.NewLogger(os.Stdout, cfg.Level())
	logger.Info("taskmesh: starting",
		"version", buildVersion,
		"node_id", cfg.NodeID,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"runtimes", cfg.Runtimes,
		"worker", cfg.Worker.Enabled,
	)

	s, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := s.run(ctx)

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	s.close(cctx)
	return runErr
}

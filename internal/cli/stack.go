package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/taskmesh/internal/api"
	"github.com/seantiz/taskmesh/internal/config"
	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/engine"
	"github.com/seantiz/taskmesh/internal/events"
	"github.com/seantiz/taskmesh/internal/sandbox"
	"github.com/seantiz/taskmesh/internal/sandbox/firecracker"
	"github.com/seantiz/taskmesh/internal/sandbox/process"
	"github.com/seantiz/taskmesh/internal/store"
	"github.com/seantiz/taskmesh/internal/worker"
)

// stack is one fully wired node: coordinator, execution engine, optional
// local worker and the HTTP surface.
type stack struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	registry *sandbox.Registry
	broker   *events.Broker
	coord    *coordinator.Coordinator
	engine   *engine.Engine
	worker   *worker.Worker
	server   *api.Server
	closers  []func(context.Context)
}

func buildStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg, closers, err := buildRegistry(cfg.Runtimes, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	broker := events.NewBroker()
	env := coordinator.NewEnvironment(cfg.DataDir, cfg.NodeID)
	coord := coordinator.New(coordinator.Options{
		OwnerAddress: cfg.OwnerAddress,
		OwnerPort:    cfg.OwnerPort,
	}, env, logger.With("component", "coordinator"))
	coord.RegisterListener(events.NewPublisher(broker, coord))

	eng := engine.New(reg, db, broker, logger.With("component", "engine"), engine.Options{})

	s := &stack{
		cfg:      cfg,
		logger:   logger,
		store:    db,
		registry: reg,
		broker:   broker,
		coord:    coord,
		engine:   eng,
		closers:  closers,
	}
	if cfg.Worker.Enabled {
		s.worker = worker.New(coord, eng, env, worker.Options{
			NodeID:       cfg.NodeID,
			Performance:  cfg.Worker.Performance,
			Slots:        cfg.Worker.Cores,
			PollInterval: cfg.Worker.PollInterval,
		}, logger.With("component", "worker"))
	}
	s.server = api.NewServer(cfg.ListenAddr, api.Deps{
		Coordinator: coord,
		Store:       db,
		Registry:    reg,
		Broker:      broker,
		NodeID:      cfg.NodeID,
		CORSOrigins: cfg.CORSOrigins,
	}, logger.With("component", "api"))
	return s, nil
}

// buildRegistry registers the named runtimes in preference order. A
// Firecracker host that fails its prerequisite checks is skipped with a
// warning so the node can still serve other runtimes.
func buildRegistry(names []string, logger *slog.Logger) (*sandbox.Registry, []func(context.Context), error) {
	reg := sandbox.NewRegistry()
	var closers []func(context.Context)
	for _, name := range names {
		switch name {
		case process.Name:
			reg.Register(process.New(logger.With("runtime", process.Name)))
		case firecracker.Name:
			rt, err := firecracker.New(firecracker.LoadConfig(), logger.With("runtime", firecracker.Name))
			if err != nil {
				return nil, nil, fmt.Errorf("firecracker runtime: %w", err)
			}
			if err := rt.Verify(); err != nil {
				logger.Warn("firecracker runtime unavailable", "error", err)
				continue
			}
			reg.Register(rt)
			closers = append(closers, rt.Shutdown)
		default:
			return nil, nil, fmt.Errorf("unknown runtime %q", name)
		}
	}
	if len(reg.List()) == 0 {
		return nil, nil, errors.New("no sandbox runtime available")
	}
	return reg, closers, nil
}

// run drives every component until ctx is cancelled or one of them fails.
func (s *stack) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.coord.Run(gctx, s.cfg.SweepInterval)
		return nil
	})
	if s.worker != nil {
		g.Go(func() error {
			s.worker.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.server.Run(gctx)
	})
	return g.Wait()
}

func (s *stack) close(ctx context.Context) {
	s.engine.Wait()
	for _, c := range s.closers {
		c(ctx)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close database", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arsac/h1relay/internal/config"
	"github.com/arsac/h1relay/internal/control"
	"github.com/arsac/h1relay/internal/engine"
	"github.com/arsac/h1relay/internal/health"
	"github.com/arsac/h1relay/internal/logger"
	"github.com/arsac/h1relay/internal/routes"
	"github.com/arsac/h1relay/internal/stream"
)

// workersCheckTTL bounds how often health checks push a ping through every
// worker's task queue.
const workersCheckTTL = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "h1relay",
		Short: "HTTP/1.1 relay engine",
		Long: `h1relay bridges HTTP/1.1 exchanges between stream-oriented peers.

Client routes multiplex per-request streams onto pooled upstream connections.
Server routes split downstream connections into per-request target streams.`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine workers and control plane",
		RunE:  runServe,
	}
	config.SetupFlags(serveCmd)

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect routes files",
	}
	routesCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a routes file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	})

	rootCmd.AddCommand(serveCmd, routesCmd)

	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := config.BindFlags(cmd, v); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log := logger.New("relay", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting h1relay",
		"workers", cfg.Workers,
		"maxConnectionsPerRoute", cfg.MaxConnectionsPerRoute,
		"slotCapacity", cfg.SlotCapacity,
		"routesFile", cfg.RoutesFile,
		"healthAddr", cfg.HealthAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	group, err := engine.NewGroup(cfg.Workers, cfg.WorkerConfig(), log.With("component", "engine"))
	if err != nil {
		return err
	}
	// The control plane tags its correlation ids with the owner slot no
	// worker uses.
	controller := control.NewController(
		stream.NewSequence(stream.MaxOwners-1),
		cfg.CommandQueueSize,
		log.With("component", "control"),
	)
	conductor := control.NewConductor(controller, group, log.With("component", "control"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return group.Run(ctx)
	})
	g.Go(func() error {
		return conductor.Run(ctx)
	})

	if cfg.RoutesFile != "" {
		reconciler := routes.NewReconciler(controller, log.With("component", "routes"))
		watcher, err := routes.NewWatcher(cfg.RoutesFile, reconciler, cfg.RoutesReloadInterval, log.With("component", "routes"))
		if err != nil {
			return fmt.Errorf("watching routes file: %w", err)
		}
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if cfg.HealthAddr != "" {
		healthServer := health.NewServer(health.Config{Addr: cfg.HealthAddr}, log.With("component", "health"))
		healthServer.RegisterCheck("workers", health.CachedCheck(health.WorkersCheck(group), workersCheckTTL))
		healthServer.SetReady(true)
		g.Go(func() error {
			return healthServer.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	loaded, err := routes.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d routes\n", args[0], len(loaded))
	for _, r := range loaded {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s/%d -> %s/%d\n", r.Role, r.Source, r.SourceRef, r.Target, r.TargetRef)
	}
	return nil
}

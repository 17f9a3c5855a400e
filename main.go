// Package main is the entry point for the validator queue node (vqn).
// It loads the configuration, opens the store and node identity, and runs
// the node loop, the HTTP server and peer discovery until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valqueue.node/vqn/internal/api"
	"valqueue.node/vqn/internal/config"
	"valqueue.node/vqn/internal/discovery"
	"valqueue.node/vqn/internal/docs"
	"valqueue.node/vqn/internal/identity"
	"valqueue.node/vqn/internal/logger"
	"valqueue.node/vqn/internal/node"
	"valqueue.node/vqn/internal/storage"
	"valqueue.node/vqn/internal/types"
	"valqueue.node/vqn/internal/web"
)

// eventHistory is the number of log events kept for /api/events.
const eventHistory = 500

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "vqn",
		Short:         "Validator queue node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), keygenCommand(), versionCommand())
	return root
}

func runCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs the node",
		RunE:  runFunc,
	}
	config.AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, _ []string) error {
	cfg, err := config.ParseFlags(c.Flags())
	if err != nil {
		return err
	}
	if !c.Flags().Changed(config.PortKey) {
		cfg.Port = resolvePort(cfg.Port)
	}
	if err := ensurePortAvailable(cfg.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", cfg.Port, err)
	}

	events := logger.New(eventHistory)
	log, err := logger.NewZap(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}, events)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Info("vqn starting", zap.String("version", types.Version))

	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	kv, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StorageBackend, err)
	}
	defer kv.Close()
	log.Info("store opened", zap.String("backend", cfg.StorageBackend), zap.String("dir", cfg.DataDir))

	n, err := node.New(cfg, node.Deps{Identity: id, KV: kv, Log: log})
	if err != nil {
		return err
	}

	scanner := discovery.NewScanner(cfg.Port, cfg.NodeIP, log)
	server := web.NewServer(web.Options{
		Addr:    cfg.ListenAddr(),
		API:     api.NewService(n, events, scanner, cfg.MaxBackups, log),
		Node:    n,
		Events:  events,
		Docs:    docs.NewService(cfg.DocsDir),
		Metrics: cfg.MetricsEnabled,
		Log:     log,
	})

	ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if cfg.MDNSEnabled {
		mdns := discovery.NewMDNS(cfg.MDNSServiceName, cfg.Port, n.Wallet(), n, log)
		g.Go(func() error { return mdns.Run(ctx) })
	}
	if cfg.ScanSubnet {
		g.Go(func() error {
			if _, err := scanner.Discover(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("subnet scan failed", zap.Error(err))
			}
			return nil
		})
	}
	log.Info("node running",
		zap.String("wallet", n.Wallet()),
		zap.String("address", n.Address().String()),
		zap.String("http", cfg.ListenAddr()))

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func keygenCommand() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "keygen [key-file]",
		Short: "Generates an ed25519 node key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := config.Default().KeyFile
			if len(args) == 1 {
				path = args[0]
			}
			id, err := identity.Generate(path, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "key written to %s\nwallet %s\n", path, id.Wallet())
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	return c
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		Run: func(c *cobra.Command, _ []string) {
			fmt.Fprintln(c.OutOrStdout(), types.Version)
		},
	}
}

// resolvePort lets the PORT environment variable override the configured
// port.
func resolvePort(defaultPort int) int {
	portStr := os.Getenv("PORT")
	if portStr == "" {
		return defaultPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid PORT value %q, using %d\n", portStr, defaultPort)
		return defaultPort
	}

	return port
}

func ensurePortAvailable(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return listener.Close()
}

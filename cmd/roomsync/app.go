// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/config"
	"github.com/bureau-foundation/roomsync/lib/coordinator"
	"github.com/bureau-foundation/roomsync/lib/metrics"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/syncstore"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

// app carries the process-wide inputs and outputs so tests can run the
// command tree in-process.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// configPath is bound to every command's --config flag.
	configPath string

	// newContext returns the context a command runs under. The default
	// is cancelled by SIGINT or SIGTERM.
	newContext func() (context.Context, context.CancelFunc)

	// logger, when set, replaces the logger built from the config.
	logger *slog.Logger
}

func newApp() *app {
	return &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		newContext: func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		},
	}
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name: "roomsync",
		Description: `roomsync: Matrix room sync and delivery.

Keeps a local copy of your rooms' timelines, resumes sync from where it
stopped, and delivers outgoing messages exactly once: messages written
while offline are queued on disk and sent when the homeserver is
reachable again.`,
		Output: a.stderr,
		Subcommands: []*cli.Command{
			a.loginCommand(),
			a.logoutCommand(),
			a.statusCommand(),
			a.sendCommand(),
			a.tailCommand(),
			a.chatCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Log in (prompts for the password)",
				Command:     "roomsync login --homeserver https://matrix.example.org alice",
			},
			{
				Description: "Send a message, queued if the homeserver is unreachable",
				Command:     "roomsync send '!abc:example.org' 'deploy finished'",
			},
			{
				Description: "Follow every joined room as JSON lines",
				Command:     "roomsync tail --json",
			},
			{
				Description: "Open the interactive chat view",
				Command:     "roomsync chat '!abc:example.org'",
			},
		},
	}
}

// addConfigFlag registers --config on flagSet.
func (a *app) addConfigFlag(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&a.configPath, "config", "", "config file (default: $ROOMSYNC_CONFIG, else built-in defaults)")
}

// loadConfig reads --config, else ROOMSYNC_CONFIG, else the built-in
// defaults, then validates it and creates the state directories.
func (a *app) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case a.configPath != "":
		cfg, err = config.LoadFile(a.configPath)
	case os.Getenv("ROOMSYNC_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.Validation("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, cli.Internal("%w", err)
	}
	return cfg, nil
}

func (a *app) commandLogger(cfg *config.Config, command string) *slog.Logger {
	logger := a.logger
	if logger == nil {
		logger = cli.NewCommandLogger(cfg.LogLevel(), cfg.Log.Format)
	}
	return logger.With("command", command)
}

// runtime is a started coordinator and everything it holds open.
type runtime struct {
	config      *config.Config
	logger      *slog.Logger
	store       *syncstore.Store
	coordinator *coordinator.Coordinator
	session     savedSession
	metrics     *metrics.Metrics
	metricsStop func()
}

// startOptions adjust how a command's coordinator is built.
type startOptions struct {
	// rooms overrides the configured room list.
	rooms []ref.RoomID
	// logger overrides the command logger (chat routes logs to its
	// status line).
	logger *slog.Logger
}

// start builds a runtime and starts its coordinator. The caller must
// Close the runtime.
func (a *app) start(ctx context.Context, cfg *config.Config, logger *slog.Logger, options startOptions) (*runtime, error) {
	r, err := a.build(ctx, cfg, logger, options)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Listen != "" {
		stop, err := serveMetrics(cfg.Metrics.Listen, r.metrics, r.logger)
		if err != nil {
			r.Close()
			return nil, cli.Validation("metrics: %w", err)
		}
		r.metricsStop = stop
	}
	if err := r.coordinator.Start(ctx); err != nil {
		r.Close()
		if transport.IsAuthError(err) {
			return nil, cli.Auth("the homeserver rejected the saved session; run 'roomsync login' again: %w", err)
		}
		return nil, cli.Classify(err)
	}
	return r, nil
}

// build loads the saved session, opens the store and creates a
// coordinator without starting it.
func (a *app) build(ctx context.Context, cfg *config.Config, logger *slog.Logger, options startOptions) (*runtime, error) {
	if options.logger != nil {
		logger = options.logger
	}

	saved, err := loadSession(cfg)
	if err != nil {
		return nil, err
	}

	filter, err := cfg.SyncFilter()
	if err != nil {
		return nil, cli.Validation("%w", err)
	}

	rooms := options.rooms
	if len(rooms) == 0 {
		for _, raw := range cfg.Rooms {
			roomID, err := ref.ParseRoomID(raw)
			if err != nil {
				return nil, cli.Validation("config rooms: %w", err)
			}
			rooms = append(rooms, roomID)
		}
	}

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: saved.Homeserver, Logger: logger})
	if err != nil {
		return nil, cli.Internal("%w", err)
	}

	store, err := syncstore.Open(ctx, syncstore.Config{Path: cfg.Paths.Database, Logger: logger})
	if err != nil {
		return nil, cli.Internal("opening state database: %w", err)
	}

	cacheEvents := cfg.Sync.CacheEvents
	if cacheEvents == 0 {
		cacheEvents = -1
	}

	collectors := metrics.New()
	coord, err := coordinator.New(coordinator.Config{
		Client: client,
		Credentials: transport.Credentials{
			UserID:      saved.UserID,
			DeviceID:    saved.DeviceID,
			AccessToken: saved.AccessToken,
		},
		Rooms:             rooms,
		Store:             store,
		Filter:            filter,
		PollTimeout:       cfg.Sync.PollTimeout,
		SyncBackoff:       cfg.SyncBackoff(),
		DeliveryRetry:     cfg.DeliveryRetry(),
		SendRate:          cfg.SendLimit(),
		SendBurst:         cfg.Delivery.SendBurst,
		MaxMediaBytes:     cfg.Delivery.MaxMediaBytes,
		FingerprintWindow: cfg.Delivery.FingerprintWindow,
		CacheEvents:       cacheEvents,
		Logger:            logger,
		Metrics:           collectors,
	})
	if err != nil {
		store.Close()
		return nil, cli.Internal("%w", err)
	}

	r := &runtime{
		config:      cfg,
		logger:      logger,
		store:       store,
		coordinator: coord,
		session:     saved,
		metrics:     collectors,
		metricsStop: func() {},
	}
	return r, nil
}

// Close stops the coordinator, then the metrics endpoint and the store.
func (r *runtime) Close() error {
	err := r.coordinator.Close()
	r.metricsStop()
	return errors.Join(err, r.store.Close())
}

// metricsShutdownTimeout bounds the metrics server's graceful shutdown.
const metricsShutdownTimeout = 5 * time.Second

// serveMetrics exposes collectors on address until the returned stop
// function is called.
func serveMetrics(address string, collectors *metrics.Metrics, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collectors.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}

// parseRoomArgs parses room ID arguments.
func parseRoomArgs(args []string) ([]ref.RoomID, error) {
	rooms := make([]ref.RoomID, 0, len(args))
	for _, raw := range args {
		roomID, err := ref.ParseRoomID(raw)
		if err != nil {
			return nil, cli.Validation("%w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

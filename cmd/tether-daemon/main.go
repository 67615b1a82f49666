// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/credstore"
	"github.com/tether-foundation/tether/lib/sessionindex"
	"github.com/tether-foundation/tether/lib/version"
	"github.com/tether-foundation/tether/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tether-daemon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.String("config", "", "path to the configuration file (defaults to $TETHER_CONFIG)")
		scopeID     = pflag.String("scope", "", "machine scope to connect as (defaults to the sole paired scope)")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, err := credstore.Open(cfg.Paths.Credentials)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	bundle, err := pickScope(store, *scopeID)
	if err != nil {
		return err
	}
	key, err := bundle.Key()
	if err != nil {
		return fmt.Errorf("scope %s: %w", bundle.ScopeID, err)
	}
	variant, err := bundle.SealVariant()
	if err != nil {
		return fmt.Errorf("scope %s: %w", bundle.ScopeID, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	index := sessionindex.New(filepath.Join(cfg.Paths.State, "sessions.json"), sessionindex.Options{
		MaxRecords: cfg.Sessions.MaxRecords,
		MaxAge:     cfg.SessionMaxAge(),
		Clock:      clk,
	})

	daemon := newDaemon(nil, cfg, bundle.ScopeID, index, clk, logger, stop)

	conn, err := relay.NewConn(relay.Config{
		Scope: relay.Scope{
			ID:         bundle.ScopeID,
			Key:        key,
			Variant:    variant,
			ClientType: relay.ClientTypeMachine,
		},
		Credentials:       relay.Credentials{BearerToken: bundle.BearerToken},
		URL:               cfg.Relay.URL,
		KeepAliveInterval: cfg.KeepAliveInterval(),
		SnapshotSlot:      relay.SlotDaemonState,
		Snapshot:          daemon.stateUpdater("running"),
		OnStateChange: func(state relay.State) {
			logger.Info("connection state changed", "state", state)
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("building relay connection: %w", err)
	}
	daemon.conn = conn

	if err := daemon.registerHandlers(ctx); err != nil {
		return err
	}

	logger.Info("tether-daemon starting",
		"version", version.Short(),
		"scope", bundle.ScopeID,
		"relay", cfg.Relay.URL,
		"pid", os.Getpid(),
	)

	// The connection runs on its own context: termination goes through
	// Shutdown so the final state write below still has a live
	// synchronizer to go through.
	runDone := make(chan error, 1)
	go func() {
		runDone <- conn.Run(context.Background())
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	daemon.stopAllSessions()
	if confirmed := daemon.shutdownWrite(context.Background()); !confirmed {
		logger.Warn("exiting without confirmed shutdown state write")
	}
	conn.Shutdown()
	runErr := <-runDone

	logger.Info("tether-daemon stopped")
	return runErr
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// pickScope resolves which paired scope this daemon serves. With no
// --scope flag the store must contain exactly one bundle.
func pickScope(store *credstore.Store, scopeID string) (*credstore.Bundle, error) {
	if scopeID != "" {
		bundle, err := store.Load(scopeID)
		if err != nil {
			return nil, fmt.Errorf("loading scope %s: %w", scopeID, err)
		}
		return bundle, nil
	}

	scopes, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("listing paired scopes: %w", err)
	}
	switch len(scopes) {
	case 0:
		return nil, fmt.Errorf("no paired scopes; pair this machine first")
	case 1:
		return store.Load(scopes[0])
	default:
		return nil, fmt.Errorf("multiple paired scopes %v; pass --scope", scopes)
	}
}

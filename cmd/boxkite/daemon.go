package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/daemon"
	"github.com/boxkite-io/boxkite/internal/dashboard"
	"github.com/boxkite-io/boxkite/internal/netmon"
	"github.com/boxkite-io/boxkite/internal/spool"
	"github.com/boxkite-io/boxkite/internal/syncer"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the long-lived sync process.

The daemon watches connectivity and drains the queue automatically when the
device comes online, ingests actions dropped into the spool directory by
other processes, retries deferred failures on an interval, and (unless
disabled) serves a local WebSocket dashboard with live status.

Logs rotate in the data directory.

Example usage:
  boxkite daemon                    # run with config defaults
  boxkite daemon --no-dashboard     # skip the local dashboard`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logOut := io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogPath(),
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		})
		logger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		store := openStore(cfg)
		defer store.Close()

		client, _ := newAPIClient(cfg)

		prober, err := netmon.NewDialProber(cfg.BaseURL, cfg.ProbeTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		monitor, err := netmon.New(prober, netmon.Config{
			PollInterval: cfg.PollInterval,
			HoldDown:     cfg.HoldDown,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// The dashboard needs the engine for status reads and the engine
		// broadcasts through the dashboard, so wire via a closure.
		var dash *dashboard.Server

		engine, err := syncer.New(store, client, monitor, syncer.Config{
			MaxAttempts: cfg.MaxAttempts,
			Logger:      logger("[syncer] "),
			OnChange: func() {
				if dash != nil {
					dash.BroadcastStatus(context.Background())
				}
			},
			OnAction: func(actionID int64, resource, change string) {
				if dash != nil {
					dash.BroadcastActionUpdate(dashboard.ActionUpdateData{
						ActionID: actionID,
						Resource: resource,
						Change:   change,
					})
				}
			},
			OnSyncComplete: func(processed, failed, remaining int, took time.Duration) {
				if dash != nil {
					dash.BroadcastSyncComplete(dashboard.SyncCompleteData{
						Processed: processed,
						Failed:    failed,
						Remaining: remaining,
						Duration:  took,
					})
				}
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		if cfg.DashboardEnabled && !noDashboard {
			dash = dashboard.NewServer(engine, &dashboard.Config{
				Port:   cfg.DashboardPort,
				Logger: logger("[dashboard] "),
			})
		}

		spoolWatcher, err := spool.New(cfg.SpoolDir(), store, &spool.Config{
			Logger: logger("[spool] "),
			OnEnqueue: func(a *action.PendingAction) {
				if dash != nil {
					dash.BroadcastActionUpdate(dashboard.ActionUpdateData{
						ActionID: a.ID,
						Resource: a.ResourceKey(),
						Change:   "enqueued",
					})
				}
				engine.Trigger()
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(store, monitor, engine, spoolWatcher, dash, &daemon.Config{
			SyncInterval: cfg.SyncInterval,
			Logger:       logger("[daemon] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("boxkite daemon running (data: %s)\n", cfg.DataDir)
		if dash != nil {
			fmt.Printf("Dashboard: http://127.0.0.1:%d/status\n", cfg.DashboardPort)
		}

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the local dashboard")

	rootCmd.AddCommand(daemonCmd)
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/boxkite-io/boxkite/internal/config"
	"github.com/boxkite-io/boxkite/internal/netmon"
	"github.com/boxkite-io/boxkite/internal/queue"
	"github.com/boxkite-io/boxkite/internal/syncer"
	"github.com/boxkite-io/boxkite/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the queue against the backend now",
	Long: `Attempt to deliver every queued action to the backend, in order.

Safe to run at any time: while offline the command is a no-op, and a drain
already in progress (e.g. in the daemon) absorbs the trigger.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		engine := buildEngine(cmd.Context(), cfg, store)

		if err := engine.Sync(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printStatus(cmd.Context(), engine)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		engine := buildEngine(cmd.Context(), cfg, store)
		printStatus(cmd.Context(), engine)
	},
}

// probeConnectivity answers IsOnline with a live probe. One-shot commands
// have no monitor running, so each check dials the backend directly.
type probeConnectivity struct {
	prober netmon.Prober
}

func (c probeConnectivity) IsOnline() bool {
	return c.prober.Probe(context.Background())
}

// buildEngine wires a sync engine for one-shot CLI use.
func buildEngine(ctx context.Context, cfg *config.Config, store *queue.Store) *syncer.Engine {
	client, _ := newAPIClient(cfg)

	prober, err := netmon.NewDialProber(cfg.BaseURL, cfg.ProbeTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// One-shot commands also apply the crash recovery rule, so a queue
	// stranded by a killed process drains correctly from the CLI. The
	// daemon may be running against the same database, so only rows in
	// flight far longer than any single delivery attempt are reclaimed.
	if _, err := store.RecoverInFlight(ctx, 2*cfg.APITimeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	engine, err := syncer.New(store, client, probeConnectivity{prober}, syncer.Config{
		MaxAttempts: cfg.MaxAttempts,
		Logger:      quietLogger(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return engine
}

// printStatus renders the derived status facade.
func printStatus(ctx context.Context, engine *syncer.Engine) {
	st, err := engine.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	online := ui.RenderError("offline")
	if st.IsOnline {
		online = ui.RenderOK("online")
	}

	fmt.Printf("Connectivity: %s\n", online)
	fmt.Printf("Pending:      %d action(s)\n", st.PendingActions)
	fmt.Printf("Last sync:    %s\n", st.LastSync)
	if !st.LastSyncedAt.IsZero() {
		fmt.Printf("Synced at:    %s\n", ui.RenderDim(st.LastSyncedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if st.AuthRequired {
		fmt.Printf("%s\n", ui.RenderError("Sign-in required: run 'boxkite login'"))
	}
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}

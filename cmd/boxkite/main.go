// Command boxkite is the offline-first sync client for the boxkite backend.
//
// Mutations performed while offline are recorded in a durable local queue
// and replayed against the backend, in order, once connectivity returns.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/boxkite-io/boxkite/internal/api"
	"github.com/boxkite-io/boxkite/internal/config"
	"github.com/boxkite-io/boxkite/internal/creds"
	"github.com/boxkite-io/boxkite/internal/queue"
	"github.com/spf13/cobra"
)

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:   "boxkite",
	Short: "Offline-first client for boxkite tasks and containers",
	Long: `boxkite keeps working while you are disconnected.

Every create, update, or delete is recorded in a durable local queue and
delivered to the backend in order once connectivity returns. Use 'boxkite
daemon' for automatic syncing, or 'boxkite sync' to drain the queue by hand.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"data directory (default ~/.boxkite, env BOXKITE_DATA_DIR)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "actions", Title: "Queue actions:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "auth", Title: "Authentication:"},
	)
}

// loadConfig resolves configuration with the --data-dir override applied.
func loadConfig() *config.Config {
	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the durable queue, exiting on failure.
func openStore(cfg *config.Config) *queue.Store {
	store, err := queue.Open(cfg.QueuePath(), quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
		os.Exit(1)
	}

	if err := store.InitSchema(rootCmd.Context()); err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Error initializing queue: %v\n", err)
		os.Exit(1)
	}

	return store
}

// newAPIClient builds the backend mutation client over stored credentials.
func newAPIClient(cfg *config.Config) (*api.Client, *creds.FileStore) {
	credStore := creds.NewFileStore(cfg.DataDir)

	client, err := api.NewClient(api.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.APITimeout,
	}, credStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	return client, credStore
}

// quietLogger keeps library chatter out of one-shot CLI output.
func quietLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

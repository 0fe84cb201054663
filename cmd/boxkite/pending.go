package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/queue"
	"github.com/boxkite-io/boxkite/internal/ui"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "actions",
	Short:   "List queued actions",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		actions, err := store.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return
		}

		for _, a := range actions {
			fmt.Printf("%s  %-6s  %-24s  %s  %s\n",
				ui.RenderAccent(fmt.Sprintf("#%-4d", a.ID)),
				a.Operation,
				a.ResourceKey(),
				renderStatus(a),
				ui.RenderDim(a.CreatedAt.Local().Format("2006-01-02 15:04")))
			if a.LastError != "" {
				fmt.Printf("       %s\n", ui.RenderDim(a.LastError))
			}
		}
	},
}

// renderStatus colors the delivery state, with attempt counts for retries.
func renderStatus(a *action.PendingAction) string {
	switch a.Status {
	case action.StatusFailed:
		return ui.RenderError("failed")
	case action.StatusInFlight:
		return ui.RenderWarn("in flight")
	default:
		if a.Attempts > 0 {
			return ui.RenderWarn(fmt.Sprintf("pending (%d attempts)", a.Attempts))
		}
		return ui.RenderWarn("pending")
	}
}

var retryCmd = &cobra.Command{
	Use:     "retry <id>",
	GroupID: "actions",
	Short:   "Reset a failed action for another delivery attempt",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseActionID(args[0])

		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		if err := store.Retry(cmd.Context(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Action #%d will be retried on the next sync\n", ui.RenderOK("✓"), id)
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard <id>",
	GroupID: "actions",
	Short:   "Permanently drop a failed action",
	Long: `Permanently drop a failed action from the queue.

Only failed actions can be discarded. The change it represented is lost;
the backend will never see it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseActionID(args[0])

		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		a, err := store.Get(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		force, _ := cmd.Flags().GetBool("force")
		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Discard action #%d (%s %s)?", a.ID, a.Operation, a.ResourceKey())).
				Description("The queued change will be lost permanently.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Cancelled.")
				return
			}
		}

		if err := store.Discard(cmd.Context(), id); err != nil {
			if errors.Is(err, queue.ErrNotFailed) {
				fmt.Fprintf(os.Stderr, "Error: action #%d is not failed; only failed actions can be discarded\n", id)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Discarded action #%d\n", ui.RenderOK("✓"), id)
	},
}

func parseActionID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid action id %q\n", arg)
		os.Exit(1)
	}
	return id
}

func init() {
	discardCmd.Flags().Bool("force", false, "skip the confirmation prompt")

	rootCmd.AddCommand(pendingCmd, retryCmd, discardCmd)
}

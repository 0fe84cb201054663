package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/boxkite-io/boxkite/internal/action"
	"github.com/boxkite-io/boxkite/internal/ui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:     "add <kind>",
	GroupID: "actions",
	Short:   "Queue creation of a resource",
	Long: `Queue creation of a backend resource (e.g. task, container).

The resource body is read from --payload or stdin. A resource id is assigned
client-side so later offline updates can reference the resource before the
backend has ever seen it.

Example:
  boxkite add task --payload '{"title":"Pack the garage"}'
  cat container.json | boxkite add container`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		payload := readPayload(cmd)

		a := &action.PendingAction{
			ResourceKind: args[0],
			ResourceID:   uuid.NewString(),
			Operation:    action.OpCreate,
			Payload:      payload,
			CreatedAt:    time.Now().UTC(),
		}

		enqueue(cmd, a)
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <kind> <id>",
	GroupID: "actions",
	Short:   "Queue an update to a resource",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := &action.PendingAction{
			ResourceKind: args[0],
			ResourceID:   args[1],
			Operation:    action.OpUpdate,
			Payload:      readPayload(cmd),
			CreatedAt:    time.Now().UTC(),
		}

		enqueue(cmd, a)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <kind> <id>",
	GroupID: "actions",
	Short:   "Queue deletion of a resource",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := &action.PendingAction{
			ResourceKind: args[0],
			ResourceID:   args[1],
			Operation:    action.OpDelete,
			CreatedAt:    time.Now().UTC(),
		}

		enqueue(cmd, a)
	},
}

// readPayload takes the body from --payload, or stdin when the flag is unset.
func readPayload(cmd *cobra.Command) []byte {
	payload, _ := cmd.Flags().GetString("payload")
	if payload != "" {
		return []byte(payload)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading payload from stdin: %v\n", err)
		os.Exit(1)
	}
	return data
}

// enqueue validates and stores the action, then reports the queue depth.
func enqueue(cmd *cobra.Command, a *action.PendingAction) {
	cfg := loadConfig()
	store := openStore(cfg)
	defer store.Close()

	id, err := store.Enqueue(cmd.Context(), a)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	count, err := store.Count(cmd.Context())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Queued %s %s as action %s (%d pending)\n",
		ui.RenderOK("✓"), a.Operation, a.ResourceKey(), ui.RenderAccent(fmt.Sprintf("#%d", id)), count)
	if a.Operation == action.OpCreate {
		fmt.Printf("  Resource id: %s\n", ui.RenderDim(a.ResourceID))
	}
}

func init() {
	addCmd.Flags().String("payload", "", "JSON body of the resource (default: read stdin)")
	updateCmd.Flags().String("payload", "", "JSON body of the update (default: read stdin)")

	rootCmd.AddCommand(addCmd, updateCmd, deleteCmd)
}

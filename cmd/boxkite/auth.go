package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/boxkite-io/boxkite/internal/creds"
	"github.com/boxkite-io/boxkite/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:     "login <user-id>",
	GroupID: "auth",
	Short:   "Store the identity used for sync requests",
	Long: `Store the identity the sync engine attaches to every mutation.

The access token is prompted for without echo. Until a valid identity is
stored, every sync attempt reports that sign-in is required.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		fmt.Print("Access token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
			os.Exit(1)
		}

		token := strings.TrimSpace(string(tokenBytes))
		if token == "" {
			fmt.Fprintln(os.Stderr, "Error: token cannot be empty")
			os.Exit(1)
		}

		store := creds.NewFileStore(cfg.DataDir)
		if err := store.Save(creds.Credentials{UserID: args[0], Token: token}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Signed in as %s\n", ui.RenderOK("✓"), ui.RenderAccent(args[0]))
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "auth",
	Short:   "Forget the stored identity",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		store := creds.NewFileStore(cfg.DataDir)
		if err := store.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Signed out. Queued actions are kept and will sync after the next login.")
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

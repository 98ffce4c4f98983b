package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid
	// arguments, bad configuration).
	ExitCodeError = 1
)

// rootCmd is the base command for the tollgate application.
var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "OAuth gateway for remote MCP servers",
	Long: `tollgate brokers OAuth 2.0 authorization between users and remote
MCP servers. It runs the authorization-code flow with PKCE on the
user's behalf, stores and refreshes the resulting tokens, and keeps
per-user connections to the backends alive.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tollgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

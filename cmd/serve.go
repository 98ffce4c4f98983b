package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tollgate/internal/config"
	"tollgate/internal/gateway"
	"tollgate/pkg/logging"
)

// serveConfigPath points at the configuration file. When unset, the default
// location is tried and a missing file falls back to built-in defaults.
var serveConfigPath string

// serveDebug enables verbose logging across the application.
var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the gateway: the OAuth connect and callback endpoints, the
token store, and the background reconnection machinery.

Configuration is read from --config (default ` + config.DefaultPath + `),
then overridden by TOLLGATE_* environment variables. The server catalog
referenced by the configuration lists the remote MCP servers and their
OAuth settings.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveDebug {
		cfg.Debug = true
	}

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	srv, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath, "Path to the configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}

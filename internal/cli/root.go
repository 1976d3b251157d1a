package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/api"
	"github.com/valter-silva-au/obscore/internal/config"
	"github.com/valter-silva-au/obscore/pkg/models"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// DefaultServerURL is used when neither --server nor OBSCORE_SERVER is set.
const DefaultServerURL = "http://localhost:8080"

var (
	configFile string
	serverURL  string
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var rootCmd = &cobra.Command{
	Use:   "obscore",
	Short: "obscore - in-process observability core",
	Long: `obscore collects metrics, health checks, traces and logs from the services
of a platform, raises and escalates alerts, and serves the results over an
HTTP API, a Prometheus endpoint and an MCP server.

Run "obscore serve" to start the engines. Query commands such as
"obscore alerts" and "obscore dashboard" talk to a running server.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "obscore %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default is .obscore.yaml in the base path)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "URL of a running obscore server (env OBSCORE_SERVER)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads and validates the configuration selected by --config.
func loadConfig() (*models.Config, config.ConfigurationManager, error) {
	mgr := config.NewConfigurationManager(BasePath, configFile)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := mgr.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, mgr, nil
}

// resolveServerURL picks --server, then OBSCORE_SERVER, then the default.
func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("OBSCORE_SERVER"); env != "" {
		return env
	}
	return DefaultServerURL
}

func newClient() *api.Client {
	return api.NewClient(resolveServerURL(), 10*time.Second)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the observability engines and the HTTP API",
	Long: `Start the metrics, health, alerting, tracing and logs engines together with
the HTTP API and Prometheus exposition.

The process runs until interrupted (SIGINT or SIGTERM), then stops every
engine in reverse start order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Server.ListenAddr = serveListen
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPlatform(ctx, cfg, func(p Platform) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "obscore %s listening on %s\n", appVersion, cfg.Server.ListenAddr)
			<-ctx.Done()
			return nil
		})
	},
}

// runPlatform builds and starts the engines, runs fn, then stops them.
func runPlatform(ctx context.Context, cfg *models.Config, fn func(Platform) error) error {
	if NewPlatform == nil {
		return fmt.Errorf("platform not initialized")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	p, err := NewPlatform(cfg, logger)
	if err != nil {
		return fmt.Errorf("building platform: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	runErr := fn(p)
	if err := p.Stop(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override server.listen_addr (e.g. :9090)")
	rootCmd.AddCommand(serveCmd)
}

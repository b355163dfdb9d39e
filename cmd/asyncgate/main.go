package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asyncgate/asyncgate/pkg/api"
	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/instance"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
	"github.com/asyncgate/asyncgate/pkg/storage"
	"github.com/asyncgate/asyncgate/pkg/sweeper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	devMode    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "asyncgate",
	Short: "AsyncGate - task dispatch with a receipt ledger",
	Long: `AsyncGate is a multi-tenant task dispatch service. Agents post
tasks, workers claim them under time-bounded leases, and every state
change is recorded as a causally-linked receipt in an append-only
ledger. An agent that lost its memory can rebuild its outstanding
work from the open obligations in that ledger.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AsyncGate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "run with the in-memory store")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepOnceCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AsyncGate server",
	Long: `Run the API server, the Prometheus endpoint, and the background
lease-expiry sweeper in one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, store, cfg, err := buildEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		logger := log.WithComponent("main")

		sw := sweeper.New(eng, cfg.Sweep)
		sw.Start(cmd.Context())
		defer sw.Stop()

		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()

		srv := api.NewServer(eng, cfg, nil, nil)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	},
}

var sweepOnceCmd = &cobra.Command{
	Use:   "sweep-once",
	Short: "Run a single lease-expiry sweep pass and exit",
	Long: `Run one sweep tick against the configured database. Useful for
cron-style deployments and for draining an instance before shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, store, _, err := buildEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		swept, err := eng.ExpireLeasesTick(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Swept %d expired lease(s)\n", swept)
		return nil
	},
}

func buildEngine(ctx context.Context) (*engine.Engine, storage.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	instanceID := instance.Resolve(cfg.InstanceID)
	if err := instance.Validate(instanceID, cfg.Env); err != nil {
		return nil, nil, nil, err
	}

	var store storage.Store
	switch {
	case devMode || cfg.DatabaseURL == "":
		if cfg.Env != config.EnvDevelopment {
			return nil, nil, nil, fmt.Errorf("database_url is required in %s", cfg.Env)
		}
		store = storage.NewMemory()
	default:
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		store = pg
	}

	eng := engine.New(store, cfg, engine.SystemClock{}, engine.UUIDGen{}, instanceID)
	logger := log.WithComponent("main")
	logger.Info().
		Str("env", cfg.Env).
		Str("instance_id", instanceID).
		Msg("asyncgate starting")
	return eng, store, cfg, nil
}

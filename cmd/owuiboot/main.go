package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"owuiboot/internal/config"
	"owuiboot/internal/discovery"
	"owuiboot/internal/marker"
	"owuiboot/internal/metrics"
	"owuiboot/internal/orchestrator"
	"owuiboot/internal/seeder"
	"owuiboot/internal/store"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "owuiboot",
		Short:         "Startup bootstrap for Open WebUI containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Discover providers, seed defaults, then exec the application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap()
		},
	}

	var background bool
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Run a single seeding pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(background)
		},
	}
	seedCmd.Flags().BoolVar(&background, "background", false,
		"run with the long wait budget and serve health and metrics endpoints")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Run a single provider discovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover()
		},
	}

	root.AddCommand(runCmd, seedCmd, discoverCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	setupLogger(cfg.Log.Level)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return cfg, ctx, cancel, nil
}

func runBootstrap() error {
	cfg, ctx, cancel, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("db_path", cfg.DBPath).
		Str("overwrite_mode", cfg.Seed.OverwriteMode).
		Msg("starting owuiboot")

	o := &orchestrator.Orchestrator{
		Cfg:      cfg,
		Logger:   log.Logger,
		Discover: newDiscoveryRunner(cfg).Run,
		Seed:     newSeeder(cfg).Run,
		Spawn:    spawnBackgroundSeed,
		Exec: func() error {
			return execApp(cfg.AppEntrypoint)
		},
	}
	return o.Run(ctx)
}

func runSeed(background bool) error {
	cfg, ctx, cancel, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	budget := seeder.Budget{
		DBWait:   cfg.Wait.StartupMaxWait,
		UserWait: cfg.Wait.StartupMaxWait,
	}
	var srv *http.Server
	if background {
		// The background pass can outlive the foreground bootstrap by hours,
		// so it exposes its own health and metrics endpoints.
		budget = seeder.Budget{
			DBWait:   cfg.Wait.DBWaitTimeout,
			UserWait: cfg.Wait.MaxWait,
		}
		metrics.Global()
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.ListenAddr).Msg("background seeder http server started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	res, err := newSeeder(cfg).Run(ctx, budget)
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err != nil {
		return err
	}
	log.Info().
		Str("outcome", res.Outcome.String()).
		Int("users_updated", res.UsersUpdated).
		Int("chats_updated", res.ChatsUpdated).
		Msg("seeding pass finished")
	return nil
}

func runDiscover() error {
	cfg, ctx, cancel, err := setup()
	if err != nil {
		return err
	}
	defer cancel()

	res := newDiscoveryRunner(cfg).Run(ctx)
	log.Info().
		Str("outcome", res.Outcome.String()).
		Str("reason", res.Reason).
		Int("models", len(res.Models)).
		Msg("discovery pass finished")
	if res.Outcome == discovery.HardFailed && cfg.Policy.FailFast {
		return fmt.Errorf("discovery failed: %s", res.Reason)
	}
	return nil
}

func newDiscoveryRunner(cfg *config.Config) *discovery.Runner {
	return &discovery.Runner{
		Cfg:          cfg,
		Client:       discovery.NewClient(cfg.Discovery),
		Logger:       log.Logger,
		Metrics:      metrics.Global(),
		ReadExisting: readExistingConfig(cfg),
	}
}

func newSeeder(cfg *config.Config) *seeder.Seeder {
	return &seeder.Seeder{
		Cfg:     cfg,
		Marker:  marker.NewFileStore(cfg.MarkerPath),
		Logger:  log.Logger,
		Metrics: metrics.Global(),
	}
}

// readExistingConfig prefers the application's own config table so merges
// keep operator edits made through the UI. Before first launch neither the
// data store nor config.json exists and the merge starts from empty.
func readExistingConfig(cfg *config.Config) func(ctx context.Context) ([]byte, bool, error) {
	return func(ctx context.Context) ([]byte, bool, error) {
		if _, err := os.Stat(cfg.DBPath); err == nil {
			st, err := store.Open(ctx, cfg.DBPath)
			if err == nil {
				defer st.Close()
				if raw, ok, err := st.ReadConfigData(ctx); err == nil && ok {
					return raw, true, nil
				}
			}
		}
		raw, err := os.ReadFile(cfg.ConfigJSONPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return raw, true, nil
	}
}

// spawnBackgroundSeed launches a detached copy of this binary so the long
// seeding pass survives the exec handoff to the application.
func spawnBackgroundSeed(ctx context.Context) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, "seed", "--background")
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func execApp(entrypoint []string) error {
	if len(entrypoint) == 0 {
		log.Info().Msg("no application entrypoint configured; exiting after bootstrap")
		return nil
	}
	path, err := exec.LookPath(entrypoint[0])
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	return syscall.Exec(path, entrypoint, os.Environ())
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

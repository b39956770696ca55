package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/blobfetch/internal/config"
	"github.com/Sternrassler/blobfetch/pkg/dispatch"
	"github.com/Sternrassler/blobfetch/pkg/fetch"
	"github.com/Sternrassler/blobfetch/pkg/logging"
	"github.com/Sternrassler/blobfetch/pkg/report"
	"github.com/Sternrassler/blobfetch/pkg/server"
	"github.com/Sternrassler/blobfetch/pkg/targets"
	"github.com/Sternrassler/blobfetch/pkg/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("blobfetch failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)

	rootCmd := &cobra.Command{
		Use:   "blobfetch",
		Short: "Serve concurrent object-storage fetch batches over HTTP",
		Long: `blobfetch answers every GET / by acquiring a metadata-server token and
fetching a fixed list of objects with bounded concurrency, responding with the
total number of bytes received.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and target list without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}

			ids, err := targets.Load(cmd.Context(), cfg.Targets)
			if err != nil {
				return fmt.Errorf("load targets: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d targets, %d workers, strategy %s\n", len(ids), cfg.Workers, cfg.Strategy)
			return nil
		},
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single fetch batch and print the total",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.runOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "total bytes: %d\n", summary.TotalBytes)
			if summary.Failed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d fetches failed\n", summary.Failed, summary.Targets)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	pf.StringVar(&overrides.Listen, "listen", "", "Listen address (default 0.0.0.0:8080)")
	pf.StringVarP(&overrides.Targets, "targets", "t", "", "Target list: file path or <bucket-url>#<key> (default blobs.txt)")
	pf.IntVarP(&overrides.Workers, "workers", "w", 0, "Maximum concurrent fetches per batch (default 50)")
	pf.StringVar(&overrides.Strategy, "strategy", "", "Dispatch strategy: cursor, pool or future (default cursor)")
	pf.StringVar(&overrides.StorageURL, "storage-url", "", "Object-storage base URL")
	pf.StringVar(&overrides.MetadataURL, "metadata-url", "", "Metadata server base URL")
	pf.DurationVar(&overrides.FetchTimeout, "fetch-timeout", 0, "Timeout of a single object fetch")
	pf.DurationVar(&overrides.TokenTimeout, "token-timeout", 0, "Timeout of the token request")
	pf.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&overrides.LogPretty, "log-pretty", false, "Human-readable console logs")
	pf.StringVar(&overrides.RedisAddr, "redis-addr", "", "Redis address for batch reports (disabled when empty)")
	pf.IntVar(&overrides.ReportRetention, "report-retention", 0, "Number of batch reports kept in Redis (default 100)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(onceCmd)

	return rootCmd
}

// loadConfig applies .env, the YAML file, the environment and flag
// overrides in that order and validates the result.
func loadConfig(configPath string, overrides config.Config) (config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return config.Config{}, err
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(overrides)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	logging.Setup(cfg.LoggingConfig())
	return cfg, nil
}

// app wires the components of one blobfetch process.
type app struct {
	cfg        config.Config
	targets    []string
	tokens     *token.Provider
	dispatcher *dispatch.Dispatcher
	redis      *redis.Client
	reports    *report.Store
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	ids, err := targets.Load(ctx, cfg.Targets)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	log.Info().Int("targets", len(ids)).Str("source", cfg.Targets).Msgf("read %d URLs", len(ids))

	fetcher, err := fetch.New(cfg.FetchConfig())
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	tokens, err := token.NewProvider(cfg.TokenConfig())
	if err != nil {
		return nil, fmt.Errorf("create token provider: %w", err)
	}

	dispatchCfg, err := cfg.DispatchConfig()
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(fetcher, dispatchCfg)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	a := &app{
		cfg:        cfg,
		targets:    ids,
		tokens:     tokens,
		dispatcher: d,
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		a.reports = report.NewStore(a.redis, cfg.ReportRetention)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis for batch reports")
	}

	return a, nil
}

// Close releases the dispatcher and the Redis connection.
func (a *app) Close() {
	a.dispatcher.Close()
	if a.redis != nil {
		a.redis.Close()
	}
}

func (a *app) server() (*server.Server, error) {
	cfg := server.Config{
		Targets:    a.targets,
		Tokens:     a.tokens,
		Dispatcher: a.dispatcher,
	}
	if a.reports != nil {
		cfg.Reports = a.reports
		cfg.Ready = a.reports.Ping
	}
	return server.New(cfg)
}

// serve runs the HTTP server until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	srv, err := a.server()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", a.cfg.Listen).
			Int("workers", a.cfg.Workers).
			Str("strategy", a.cfg.Strategy).
			Msg("Starting blobfetch server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down blobfetch server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runOnce runs one batch outside the HTTP surface.
func (a *app) runOnce(ctx context.Context) (dispatch.Summary, error) {
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return dispatch.Summary{}, fmt.Errorf("fetch access token: %w", err)
	}

	start := time.Now()
	summary := dispatch.Summarize(a.dispatcher.Dispatch(ctx, a.targets, tok))

	if a.reports != nil {
		rep := report.NewReport(summary, start, time.Since(start), a.dispatcher.Config())
		if err := a.reports.Save(ctx, rep); err != nil {
			log.Warn().Err(err).Msg("failed to save batch report")
		}
	}
	return summary, nil
}

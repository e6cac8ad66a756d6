package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/target-api/internal/auth"
	"github.com/lsm/target-api/internal/batch"
	"github.com/lsm/target-api/internal/client"
	"github.com/lsm/target-api/internal/config"
	"github.com/lsm/target-api/internal/correlation"
	"github.com/lsm/target-api/internal/dispatch"
	"github.com/lsm/target-api/internal/dlq"
	"github.com/lsm/target-api/internal/observability"
	"github.com/lsm/target-api/internal/redact"
	"github.com/lsm/target-api/internal/retry"
	"github.com/lsm/target-api/internal/singer"
	"github.com/lsm/target-api/internal/sink"
	"github.com/lsm/target-api/internal/state"
	"github.com/lsm/target-api/internal/tracing"
)

const serviceName = "target-api"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StatePath   string
	MetricsAddr string

	// Lookup resolves URL template variables. If nil, os.Getenv is used.
	Lookup func(string) string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deliver records read from stdin",
		Long: `Read Singer SCHEMA, RECORD and STATE messages from stdin and deliver the
records to the configured endpoint.

The state file is read before the first record and written once after the
last stream has been drained, also when deliveries failed. The final state
is written to stdout as a STATE message.

Exit status is 1 when any delivery failed and 2 when the configuration is
invalid.

Example:
  tap-x | target-api run --config config.json --state state.json
  target-api run -c config.json --metrics-addr :9090 < records.jsonl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.StatePath, "state", "s", "", "path to the state file (read at start, written at end)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address serving /metrics, /healthz and /readyz (disabled when empty)")

	return cmd
}

func runTarget(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	runID := correlation.RunID()
	logger := observability.NewLogger(cmd.ErrOrStderr(), serviceName, observability.GetLogLevel(opts.LogLevel)).
		With("run_id", runID.Value)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthServer(runID.Value)
	if opts.MetricsAddr != "" {
		shutdown := serveMetrics(opts.MetricsAddr, health.Handler(reg), logger)
		defer shutdown()
	}

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig(serviceName, runID.Value), logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to initialize tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	masker := newMasker(cfg)
	provider, err := newProvider(ctx, cfg, opts.ConfigPath, logger, metrics, tracer, masker)
	if err != nil {
		return WrapExitError(ExitConfig, "invalid configuration", err)
	}

	httpClient := client.New(clientConfig(cfg),
		client.WithLogger(logger),
		client.WithMetrics(metrics),
		client.WithTracer(tracer),
		client.WithMasker(masker),
	)
	defer func() {
		_ = httpClient.Close()
	}()

	var dead *dlq.Handler
	if cfg.DeadLetterPath != "" {
		pub, err := dlq.NewFilePublisher(cfg.DeadLetterPath)
		if err != nil {
			return WrapExitError(ExitConfig, "invalid configuration", err)
		}
		dead = dlq.NewHandler(pub)
		defer func() {
			if err := dead.Close(); err != nil {
				logger.Warn("dead-letter close error", "error", err)
			}
		}()
	}

	store := &state.FileStore{Path: opts.StatePath, Nested: cfg.StreamingJob}
	prior := state.NewSnapshot()
	var persist dispatch.Store = discardStore{}
	if opts.StatePath != "" {
		if prior, err = store.Load(); err != nil {
			return WrapExitError(ExitFailure, "failed to load state", err)
		}
		persist = store
	}

	factory := func(stream string, bookmarks []state.Bookmark, summary state.Summary, reconcile func(state.StreamDelta)) (dispatch.Controller, error) {
		sinkOpts := []sink.Option{
			sink.WithReconciler(reconcile),
			sink.WithMasker(masker),
			sink.WithLogger(logger),
			sink.WithMetrics(metrics),
			sink.WithTracer(tracer),
		}
		if dead != nil {
			sinkOpts = append(sinkOpts, sink.WithDeadLetter(dead))
		}
		c, err := sink.New(sinkConfig(cfg, stream, runID.Value, opts.Lookup), httpClient, provider, bookmarks, summary, sinkOpts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	d := dispatch.New(factory, persist,
		dispatch.WithConcurrency(cfg.Concurrency()),
		dispatch.WithLogger(logger),
		dispatch.WithTracer(tracer),
	)

	logger.Info("target started",
		"run_id_source", runID.Source,
		"auth", cfg.AuthMode().String(),
		"batch", cfg.ProcessAsBatch,
		"concurrency", cfg.Concurrency(),
	)
	health.SetReady(true)
	final, runErr := d.Run(ctx, singer.NewReader(cmd.InOrStdin()), prior)
	health.SetReady(false)

	if final != nil {
		data, err := store.Encode(final)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to encode state", errors.Join(runErr, err))
		}
		if err := singer.WriteState(cmd.OutOrStdout(), data); err != nil {
			return WrapExitError(ExitFailure, "failed to emit state", errors.Join(runErr, err))
		}
		total := final.Total()
		logger.Info("target finished",
			"success", total.Success,
			"fail", total.Fail,
			"existing", total.Existing,
			"updated", total.Updated,
		)
	}

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, dispatch.ErrDeliveryFailures):
		return WrapExitError(ExitFailure, "delivery failed", runErr)
	default:
		return WrapExitError(ExitFailure, "run failed", runErr)
	}
}

// newMasker knows every configured secret and the headers that carry them.
func newMasker(cfg *config.Config) *redact.Masker {
	return redact.New(cfg.Secrets(), cfg.APIKeyHeader, "Authorization")
}

// newProvider builds the authenticator selected by the config. In token mode
// refreshed credentials are written back into the config file, and
// credentials written there by other processes are adopted.
func newProvider(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger, metrics *observability.Metrics, tracer trace.Tracer, masker *redact.Masker) (auth.HeaderProvider, error) {
	switch cfg.AuthMode() {
	case config.AuthToken:
		store, err := auth.NewTokenStore(auth.TokenStoreConfig{
			Endpoint:  cfg.AuthURL,
			AccessKey: cfg.AccessKey,
			Initial:   cfg.InitialCredential(time.Now()),
			Persister: &config.CredentialFile{Path: configPath},
		},
			auth.WithLogger(logger),
			auth.WithMetrics(metrics),
			auth.WithTracer(tracer),
			auth.WithMasker(masker),
		)
		if err != nil {
			return nil, err
		}
		watcher := config.NewWatcher(configPath, func(c auth.Credential) {
			if store.Offer(c) {
				logger.Info("adopted credential written by another process", "expires_at", c.ExpiresAt())
			}
		}, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
		return store, nil
	case config.AuthAPIKey:
		return auth.NewAPIKeyProvider(cfg.APIKeyHeader, cfg.APIKey)
	default:
		return auth.NoopProvider{}, nil
	}
}

func clientConfig(cfg *config.Config) client.Config {
	return client.Config{
		Timeout: cfg.Timeout,
		Retry: retry.Config{
			MaxAttempts:     cfg.MaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Breaker: client.BreakerConfig{
			FailureThreshold: cfg.CircuitBreakerThreshold,
			ResetTimeout:     cfg.CircuitBreakerReset,
		},
	}
}

func sinkConfig(cfg *config.Config, stream, runID string, lookup func(string) string) sink.Config {
	mode := sink.ModeSingle
	if cfg.ProcessAsBatch {
		mode = sink.ModeBatch
	}
	return sink.Config{
		Stream: stream,
		RunID:  runID,
		URL:    cfg.RenderURL(stream, lookup),
		Method: cfg.Method,
		Mode:   mode,
		Limits: batch.Limits{
			MaxCount: cfg.BatchSize,
			MaxBytes: cfg.MaxSizeInBytes,
		},
		Header:          cfg.Headers(),
		AddStreamKey:    cfg.AddStreamKey,
		Metadata:        cfg.Metadata,
		PostEmptyRecord: cfg.PostEmptyRecord,
		BatchIDField:    cfg.BatchIDField,
		ResponseIDPath:  cfg.ResponseIDPath,
	}
}

// serveMetrics starts the observability server and returns its shutdown.
func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
}

// discardStore is used when no state file is given; the state is still
// written to stdout.
type discardStore struct{}

func (discardStore) Save(*state.Snapshot) error { return nil }

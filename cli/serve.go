package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/agent"
	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/config"
	petalotel "github.com/petal-labs/petalrun/otel"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/server"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/tool"
)

// shutdownTimeout bounds graceful shutdown of HTTP and live runs.
const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides listen.port)")
	cmd.Flags().String("host", "", "Listen host (overrides listen.host)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides cors_origin)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database; empty keeps everything in memory")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

// applyServeFlags overrides config values with explicitly set flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Listen.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("host") {
		cfg.Listen.Host, _ = flags.GetString("host")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("sqlite-path") {
		cfg.SQLitePath, _ = flags.GetString("sqlite-path")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfig, "invalid config: %v", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log, verbose, quiet)
	if err != nil {
		return exitError(exitConfig, "configuring logging: %v", err)
	}
	if cfgPath != "" {
		logger.Info("loaded config", "path", cfgPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	addr := net.JoinHostPort(cfg.Listen.Host, strconv.Itoa(cfg.Listen.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           app.handler(maxBody),
		ReadHeaderTimeout: readTimeout,
		// No WriteTimeout: event streams stay open indefinitely.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("petalrun listening", "addr", addr, "store", app.storeKind)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = exitError(exitRuntime, "server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Runs end first so every stream sees its terminal event before the bus closes.
	if err := app.close(shutdownCtx, httpServer.Shutdown); err != nil && serveErr == nil {
		serveErr = exitError(exitRuntime, "shutdown error: %v", err)
	}
	return serveErr
}

// app is the wired server: store, bus, run registry, and telemetry.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     store.Store
	storeKind string
	bus       *bus.MemBus
	runs      *runtime.Registry
	tools     *tool.Registry
	telemetry *telemetry
}

// newApp wires every component from cfg.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	st, kind, err := openStore(cfg, logger)
	if err != nil {
		return nil, exitError(exitStore, "opening store: %v", err)
	}

	tools := tool.DefaultRegistry()
	stepper, err := newStepper(cfg.LLM, tools)
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitProvider, "%v", err)
	}

	tel, err := newTelemetry(ctx, cfg.OTel)
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitConfig, "%v", err)
	}
	metrics, err := petalotel.NewMetricsHandler(tel.meter())
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitRuntime, "initializing run metrics: %v", err)
	}
	tracing := petalotel.NewTracingHandler(tel.tracer())
	observer, err := petalotel.NewToolObserver(tel.meter(), tel.tracer())
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitRuntime, "initializing tool observability: %v", err)
	}

	b := bus.NewMemBus(bus.MemBusConfig{
		SubscriberBufferSize: cfg.Bus.SubscriberBuffer,
		HistorySize:          cfg.Bus.HistorySize,
		SeedSeq:              seedFromStore(st, logger),
	})

	runs := runtime.NewRegistry(runtime.RegistryConfig{
		Store:         st,
		Bus:           b,
		Stepper:       stepper,
		Tools:         tools,
		WrapExecutor:  observer.Wrap,
		Handler:       runtime.MultiEventHandler(metrics.Handle, tracing.Handle),
		Logger:        logger,
		MaxConcurrent: cfg.Runs.MaxConcurrent,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		storeKind: kind,
		bus:       b,
		runs:      runs,
		tools:     tools,
		telemetry: tel,
	}, nil
}

// handler returns the HTTP API handler.
func (a *app) handler(maxBody int64) http.Handler {
	return server.NewServer(server.ServerConfig{
		Store:           a.store,
		Bus:             a.bus,
		Runs:            a.runs,
		Tools:           a.tools,
		DefaultModel:    a.cfg.LLM.Model,
		DefaultMaxSteps: a.cfg.Runs.DefaultMaxSteps,
		MaxStepsLimit:   a.cfg.Runs.MaxStepsLimit,
		KeepAlive:       a.cfg.SSE.KeepAlive,
		CORSOrigin:      a.cfg.CORSOrigin,
		MaxBody:         maxBody,
		Logger:          a.logger,
	}).Handler()
}

// close stops live runs, then the HTTP server (if given), the bus,
// telemetry, and the store.
func (a *app) close(ctx context.Context, stopHTTP func(context.Context) error) error {
	var errs []error
	if err := a.runs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping runs: %w", err))
	}
	_ = a.bus.Close()
	if stopHTTP != nil {
		if err := stopHTTP(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping http server: %w", err))
		}
	}
	if err := a.telemetry.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing telemetry: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

func openStore(cfg config.Config, logger *slog.Logger) (store.Store, string, error) {
	if cfg.SQLitePath == "" {
		return store.NewMemStore(cfg.Retention.MaxAge), "memory", nil
	}
	st, err := store.NewSQLiteStore(store.SQLiteStoreConfig{
		DSN:           cfg.SQLitePath,
		RetentionAge:  cfg.Retention.MaxAge,
		PruneSchedule: cfg.Retention.PruneSchedule,
		Logger:        logger,
	})
	if err != nil {
		return nil, "", err
	}
	return st, "sqlite", nil
}

func newStepper(cfg config.LLMConfig, tools *tool.Registry) (runtime.Stepper, error) {
	if cfg.Provider == "" {
		return agent.RuleStepper{}, nil
	}
	return agent.NewProviderStepper(cfg.Provider, cfg.APIKey(), cfg.Model, tools)
}

// seedFromStore continues each session topic's ids after the last persisted
// event.
func seedFromStore(st store.Store, logger *slog.Logger) func(topic string) uint64 {
	return func(topic string) uint64 {
		sessionID, ok := runtime.SessionFromTopic(topic)
		if !ok {
			return 0
		}
		last, err := st.LatestEventID(context.Background(), sessionID)
		if err != nil {
			logger.Error("seeding topic sequence failed", "topic", topic, "error", err)
			return 0
		}
		return last
	}
}

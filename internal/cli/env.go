package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/webverify/internal/clock"
	"github.com/roach88/webverify/internal/config"
	"github.com/roach88/webverify/internal/metrics"
	"github.com/roach88/webverify/internal/pagesource"
	"github.com/roach88/webverify/internal/store"
	"github.com/roach88/webverify/internal/verify"
)

// env is what every command works against: the loaded config, the open
// engine database and the configured logger and output.
type env struct {
	cfg    *config.Config
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
	out    *OutputFormatter
}

func openEnv(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}

	level, err := cfg.Level()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), handlerOpts)
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), handlerOpts)
	}
	logger := slog.New(handler)

	// The store and the service share one clock: edit timestamps are
	// compared with attribute set timestamps.
	clk := clock.NewMonotonic()
	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path, store.WithClock(clk))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	return &env{
		cfg:    cfg,
		store:  st,
		clock:  clk,
		logger: logger,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose},
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}

// service starts a verification service over the env's database.
func (e *env) service(ctx context.Context) (*verify.Service, error) {
	connector := store.NewConnector()
	connector.Register(e.cfg.Identity(), e.store)
	svc, err := verify.New(ctx, connector, e.store,
		pagesource.New(pagesource.WithLogger(e.logger)),
		e.cfg.Service(),
		verify.WithClock(e.clock),
		verify.WithLogger(e.logger),
		verify.WithMetrics(metrics.New(prometheus.NewRegistry())))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start service", err)
	}
	return svc, nil
}

// fail reports err on the output and returns it with an exit code.
func (e *env) fail(message string, err error) error {
	if outErr := e.out.Error(err); outErr != nil {
		e.logger.Error("write error output", "error", outErr)
	}
	return WrapExitError(ExitFailure, message, err)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM or by the
// command's own context.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

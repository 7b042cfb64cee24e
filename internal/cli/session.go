package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/entityflow/internal/client"
	"github.com/roach88/entityflow/internal/config"
	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/samples"
	"github.com/roach88/entityflow/internal/store"
)

// session is an opened database with an engine and a client over it.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	engine   *engine.Engine
	client   *client.Client
	registry *prometheus.Registry
}

// loadConfig reads the environment and applies flag overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.Environment != nil {
		cfg, err = config.LoadFrom(o.Environment)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.DB != "" {
		cfg.DB = o.DB
	}
	return cfg, nil
}

// logger returns the diagnostic logger. It writes to the command's error
// stream so JSON output stays parseable.
func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	level := cfg.LogLevel
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openSession opens the configured database. Close it when done.
func (o *RootOptions) openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := o.logger(cmd, cfg)

	logger.Debug("opening database", "path", cfg.DB)
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	opts := append(cfg.EngineOptions(),
		engine.WithLogger(logger),
		engine.WithRegisterer(reg))
	eng := engine.New(st, samples.NewRegistry(), opts...)

	return &session{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		engine:   eng,
		client:   client.New(eng, client.WithLogger(logger)),
		registry: reg,
	}, nil
}

// start runs the engine in the background. The returned function stops it
// and waits for it to exit.
func (s *session) start(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- s.engine.Run(ctx)
	}()
	return func() error {
		cancel()
		err := <-done
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Close releases the database.
func (s *session) Close() error {
	return s.store.Close()
}

// closeSession closes s and folds its error into *errp.
func closeSession(s *session, errp *error) {
	if err := s.Close(); err != nil {
		*errp = multierr.Append(*errp, WrapExitError(ExitCommandError, "failed to close database", err))
	}
}

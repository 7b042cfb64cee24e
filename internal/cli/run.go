package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once        bool
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the entity engine",
		Long: `Start the entity engine on the configured database.

The engine picks up work left by earlier runs, then executes entity batches
until interrupted. With --once it processes everything that is due and exits.

Example:
  entityflow run --db ./entities.db
  entityflow run --db ./entities.db --metrics-addr :9090
  entityflow run --db ./entities.db --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "process due work and exit")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default $ENTITYFLOW_METRICS_ADDR)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) (err error) {
	s, err := opts.openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if opts.Once {
		if err := s.engine.Drain(parentCtx); err != nil {
			return WrapExitError(ExitFailure, "engine error", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No due work left.")
		return nil
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = s.cfg.MetricsAddr
	}
	if addr != "" {
		_, shutdown, serveErr := serveMetrics(ctx, s, addr)
		if serveErr != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", serveErr)
		}
		defer func() {
			err = multierr.Append(err, shutdown())
		}()
	}

	s.logger.Info("engine starting", "db", s.cfg.DB)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := s.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	s.logger.Info("engine stopped gracefully")
	return nil
}

// serveMetrics exposes the session registry on addr until shutdown is
// called. It returns the address it listens on.
func serveMetrics(ctx context.Context, s *session, addr string) (bound string, shutdown func() error, err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", ln.Addr().String())

	return ln.Addr().String(), func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}, nil
}

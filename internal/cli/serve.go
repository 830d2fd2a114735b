package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/evidence/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatcher over HTTP",
		Long: `Open the ledger and serve submit, replay, evidence and quote endpoints.

The server stops gracefully on SIGINT or SIGTERM.

Examples:
  nyx serve --db ./nyx.db
  nyx serve --config ./nyx.yaml --listen :9090
  NYX_VERIFY_ON_SUBMIT=true nyx serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) (err error) {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	addr := a.cfg.ListenAddr
	if opts.Listen != "" {
		addr = opts.Listen
	}

	srv := server.New(a.dispatcher, a.verifier, a.store,
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
	)
	a.logger.Info("serving",
		"addr", addr,
		"db", a.cfg.DBPath,
		"treasury", a.exec.Treasury(),
		"schedule_version", a.exec.Fees().Version(),
	)
	if err := srv.Run(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.logger.Info("server stopped")
	return nil
}

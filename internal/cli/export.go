package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <run_id>",
		Short: "Export a run's evidence bundle",
		Long: `Write the evidence bundle of a complete run: descriptor, seed, fee vector,
receipts, archived prior state and state hash. The bundle is enough to
re-verify the run offline with 'nyx replay --bundle'.

Examples:
  nyx export t1 --db ./nyx.db
  nyx export t1 --db ./nyx.db -o t1.evidence.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the bundle to a file instead of stdout")

	return cmd
}

func runExport(opts *ExportOptions, runID string, cmd *cobra.Command) (err error) {
	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	out := newFormatter(opts.RootOptions, cmd)
	run, err := a.store.LoadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return out.EngineError(engine.NewNotFound(runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load run", err)
	}
	b, err := evidence.NewBundle(run)
	if err != nil {
		return out.EngineError(engine.NewValidationError(runID, err))
	}

	if opts.Output == "" {
		return b.WriteJSON(cmd.OutOrStdout())
	}

	f, err := os.Create(opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create output file", err)
	}
	if err := b.WriteJSON(f); err != nil {
		_ = f.Close()
		return WrapExitError(ExitCommandError, "failed to write bundle", err)
	}
	if err := f.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to write bundle", err)
	}

	return out.Success(map[string]string{"run_id": runID, "path": opts.Output}, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %s to %s\n", runID, opts.Output)
	})
}

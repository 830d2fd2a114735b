package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	All    bool
	Bundle string
}

// ReplayResult holds the outcome of one replay invocation.
type ReplayResult struct {
	Reports    []replay.Report `json:"reports"`
	TotalRuns  int             `json:"total_runs"`
	Mismatches int             `json:"mismatches"`
	AllOK      bool            `json:"all_ok"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [run_id]",
		Short: "Recompute recorded evidence and compare",
		Long: `Re-execute recorded runs against their archived prior state and compare
the recomputed receipts, fee vector and state hash with what was recorded.

Exit codes:
  0 - Every replayed run reproduces
  1 - One or more runs do not reproduce
  2 - Command error (unknown run, database not found, etc.)

Examples:
  nyx replay t1 --db ./nyx.db
  nyx replay --all --db ./nyx.db --format json
  nyx replay --bundle ./t1.evidence.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "replay every complete run")
	cmd.Flags().StringVar(&opts.Bundle, "bundle", "", "verify an exported evidence bundle without a ledger")

	return cmd
}

func runReplay(opts *ReplayOptions, args []string, cmd *cobra.Command) (err error) {
	modes := 0
	for _, set := range []bool{len(args) == 1, opts.All, opts.Bundle != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return NewExitError(ExitCommandError, "exactly one of <run_id>, --all or --bundle is required")
	}

	out := newFormatter(opts.RootOptions, cmd)
	if opts.Bundle != "" {
		return replayBundle(opts, out)
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	var reports []replay.Report
	if opts.All {
		reports, err = a.verifier.VerifyAll(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to replay ledger", err)
		}
	} else {
		report, err := a.verifier.Replay(ctx, args[0])
		if err != nil {
			return out.EngineError(err)
		}
		reports = []replay.Report{report}
	}
	return outputReplay(out, reports)
}

func replayBundle(opts *ReplayOptions, out *OutputFormatter) error {
	f, err := os.Open(opts.Bundle)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open bundle", err)
	}
	defer f.Close()

	b, err := evidence.ReadBundle(f)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid bundle", err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	report, err := replay.NewVerifier(nil, exec).VerifyBundle(b)
	if err != nil {
		return out.EngineError(err)
	}
	return outputReplay(out, []replay.Report{report})
}

func outputReplay(out *OutputFormatter, reports []replay.Report) error {
	result := ReplayResult{Reports: reports, TotalRuns: len(reports), AllOK: true}
	for _, r := range reports {
		if !r.OK {
			result.Mismatches++
			result.AllOK = false
		}
	}

	err := out.Success(result, func(w io.Writer) {
		if len(reports) == 0 {
			fmt.Fprintln(w, "No complete runs in ledger.")
			return
		}
		for _, r := range reports {
			renderReport(w, r)
		}
		fmt.Fprintf(w, "\nReplay Summary: %d ok, %d mismatched, %d total\n",
			result.TotalRuns-result.Mismatches, result.Mismatches, result.TotalRuns)
	})
	if err != nil {
		return err
	}
	if !result.AllOK {
		return NewExitError(ExitFailure, fmt.Sprintf("%d run(s) do not replay", result.Mismatches))
	}
	return nil
}

func renderReport(w io.Writer, r replay.Report) {
	switch {
	case r.Error != "":
		fmt.Fprintf(w, "✗ %s: %s\n", r.RunID, r.Error)
	case r.OK:
		fmt.Fprintf(w, "✓ %s\n", r.RunID)
	default:
		fmt.Fprintf(w, "✗ %s\n", r.RunID)
		for _, d := range r.Diffs {
			fmt.Fprintf(w, "  %s: recorded %s, recomputed %s\n", d.Field, d.Recorded, d.Recomputed)
		}
	}
}

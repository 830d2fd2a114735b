package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/ir"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	RunID   string
	Seed    int64
	Payload string
	Sponsor string
	Verify  bool

	// RunIDs generates run ids when --run-id is omitted (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <module.action>",
		Short: "Submit an action against the local ledger",
		Long: `Submit one action through the dispatcher and print the run result.

Resubmitting the same run_id with the same inputs returns the recorded result
without executing again. A run_id without --run-id is a fresh UUIDv7.

Exit codes:
  0 - Run complete
  1 - Run rejected, run_id conflict or engine failure
  2 - Command error (invalid input, database, config)

Examples:
  nyx submit wallet.faucet --payload '{"to":"A","asset":"NYXT"}'
  nyx submit wallet.transfer --run-id t1 --seed 123 \
    --payload '{"from":"A","to":"B","amount":300,"asset":"NYXT"}'
  nyx submit wallet.transfer --sponsor S --verify --format json --payload '...'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "idempotency key (default: new UUIDv7)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "seed for the run's deterministic randomness")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "action payload as JSON")
	cmd.Flags().StringVar(&opts.Sponsor, "sponsor", "", "account that pays the fee instead of the payer")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay the run right after commit")

	return cmd
}

func runSubmit(opts *SubmitOptions, route string, cmd *cobra.Command) (err error) {
	desc, err := parseDescriptor(route, opts.Payload)
	if err != nil {
		return err
	}

	runID := opts.RunID
	if runID == "" {
		gen := opts.RunIDs
		if gen == nil {
			gen = engine.UUIDv7Generator{}
		}
		runID = gen.Generate()
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	out := newFormatter(opts.RootOptions, cmd)
	res, subErr := a.dispatcher.Submit(ctx, engine.Request{
		RunID:   runID,
		Seed:    opts.Seed,
		Module:  desc.Module,
		Action:  desc.Action,
		Payload: desc.Payload,
		Sponsor: opts.Sponsor,
		Verify:  opts.Verify,
	})
	if subErr != nil {
		if res.Status != "" && opts.Format != "json" {
			renderRunResult(out.Writer, res)
		}
		return out.EngineError(subErr)
	}

	if err := out.Success(res, func(w io.Writer) { renderRunResult(w, res) }); err != nil {
		return err
	}
	if res.ReplayOK != nil && !*res.ReplayOK {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s does not replay", res.RunID))
	}
	return nil
}

func renderRunResult(w io.Writer, res ir.RunResult) {
	fmt.Fprintf(w, "run %s: %s\n", res.RunID, res.Status)
	if res.Status == ir.StatusComplete {
		fmt.Fprintf(w, "  fee_total:  %d -> %s\n", res.FeeTotal, res.TreasuryAddress)
		fmt.Fprintf(w, "  state_hash: %s\n", res.StateHash)
		fmt.Fprintf(w, "  receipts:   %s\n", strings.Join(res.ReceiptHashes, ", "))
	}
	if res.ErrorCode != "" {
		fmt.Fprintf(w, "  error:      %s %s\n", res.ErrorCode, res.ErrorMessage)
	}
	if res.ReplayOK != nil {
		fmt.Fprintf(w, "  replay_ok:  %v\n", *res.ReplayOK)
	}
}

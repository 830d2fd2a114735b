package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/evidence/internal/fee"
	"github.com/roach88/evidence/internal/ir"
)

// QuoteOptions holds flags for the quote command.
type QuoteOptions struct {
	*RootOptions
	Payload string
}

// QuoteResult is the fee an action would be charged.
type QuoteResult struct {
	Route           string       `json:"route"`
	ScheduleVersion string       `json:"schedule_version"`
	FeeVector       ir.FeeVector `json:"fee_vector"`
	FeeTotal        int64        `json:"fee_total"`
	FeeAsset        string       `json:"fee_asset"`
}

// NewQuoteCommand creates the quote command.
func NewQuoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QuoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "quote <module.action>",
		Short: "Price an action without executing it",
		Long: `Print the fee vector the configured schedule charges for an action.

Nothing is opened or written; the ledger is not required.

Examples:
  nyx quote wallet.transfer --payload '{"from":"A","to":"B","amount":300,"asset":"NYXT"}'
  nyx quote chat.post --payload '{"channel":"general","sender":"C","body":"hi"}' --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuote(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "action payload as JSON")

	return cmd
}

func runQuote(opts *QuoteOptions, route string, cmd *cobra.Command) error {
	desc, err := parseDescriptor(route, opts.Payload)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	exec, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	out := newFormatter(opts.RootOptions, cmd)
	vector, err := exec.Quote(desc)
	if err != nil {
		return out.EngineError(err)
	}

	q := QuoteResult{
		Route:           desc.Route().String(),
		ScheduleVersion: exec.Fees().Version(),
		FeeVector:       vector,
		FeeTotal:        vector.Total(),
		FeeAsset:        exec.FeeAsset(),
	}
	return out.Success(q, func(w io.Writer) {
		fmt.Fprintf(w, "%s (schedule %s)\n", q.Route, q.ScheduleVersion)
		for _, c := range fee.Components {
			fmt.Fprintf(w, "  %-12s %d\n", c, q.FeeVector[c])
		}
		fmt.Fprintf(w, "  %-12s %d %s\n", "total", q.FeeTotal, q.FeeAsset)
	})
}

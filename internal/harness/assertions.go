package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/modules"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the harness ledger and
// returns one message per failure.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, a Assertion) error {
	switch a.Type {
	case AssertBalance:
		return assertBalance(ctx, h, a)
	case AssertTreasury:
		return assertTreasury(ctx, h, a)
	case AssertPartitionVersion:
		return assertPartitionVersion(ctx, h, a)
	case AssertRunCount:
		return assertRunCount(ctx, h, a)
	case AssertFeePositive:
		return assertFeePositive(ctx, h)
	case AssertReplayAll:
		return assertReplayAll(ctx, h)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertBalance(ctx context.Context, h *Harness, a Assertion) error {
	snap, err := h.store.Partition(ctx, modules.WalletKey(a.Account))
	if err != nil {
		return err
	}
	got := modules.Balance(snap.Data, a.Asset)
	if got != *a.Equals {
		return &AssertionError{
			Type:     AssertBalance,
			Expected: fmt.Sprintf("%s holds %d %s", a.Account, *a.Equals, a.Asset),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertTreasury(ctx context.Context, h *Harness, a Assertion) error {
	got, err := h.store.TreasuryBalance(ctx, h.exec.Treasury(), h.exec.FeeAsset())
	if err != nil {
		return err
	}
	if got != *a.Equals {
		return &AssertionError{
			Type:     AssertTreasury,
			Expected: fmt.Sprintf("treasury %s holds %d %s", h.exec.Treasury(), *a.Equals, h.exec.FeeAsset()),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertPartitionVersion(ctx context.Context, h *Harness, a Assertion) error {
	snap, err := h.store.Partition(ctx, ir.PartitionKey(a.Key))
	if err != nil {
		return err
	}
	if snap.Version != *a.Equals {
		return &AssertionError{
			Type:     AssertPartitionVersion,
			Expected: fmt.Sprintf("%s at version %d", a.Key, *a.Equals),
			Actual:   fmt.Sprintf("version %d", snap.Version),
		}
	}
	return nil
}

func assertRunCount(ctx context.Context, h *Harness, a Assertion) error {
	ids, err := h.store.ListRunIDs(ctx, ir.RunStatus(a.Status))
	if err != nil {
		return err
	}
	if int64(len(ids)) != *a.Equals {
		return &AssertionError{
			Type:     AssertRunCount,
			Expected: fmt.Sprintf("%d %s runs", *a.Equals, a.Status),
			Actual:   fmt.Sprintf("%d: %v", len(ids), ids),
		}
	}
	return nil
}

func assertFeePositive(ctx context.Context, h *Harness) error {
	ids, err := h.store.ListRunIDs(ctx, ir.StatusComplete)
	if err != nil {
		return err
	}
	for _, id := range ids {
		run, err := h.store.LoadRun(ctx, id)
		if err != nil {
			return err
		}
		if run.Result.FeeTotal <= 0 {
			return &AssertionError{
				Type:     AssertFeePositive,
				Expected: "fee_total > 0 for every complete run",
				Actual:   fmt.Sprintf("%s has fee_total %d", id, run.Result.FeeTotal),
			}
		}
	}
	return nil
}

func assertReplayAll(ctx context.Context, h *Harness) error {
	reports, err := h.verifier.VerifyAll(ctx)
	if err != nil {
		return err
	}
	var bad []string
	for _, r := range reports {
		switch {
		case r.Error != "":
			bad = append(bad, fmt.Sprintf("%s: %s", r.RunID, r.Error))
		case !r.OK:
			bad = append(bad, fmt.Sprintf("%s: %v", r.RunID, r.Fields()))
		}
	}
	if len(bad) > 0 {
		return &AssertionError{
			Type:     AssertReplayAll,
			Expected: "every complete run replays",
			Actual:   strings.Join(bad, "; "),
		}
	}
	return nil
}

package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/evidence/internal/ir"
)

// Snapshot renders the trace as canonical JSON for golden comparison.
func Snapshot(name string, trace []TraceEvent) ([]byte, error) {
	events := make(ir.Array, len(trace))
	for i, ev := range trace {
		obj := ir.Object{
			"step":   ir.Int(ev.Step),
			"kind":   ir.String(ev.Kind),
			"run_id": ir.String(ev.RunID),
		}
		if ev.Status != "" {
			obj["status"] = ir.String(ev.Status)
		}
		if ev.ErrorCode != "" {
			obj["error_code"] = ir.String(ev.ErrorCode)
		}
		if ev.Status == string(ir.StatusComplete) {
			obj["fee_total"] = ir.Int(ev.FeeTotal)
			obj["state_hash"] = ir.String(ev.StateHash)
			obj["receipt_hashes"] = stringArray(ev.ReceiptHashes)
		}
		if ev.OK != nil {
			obj["ok"] = ir.Bool(*ev.OK)
			obj["diffs"] = stringArray(ev.Diffs)
		}
		if ev.Field != "" {
			obj["field"] = ir.String(ev.Field)
		}
		events[i] = obj
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(name),
		"trace":         events,
	})
}

func stringArray(ss []string) ir.Array {
	out := make(ir.Array, len(ss))
	for i, s := range ss {
		out[i] = ir.String(s)
	}
	return out
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

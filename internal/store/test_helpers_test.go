package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/ir"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func balances(asset string, amount int64) ir.Object {
	return ir.Object{"balances": ir.Object{asset: ir.Int(amount)}}
}

// createTestCommit builds a complete transfer run of amount from A to B over
// the given prestate, with a fixed fee of 18.
func createTestCommit(t *testing.T, runID string, seq int64, pre []ir.PartitionSnapshot, post []ir.PartitionSnapshot) Commit {
	t.Helper()

	desc := ir.ActionDescriptor{
		Module: "wallet",
		Action: "transfer",
		Payload: ir.Object{
			"from": ir.String("A"), "to": ir.String("B"),
			"amount": ir.Int(300), "asset": ir.String("NYXT"),
		},
	}
	fees := ir.FeeVector{ir.FeeStateWrite: 10, ir.FeeCompute: 6, ir.FeeBandwidth: 2, ir.FeePrivacy: 0}

	ev, err := evidence.Build(evidence.Input{
		RunID: runID, Seed: 1, Action: desc, PostState: post,
		FeeVector: fees, Payer: "A", Counterparties: []string{"B"}, Treasury: "treasury",
	})
	if err != nil {
		t.Fatalf("evidence.Build() failed: %v", err)
	}
	inputHash, err := ir.InputHash(runID, 1, desc, "")
	if err != nil {
		t.Fatalf("InputHash() failed: %v", err)
	}

	postVersions := make(map[ir.PartitionKey]int64, len(post))
	for _, p := range post {
		postVersions[p.Key] = p.Version
	}

	return Commit{
		Run: ir.Run{
			RunID:           runID,
			Seq:             seq,
			Seed:            1,
			Action:          desc,
			Payer:           "A",
			InputHash:       inputHash,
			ActionHash:      ev.ActionHash,
			ScheduleVersion: "v1",
			FeeVector:       fees,
			Receipts:        ev.Receipts,
			PreState:        pre,
			PostVersions:    postVersions,
			Result: ir.RunResult{
				RunID:           runID,
				Status:          ir.StatusComplete,
				StateHash:       ev.StateHash,
				ReceiptHashes:   ev.ReceiptHashes(),
				FeeTotal:        fees.Total(),
				TreasuryAddress: "treasury",
			},
		},
		Post:     post,
		FeeAsset: "NYXT",
	}
}

// mustCommit commits c and returns the seq it was recorded at.
func mustCommit(t *testing.T, s *Store, c Commit) int64 {
	t.Helper()
	seq, err := s.CommitRun(context.Background(), c)
	if err != nil {
		t.Fatalf("CommitRun(%s) failed: %v", c.Run.RunID, err)
	}
	return seq
}

// mustReject records run as rejected and returns its seq.
func mustReject(t *testing.T, s *Store, run ir.Run) int64 {
	t.Helper()
	seq, err := s.RecordRejected(context.Background(), run)
	if err != nil {
		t.Fatalf("RecordRejected(%s) failed: %v", run.RunID, err)
	}
	return seq
}

func rejectedRun(runID string, seq int64) ir.Run {
	return ir.Run{
		RunID:     runID,
		Seq:       seq,
		Action:    ir.ActionDescriptor{Module: "chat", Action: "post"},
		InputHash: runID,
		Result:    ir.RunResult{RunID: runID, Status: ir.StatusRejected},
	}
}

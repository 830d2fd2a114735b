package evidence

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/roach88/evidence/internal/ir"
)

// Bundle is the exported evidence for one complete run: enough to re-run
// the replay check without access to the ledger.
type Bundle struct {
	RecordVersion   string                    `json:"record_version"`
	EngineVersion   string                    `json:"engine_version"`
	RunID           string                    `json:"run_id"`
	Seed            int64                     `json:"seed"`
	Action          ir.ActionDescriptor       `json:"action"`
	Sponsor         string                    `json:"sponsor,omitempty"`
	Payer           string                    `json:"payer"`
	InputHash       string                    `json:"input_hash"`
	ActionHash      string                    `json:"action_hash"`
	ScheduleVersion string                    `json:"schedule_version"`
	FeeVector       ir.FeeVector              `json:"fee_vector"`
	FeeTotal        int64                     `json:"fee_total"`
	TreasuryAddress string                    `json:"treasury_address"`
	Receipts        []ir.ReceiptRecord        `json:"receipts"`
	PreState        []ir.PartitionSnapshot    `json:"pre_state"`
	PostVersions    map[ir.PartitionKey]int64 `json:"post_versions"`
	StateHash       string                    `json:"state_hash"`
}

// NewBundle exports a complete run.
func NewBundle(run ir.Run) (Bundle, error) {
	if run.Result.Status != ir.StatusComplete {
		return Bundle{}, fmt.Errorf("export %s: run is %s, only complete runs carry evidence", run.RunID, run.Result.Status)
	}
	return Bundle{
		RecordVersion:   ir.RecordVersion,
		EngineVersion:   ir.EngineVersion,
		RunID:           run.RunID,
		Seed:            run.Seed,
		Action:          run.Action,
		Sponsor:         run.Sponsor,
		Payer:           run.Payer,
		InputHash:       run.InputHash,
		ActionHash:      run.ActionHash,
		ScheduleVersion: run.ScheduleVersion,
		FeeVector:       run.FeeVector,
		FeeTotal:        run.Result.FeeTotal,
		TreasuryAddress: run.Result.TreasuryAddress,
		Receipts:        run.Receipts,
		PreState:        run.PreState,
		PostVersions:    run.PostVersions,
		StateHash:       run.Result.StateHash,
	}, nil
}

// Run reconstructs the recorded run from a bundle.
func (b Bundle) Run() ir.Run {
	return ir.Run{
		RunID:           b.RunID,
		Seed:            b.Seed,
		Action:          b.Action,
		Sponsor:         b.Sponsor,
		Payer:           b.Payer,
		InputHash:       b.InputHash,
		ActionHash:      b.ActionHash,
		ScheduleVersion: b.ScheduleVersion,
		FeeVector:       b.FeeVector,
		Receipts:        b.Receipts,
		PreState:        b.PreState,
		PostVersions:    b.PostVersions,
		Result: ir.RunResult{
			RunID:           b.RunID,
			Status:          ir.StatusComplete,
			StateHash:       b.StateHash,
			ReceiptHashes:   receiptHashes(b.Receipts),
			FeeTotal:        b.FeeTotal,
			TreasuryAddress: b.TreasuryAddress,
		},
	}
}

// WriteJSON writes the bundle as indented JSON.
func (b Bundle) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(b)
}

// ReadBundle decodes a bundle. Payloads and state use the strict value
// decoder, so a bundle containing floats or nulls is rejected.
func ReadBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	if !ir.ValidRunID(b.RunID) {
		return Bundle{}, fmt.Errorf("read bundle: invalid run_id %q", b.RunID)
	}
	return b, nil
}

func receiptHashes(rs []ir.ReceiptRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Hash
	}
	return out
}

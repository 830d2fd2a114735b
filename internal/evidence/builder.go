// Package evidence turns a run's outputs into verifiable hashes.
//
// Everything here is referentially transparent: no clock, no randomness,
// no state. Given the same touched partitions, fee vector and parties, any
// implementation that follows the canonical encoding produces the same
// state_hash and receipt hashes.
package evidence

import (
	"fmt"

	"github.com/roach88/evidence/internal/ir"
)

// Input is everything the builder needs for one run.
type Input struct {
	RunID          string
	Seed           int64
	Action         ir.ActionDescriptor
	PostState      []ir.PartitionSnapshot
	FeeVector      ir.FeeVector
	Payer          string
	Counterparties []string
	Treasury       string
}

// Evidence is the builder's output.
type Evidence struct {
	ActionHash string
	StateHash  string
	Receipts   []ir.ReceiptRecord
}

// ReceiptHashes returns the receipt hashes in emission order.
func (e Evidence) ReceiptHashes() []string {
	out := make([]string, len(e.Receipts))
	for i, r := range e.Receipts {
		out[i] = r.Hash
	}
	return out
}

// Build computes the action hash, the state hash over the post-mutation
// partitions, and one receipt per party. The payer's receipt comes first and
// carries the fee vector; counterparty receipts are accounting receipts with
// a zero vector, in the order given.
func Build(in Input) (Evidence, error) {
	actionHash, err := ir.ActionHash(in.RunID, in.Seed, in.Action)
	if err != nil {
		return Evidence{}, fmt.Errorf("build evidence: %w", err)
	}

	stateHash, err := StateHash(in.PostState)
	if err != nil {
		return Evidence{}, fmt.Errorf("build evidence: %w", err)
	}

	receipts := make([]ir.Receipt, 0, 1+len(in.Counterparties))
	receipts = append(receipts, ir.Receipt{
		FeeVector:       in.FeeVector,
		Payer:           in.Payer,
		TreasuryAddress: in.Treasury,
		ActionHash:      actionHash,
	})
	for _, cp := range in.Counterparties {
		receipts = append(receipts, ir.Receipt{
			FeeVector:       in.FeeVector.Zero(),
			Payer:           cp,
			TreasuryAddress: in.Treasury,
			ActionHash:      actionHash,
		})
	}

	records := make([]ir.ReceiptRecord, len(receipts))
	for i, r := range receipts {
		h, err := ReceiptHash(r)
		if err != nil {
			return Evidence{}, fmt.Errorf("build evidence: receipt %d: %w", i, err)
		}
		records[i] = ir.ReceiptRecord{Receipt: r, Hash: h}
	}

	return Evidence{
		ActionHash: actionHash,
		StateHash:  stateHash,
		Receipts:   records,
	}, nil
}

// StateHash hashes the touched partitions as one canonical object keyed by
// partition key. Slice order does not matter; duplicate keys are an error.
func StateHash(partitions []ir.PartitionSnapshot) (string, error) {
	obj := make(ir.Object, len(partitions))
	for _, p := range partitions {
		if _, dup := obj[string(p.Key)]; dup {
			return "", fmt.Errorf("state hash: duplicate partition %s", p.Key)
		}
		data := p.Data
		if data == nil {
			data = ir.Object{}
		}
		obj[string(p.Key)] = data
	}
	return ir.HashValue(ir.DomainState, obj)
}

// ReceiptHash is hash(canonical(Receipt)).
func ReceiptHash(r ir.Receipt) (string, error) {
	return ir.HashValue(ir.DomainReceipt, r.Object())
}

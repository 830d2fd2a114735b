package ir

import (
	"fmt"
	"math"
	"regexp"
)

// runIDPattern is the accepted run_id shape.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRunID reports whether id matches [A-Za-z0-9_-]{1,64}.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// Route identifies one {module, action} variant in the handler registry.
type Route struct {
	Module string `json:"module"`
	Action string `json:"action"`
}

func (r Route) String() string {
	return r.Module + "." + r.Action
}

// ActionDescriptor identifies which handler to invoke and the requested
// mutation. Immutable once submitted.
type ActionDescriptor struct {
	Module  string `json:"module"`
	Action  string `json:"action"`
	Payload Object `json:"payload"`
}

// Route returns the descriptor's registry key.
func (d ActionDescriptor) Route() Route {
	return Route{Module: d.Module, Action: d.Action}
}

// Object returns the canonical object form: {action, module, payload}.
func (d ActionDescriptor) Object() Object {
	payload := d.Payload
	if payload == nil {
		payload = Object{}
	}
	return Object{
		"action":  String(d.Action),
		"module":  String(d.Module),
		"payload": payload,
	}
}

// Fee component identifiers of the v1 registry.
const (
	FeeStateWrite = "state_write"
	FeeCompute    = "compute"
	FeeBandwidth  = "bandwidth"
	FeePrivacy    = "privacy"
)

// FeeVector maps fee component id to a non-negative amount.
type FeeVector map[string]int64

// Total sums all components. Vectors produced by a fee engine never
// overflow; use CheckedTotal for untrusted vectors.
func (v FeeVector) Total() int64 {
	var total int64
	for _, amt := range v {
		total += amt
	}
	return total
}

// CheckedTotal sums all components and reports false if a component is
// negative or the sum overflows int64.
func (v FeeVector) CheckedTotal() (int64, bool) {
	var total int64
	for _, amt := range v {
		if amt < 0 || total > math.MaxInt64-amt {
			return 0, false
		}
		total += amt
	}
	return total, true
}

// Equal reports component-wise equality. Missing and zero are distinct.
func (v FeeVector) Equal(other FeeVector) bool {
	if len(v) != len(other) {
		return false
	}
	for k, amt := range v {
		o, ok := other[k]
		if !ok || o != amt {
			return false
		}
	}
	return true
}

// Zero returns a vector with the same components, all zero.
func (v FeeVector) Zero() FeeVector {
	out := make(FeeVector, len(v))
	for k := range v {
		out[k] = 0
	}
	return out
}

// Object returns the canonical object form.
func (v FeeVector) Object() Object {
	obj := make(Object, len(v))
	for k, amt := range v {
		obj[k] = Int(amt)
	}
	return obj
}

// FeeVectorFromObject is the inverse of FeeVector.Object.
func FeeVectorFromObject(obj Object) (FeeVector, error) {
	v := make(FeeVector, len(obj))
	for k, val := range obj {
		n, ok := val.(Int)
		if !ok {
			return nil, fmt.Errorf("fee component %q: expected int, got %T", k, val)
		}
		v[k] = int64(n)
	}
	return v, nil
}

// Receipt is an auditable record of a fee charge tied to one run through
// ActionHash. Accounting receipts for counterparties carry a zero vector.
type Receipt struct {
	FeeVector       FeeVector `json:"fee_vector"`
	Payer           string    `json:"payer"`
	TreasuryAddress string    `json:"treasury_address"`
	ActionHash      string    `json:"action_hash"`
}

// Object returns the canonical object form with a fixed field set.
func (r Receipt) Object() Object {
	return Object{
		"action_hash":      String(r.ActionHash),
		"fee_vector":       r.FeeVector.Object(),
		"payer":            String(r.Payer),
		"treasury_address": String(r.TreasuryAddress),
	}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusComplete RunStatus = "complete"
	StatusRejected RunStatus = "rejected"
)

// PartitionKey addresses one independently lockable slice of state,
// e.g. "wallet:A" or "exchange:NYXT-USDX".
type PartitionKey string

var partitionPattern = regexp.MustCompile(`^[a-z]+:[A-Za-z0-9_.:-]{1,128}$`)

// Valid reports whether the key is well-formed.
func (k PartitionKey) Valid() bool {
	return partitionPattern.MatchString(string(k))
}

// PartitionSnapshot is the content of one partition at a version.
// Version 0 with empty Data means the partition did not exist.
type PartitionSnapshot struct {
	Key     PartitionKey `json:"key"`
	Version int64        `json:"version"`
	Data    Object       `json:"data"`
}

// RunResult is what the dispatcher returns for a run, and what the ledger
// returns verbatim on an idempotent resubmission.
type RunResult struct {
	RunID           string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	StateHash       string    `json:"state_hash"`
	ReceiptHashes   []string  `json:"receipt_hashes"`
	FeeTotal        int64     `json:"fee_total"`
	TreasuryAddress string    `json:"treasury_address"`
	ReplayOK        *bool     `json:"replay_ok,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// ReceiptRecord is a receipt as stored with its hash.
type ReceiptRecord struct {
	Receipt
	Hash string `json:"receipt_hash"`
}

// Run is the full ledger entry for one run_id: recorded inputs, evidence
// and the archived pre-mutation state needed for replay.
type Run struct {
	RunID           string                 `json:"run_id"`
	Seq             int64                  `json:"seq"`
	Seed            int64                  `json:"seed"`
	Action          ActionDescriptor       `json:"action"`
	Sponsor         string                 `json:"sponsor,omitempty"`
	Payer           string                 `json:"payer,omitempty"`
	InputHash       string                 `json:"input_hash"`
	ActionHash      string                 `json:"action_hash,omitempty"`
	ScheduleVersion string                 `json:"schedule_version,omitempty"`
	FeeVector       FeeVector              `json:"fee_vector,omitempty"`
	Receipts        []ReceiptRecord        `json:"receipts,omitempty"`
	PreState        []PartitionSnapshot    `json:"pre_state,omitempty"`
	PostVersions    map[PartitionKey]int64 `json:"post_versions,omitempty"`
	Result          RunResult              `json:"result"`
}

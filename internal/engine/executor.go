package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/fee"
	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/modules"
)

// Executor is the pure part of a run: resolve, quote, apply, debit, build
// evidence. It holds no mutable state and never touches storage, so the
// dispatcher and the replay verifier run the exact same code.
type Executor struct {
	fees     *fee.Registry
	registry *modules.Registry
	treasury string
	feeAsset string
}

// NewExecutor checks that every registered route is priced by fees and that
// the treasury and fee asset are usable. New runs are quoted with fees;
// archived schedules are only used to re-execute runs recorded under them.
func NewExecutor(fees *fee.Engine, registry *modules.Registry, treasury, feeAsset string, archived ...*fee.Engine) (*Executor, error) {
	if err := fees.Covers(registry.Routes()); err != nil {
		return nil, fmt.Errorf("new executor: %w", err)
	}
	if !modules.ValidAccount(treasury) {
		return nil, fmt.Errorf("new executor: invalid treasury address %q", treasury)
	}
	if !modules.ValidAsset(feeAsset) {
		return nil, fmt.Errorf("new executor: invalid fee asset %q", feeAsset)
	}
	schedules, err := fee.NewRegistry(fees, archived...)
	if err != nil {
		return nil, fmt.Errorf("new executor: %w", err)
	}
	return &Executor{fees: schedules, registry: registry, treasury: treasury, feeAsset: feeAsset}, nil
}

// Treasury returns the address new runs credit fees to.
func (x *Executor) Treasury() string { return x.treasury }

// FeeAsset returns the asset fees are charged in.
func (x *Executor) FeeAsset() string { return x.feeAsset }

// Fees returns the fee engine new runs are quoted with.
func (x *Executor) Fees() *fee.Engine { return x.fees.Active() }

// Schedules returns every loaded fee schedule version.
func (x *Executor) Schedules() *fee.Registry { return x.fees }

// Plan is a validated submission with its handler and footprint resolved.
type Plan struct {
	RunID     string
	Seed      int64
	Action    ir.ActionDescriptor
	Sponsor   string
	Handler   modules.Handler
	Footprint modules.Footprint

	// ScheduleVersion and Treasury are the fee schedule and treasury the run
	// is charged under. Resolve sets the current ones; replay substitutes
	// the ones the run was recorded with.
	ScheduleVersion string
	Treasury        string
}

// Recorded returns p bound to the schedule version and treasury of a
// recorded run. The version must be loaded.
func (x *Executor) Recorded(p Plan, scheduleVersion, treasury string) (Plan, error) {
	if _, err := x.fees.Lookup(scheduleVersion); err != nil {
		return Plan{}, err
	}
	p.ScheduleVersion = scheduleVersion
	p.Treasury = treasury
	return p, nil
}

// Payer is the sponsor if there is one, otherwise the footprint's payer.
func (p Plan) Payer() string {
	if p.Sponsor != "" {
		return p.Sponsor
	}
	return p.Footprint.Payer
}

// StateKeys are the partitions the run reads and may write: the handler's
// footprint plus the payer's wallet. Sorted, no duplicates.
func (p Plan) StateKeys() []ir.PartitionKey {
	keys := append([]ir.PartitionKey{modules.WalletKey(p.Payer())}, p.Footprint.Partitions...)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

// ScopeKeys are StateKeys plus a key for the run_id itself, so concurrent
// submissions of one run_id serialize even with disjoint footprints.
func (p Plan) ScopeKeys() []ir.PartitionKey {
	return append(p.StateKeys(), ir.PartitionKey("run:"+p.RunID))
}

// Resolve validates a submission and resolves its handler and footprint.
// Every error is a validation error.
func (x *Executor) Resolve(runID string, seed int64, desc ir.ActionDescriptor, sponsor string) (Plan, error) {
	if !ir.ValidRunID(runID) {
		return Plan{}, NewValidationError(runID, fmt.Errorf("run_id must match [A-Za-z0-9_-]{1,64}"))
	}
	if sponsor != "" && !modules.ValidAccount(sponsor) {
		return Plan{}, NewValidationError(runID, fmt.Errorf("invalid sponsor %q", sponsor))
	}
	if desc.Payload == nil {
		desc.Payload = ir.Object{}
	}
	if _, err := ir.MarshalCanonical(desc.Payload); err != nil {
		return Plan{}, NewValidationError(runID, fmt.Errorf("payload: %w", err))
	}

	h, ok := x.registry.Lookup(desc.Route())
	if !ok {
		return Plan{}, NewValidationError(runID, fmt.Errorf("unknown action %s", desc.Route()))
	}
	fp, err := h.Footprint(desc.Payload)
	if err != nil {
		return Plan{}, NewValidationError(runID, err)
	}
	for _, k := range fp.Partitions {
		if !k.Valid() {
			return Plan{}, NewValidationError(runID, fmt.Errorf("invalid partition key %q", k))
		}
	}

	return Plan{
		RunID:           runID,
		Seed:            seed,
		Action:          desc,
		Sponsor:         sponsor,
		Handler:         h,
		Footprint:       fp,
		ScheduleVersion: x.fees.Active().Version(),
		Treasury:        x.treasury,
	}, nil
}

// Quote validates desc and prices it without executing anything.
func (x *Executor) Quote(desc ir.ActionDescriptor) (ir.FeeVector, error) {
	if desc.Payload == nil {
		desc.Payload = ir.Object{}
	}
	h, ok := x.registry.Lookup(desc.Route())
	if !ok {
		return nil, NewValidationError("", fmt.Errorf("unknown action %s", desc.Route()))
	}
	if _, err := h.Footprint(desc.Payload); err != nil {
		return nil, NewValidationError("", err)
	}
	vector, err := x.fees.Active().Quote(desc)
	if err != nil {
		return nil, NewFeeViolation("", err)
	}
	return vector, nil
}

// Outcome is what executing a plan produces.
type Outcome struct {
	FeeVector       ir.FeeVector
	ScheduleVersion string
	Treasury        string
	Payer           string
	Post            []ir.PartitionSnapshot
	Evidence        evidence.Evidence
}

// Result returns the RunResult for a complete run.
func (o Outcome) Result(runID string) ir.RunResult {
	return ir.RunResult{
		RunID:           runID,
		Status:          ir.StatusComplete,
		StateHash:       o.Evidence.StateHash,
		ReceiptHashes:   o.Evidence.ReceiptHashes(),
		FeeTotal:        o.FeeVector.Total(),
		TreasuryAddress: o.Treasury,
	}
}

// PostVersions maps each touched partition to the version the run produced.
func (o Outcome) PostVersions() map[ir.PartitionKey]int64 {
	out := make(map[ir.PartitionKey]int64, len(o.Post))
	for _, p := range o.Post {
		out[p.Key] = p.Version
	}
	return out
}

// Execute runs the plan against pre, the state of plan.StateKeys() as read
// under the run's scope. Errors are *Error with CodeFeeViolation,
// CodeHandlerFailure or CodeInternal.
func (x *Executor) Execute(plan Plan, pre []ir.PartitionSnapshot) (Outcome, error) {
	runID := plan.RunID

	fees, err := x.fees.Lookup(plan.ScheduleVersion)
	if err != nil {
		return Outcome{}, NewInternal(runID, err)
	}
	vector, err := fees.Quote(plan.Action)
	if err != nil {
		return Outcome{}, NewFeeViolation(runID, err)
	}
	if vector.Total() <= 0 {
		return Outcome{}, NewFeeViolation(runID, fee.ErrNonPositive)
	}

	view := make(modules.Snapshot, len(pre))
	byKey := make(map[ir.PartitionKey]ir.PartitionSnapshot, len(pre))
	for _, p := range pre {
		view[p.Key] = p.Data
		byKey[p.Key] = p
	}
	for _, k := range plan.StateKeys() {
		if _, ok := byKey[k]; !ok {
			return Outcome{}, NewInternal(runID, fmt.Errorf("prestate is missing partition %s", k))
		}
	}

	effects, err := plan.Handler.Apply(modules.Env{
		View:     view,
		Rand:     modules.NewRand(plan.Seed),
		Verifier: x.registry.Verifier(),
	}, plan.Action.Payload.Clone())
	if err != nil {
		if errors.Is(err, modules.ErrRejected) {
			return Outcome{}, NewHandlerFailure(runID, err)
		}
		return Outcome{}, NewInternal(runID, fmt.Errorf("%s: %w", plan.Action.Route(), err))
	}

	next := make(map[ir.PartitionKey]ir.Object, len(pre))
	for _, p := range pre {
		next[p.Key] = p.Data
	}
	for k, data := range effects.Delta {
		if _, ok := next[k]; !ok {
			return Outcome{}, NewInternal(runID, fmt.Errorf("%s wrote %s outside its footprint", plan.Action.Route(), k))
		}
		next[k] = data
	}

	payer := plan.Payer()
	payerKey := modules.WalletKey(payer)
	debited, err := modules.Debit(next[payerKey], x.feeAsset, vector.Total())
	if err != nil {
		return Outcome{}, NewHandlerFailure(runID, fmt.Errorf("fee payer %s: %w", payer, err))
	}
	next[payerKey] = debited

	post := make([]ir.PartitionSnapshot, 0, len(pre))
	for _, k := range plan.StateKeys() {
		before := byKey[k]
		snap := ir.PartitionSnapshot{Key: k, Version: before.Version, Data: next[k]}
		changed, err := differs(before.Data, snap.Data)
		if err != nil {
			return Outcome{}, NewInternal(runID, err)
		}
		if changed {
			snap.Version++
		}
		post = append(post, snap)
	}

	ev, err := evidence.Build(evidence.Input{
		RunID:          runID,
		Seed:           plan.Seed,
		Action:         plan.Action,
		PostState:      post,
		FeeVector:      vector,
		Payer:          payer,
		Counterparties: effects.Counterparties,
		Treasury:       plan.Treasury,
	})
	if err != nil {
		return Outcome{}, NewInternal(runID, err)
	}

	return Outcome{
		FeeVector:       vector,
		ScheduleVersion: fees.Version(),
		Treasury:        plan.Treasury,
		Payer:           payer,
		Post:            post,
		Evidence:        ev,
	}, nil
}

func differs(a, b ir.Object) (bool, error) {
	if a == nil {
		a = ir.Object{}
	}
	if b == nil {
		b = ir.Object{}
	}
	ca, err := ir.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	cb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(ca, cb), nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/metrics"
	"github.com/roach88/evidence/internal/scope"
	"github.com/roach88/evidence/internal/store"
)

// Request is one submission to the dispatcher.
type Request struct {
	RunID   string    `json:"run_id"`
	Seed    int64     `json:"seed"`
	Module  string    `json:"module"`
	Action  string    `json:"action"`
	Payload ir.Object `json:"payload"`
	Sponsor string    `json:"sponsor,omitempty"`

	// Verify asks for a replay check right after commit.
	Verify bool `json:"-"`
}

// Descriptor returns the request's action descriptor.
func (r Request) Descriptor() ir.ActionDescriptor {
	return ir.ActionDescriptor{Module: r.Module, Action: r.Action, Payload: r.Payload}
}

// ReplayChecker re-runs a committed run and reports whether its evidence
// reproduces. Implemented by the replay verifier.
type ReplayChecker interface {
	Check(ctx context.Context, runID string) (bool, error)
}

// Dispatcher is the single entry point for state mutation.
//
// Submissions touching disjoint partitions run in parallel. Submissions on a
// shared partition are serialized in the order their scopes were requested.
type Dispatcher struct {
	store   *store.Store
	exec    *Executor
	scopes  *scope.Manager
	clock   *Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	checker ReplayChecker
	verify  bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithReplayChecker enables post-commit replay checks. With always set,
// every submission is checked; otherwise only those with Request.Verify.
func WithReplayChecker(c ReplayChecker, always bool) Option {
	return func(d *Dispatcher) {
		d.checker = c
		d.verify = always
	}
}

// NewDispatcher creates a dispatcher over s. The logical clock resumes after
// the ledger's highest seq.
func NewDispatcher(ctx context.Context, s *store.Store, exec *Executor, opts ...Option) (*Dispatcher, error) {
	seq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("new dispatcher: %w", err)
	}
	d := &Dispatcher{
		store:  s,
		exec:   exec,
		scopes: scope.NewManager(),
		clock:  NewClockAt(seq),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Executor returns the dispatcher's executor.
func (d *Dispatcher) Executor() *Executor {
	return d.exec
}

// Submit executes one run, or returns the recorded result if run_id is
// already in the ledger with identical inputs.
//
// A rejected run returns its result together with a HANDLER_FAILURE error.
// Validation errors, run_id conflicts and fee violations return a zero result
// and record nothing.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (ir.RunResult, error) {
	start := time.Now()
	defer func() { d.metrics.ObserveSubmit(req.Module, req.Action, time.Since(start)) }()

	log := d.logger.With("run_id", req.RunID, "module", req.Module, "action", req.Action)

	plan, err := d.exec.Resolve(req.RunID, req.Seed, req.Descriptor(), req.Sponsor)
	if err != nil {
		log.Info("submission rejected", "status", "invalid", "error", err)
		return ir.RunResult{}, err
	}
	inputHash, err := ir.InputHash(plan.RunID, plan.Seed, plan.Action, plan.Sponsor)
	if err != nil {
		return ir.RunResult{}, NewValidationError(req.RunID, err)
	}

	if res, done, err := d.recorded(ctx, log, plan.RunID, inputHash, req.Verify); done {
		return res, err
	}

	waitStart := time.Now()
	sc, err := d.scopes.Acquire(ctx, plan.ScopeKeys())
	if err != nil {
		return ir.RunResult{}, NewInternal(req.RunID, fmt.Errorf("acquire scope: %w", err))
	}
	defer sc.Release()
	d.metrics.ObserveScopeWait(time.Since(waitStart))

	// A submission of the same run_id may have committed while we waited.
	if res, done, err := d.recorded(ctx, log, plan.RunID, inputHash, req.Verify); done {
		return res, err
	}

	log.Debug("run accepted", "status", ir.StatusPending, "ticket", sc.Ticket())

	pre, err := d.store.Snapshot(ctx, plan.StateKeys())
	if err != nil {
		return ir.RunResult{}, NewInternal(req.RunID, err)
	}

	run := ir.Run{
		RunID:     plan.RunID,
		Seq:       d.clock.Next(),
		Seed:      plan.Seed,
		Action:    plan.Action,
		Sponsor:   plan.Sponsor,
		InputHash: inputHash,
	}

	out, err := d.exec.Execute(plan, pre)
	switch {
	case err == nil:
	case IsHandlerFailure(err):
		return d.reject(ctx, log, run, err)
	case IsFeeViolation(err):
		d.metrics.FeeViolation()
		log.Error("fee invariant violated, run aborted", "error", err)
		return ir.RunResult{}, err
	default:
		log.Error("run failed", "error", err)
		return ir.RunResult{}, err
	}

	run.Payer = out.Payer
	run.ActionHash = out.Evidence.ActionHash
	run.ScheduleVersion = out.ScheduleVersion
	run.FeeVector = out.FeeVector
	run.Receipts = out.Evidence.Receipts
	run.PreState = pre
	run.PostVersions = out.PostVersions()
	run.Result = out.Result(run.RunID)

	// The charged vector is re-quoted without reference to payer or sponsor
	// at the last point before anything is written.
	fees, err := d.exec.Schedules().Lookup(run.ScheduleVersion)
	if err != nil {
		return ir.RunResult{}, NewInternal(run.RunID, err)
	}
	if err := fees.CheckSponsorEquivalence(run.Action, run.FeeVector); err != nil {
		d.metrics.FeeViolation()
		log.Error("fee invariant violated at commit", "error", err)
		return ir.RunResult{}, NewFeeViolation(run.RunID, err)
	}

	seq, err := d.store.CommitRun(ctx, store.Commit{Run: run, Post: out.Post, FeeAsset: d.exec.FeeAsset()})
	if errors.Is(err, store.ErrRunExists) {
		if res, done, err := d.recorded(ctx, log, plan.RunID, inputHash, req.Verify); done {
			return res, err
		}
	}
	if err != nil {
		log.Error("commit failed", "error", err)
		return ir.RunResult{}, NewInternal(run.RunID, err)
	}
	run.Seq = seq
	d.clock.Observe(seq)

	d.metrics.RunRecorded(run.Action.Module, run.Action.Action, string(ir.StatusComplete))
	d.metrics.FeeCharged(run.FeeVector)
	log.Info("run committed",
		"status", ir.StatusComplete,
		"seq", run.Seq,
		"payer", run.Payer,
		"fee_total", run.Result.FeeTotal,
		"state_hash", run.Result.StateHash,
		"receipts", len(run.Receipts),
	)

	return d.withReplay(ctx, log, run.Result, req.Verify), nil
}

// withReplay attaches replay_ok to a complete result when verification is
// on for the node or the request.
func (d *Dispatcher) withReplay(ctx context.Context, log *slog.Logger, res ir.RunResult, verify bool) ir.RunResult {
	if d.checker == nil || !(d.verify || verify) || res.Status != ir.StatusComplete {
		return res
	}
	ok, err := d.checker.Check(ctx, res.RunID)
	if err != nil {
		log.Error("replay check failed", "error", err)
		ok = false
	}
	res.ReplayOK = &ok
	return res
}

// recorded looks run_id up in the ledger. done is true when the caller
// should return (res, err) as is. A recorded complete run is re-verified
// under the same rules as a fresh commit, so both responses match.
func (d *Dispatcher) recorded(ctx context.Context, log *slog.Logger, runID, inputHash string, verify bool) (res ir.RunResult, done bool, err error) {
	run, err := d.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.RunResult{}, false, nil
	}
	if err != nil {
		return ir.RunResult{}, true, NewInternal(runID, err)
	}

	if run.InputHash != inputHash {
		d.metrics.Conflict()
		log.Warn("run_id reused with different inputs", "status", run.Result.Status)
		return ir.RunResult{}, true, NewConflictError(runID, run.InputHash, inputHash)
	}

	d.metrics.IdempotentHit()
	log.Debug("returning recorded result", "status", run.Result.Status)
	if run.Result.Status == ir.StatusRejected {
		return run.Result, true, &Error{
			Code:    Code(run.Result.ErrorCode),
			Message: run.Result.ErrorMessage,
			RunID:   runID,
		}
	}
	return d.withReplay(ctx, log, run.Result, verify), true, nil
}

func (d *Dispatcher) reject(ctx context.Context, log *slog.Logger, run ir.Run, cause error) (ir.RunResult, error) {
	var e *Error
	errors.As(cause, &e)

	run.Result = ir.RunResult{
		RunID:         run.RunID,
		Status:        ir.StatusRejected,
		ReceiptHashes: []string{},
		ErrorCode:     string(e.Code),
		ErrorMessage:  e.Message,
	}
	seq, err := d.store.RecordRejected(ctx, run)
	if err != nil {
		log.Error("record rejected run failed", "error", err)
		return ir.RunResult{}, NewInternal(run.RunID, err)
	}
	run.Seq = seq
	d.clock.Observe(seq)

	d.metrics.RunRecorded(run.Action.Module, run.Action.Action, string(ir.StatusRejected))
	log.Info("run rejected", "status", ir.StatusRejected, "seq", run.Seq, "error", e.Message)
	return run.Result, cause
}

// Package replay re-executes recorded runs and compares the recomputed
// evidence with what the ledger holds.
//
// Replay goes through the same engine.Executor the dispatcher uses, against
// the prestate archived with the run. State written after the run therefore
// never affects its replay. A mismatch means either the stored evidence was
// altered or a handler is not deterministic; both are reported, never
// corrected.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/evidence"
	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/metrics"
	"github.com/roach88/evidence/internal/store"
)

// DefaultWorkers bounds VerifyAll's concurrency.
const DefaultWorkers = 4

// FieldDiff names one recorded field whose recomputed value differs.
type FieldDiff struct {
	Field      string `json:"field"`
	Recorded   string `json:"recorded"`
	Recomputed string `json:"recomputed"`
}

// Report is the outcome of replaying one run.
type Report struct {
	RunID      string       `json:"run_id"`
	OK         bool         `json:"ok"`
	Recorded   ir.RunResult `json:"recorded"`
	Recomputed ir.RunResult `json:"recomputed"`
	Diffs      []FieldDiff  `json:"diffs,omitempty"`

	// Error is set by VerifyAll when a run could not be replayed at all.
	Error string `json:"error,omitempty"`
}

// Fields returns the names of the differing fields.
func (r Report) Fields() []string {
	out := make([]string, len(r.Diffs))
	for i, d := range r.Diffs {
		out[i] = d.Field
	}
	return out
}

// Verifier replays runs from a store.
type Verifier struct {
	store   *store.Store
	exec    *engine.Executor
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics records replay outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithWorkers sets the VerifyAll pool size.
func WithWorkers(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.workers = n
		}
	}
}

// NewVerifier creates a verifier. s may be nil when only VerifyBundle is used.
func NewVerifier(s *store.Store, exec *engine.Executor, opts ...Option) *Verifier {
	v := &Verifier{
		store:   s,
		exec:    exec,
		logger:  slog.Default(),
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Replay loads runID from the ledger and verifies it. Unknown run ids are
// NOT_FOUND; rejected runs carry no evidence and are a validation error.
func (v *Verifier) Replay(ctx context.Context, runID string) (Report, error) {
	if v.store == nil {
		return Report{}, fmt.Errorf("replay %s: no ledger configured", runID)
	}
	run, err := v.store.LoadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return Report{}, engine.NewNotFound(runID)
	}
	if err != nil {
		v.metrics.Replayed(metrics.ReplayError)
		return Report{}, engine.NewInternal(runID, err)
	}
	if run.Result.Status != ir.StatusComplete {
		return Report{}, engine.NewValidationError(runID,
			fmt.Errorf("run is %s; only complete runs can be replayed", run.Result.Status))
	}
	return v.verify(run)
}

// Check implements engine.ReplayChecker.
func (v *Verifier) Check(ctx context.Context, runID string) (bool, error) {
	report, err := v.Replay(ctx, runID)
	if err != nil {
		return false, err
	}
	return report.OK, nil
}

// VerifyBundle verifies an exported evidence bundle without a ledger.
func (v *Verifier) VerifyBundle(b evidence.Bundle) (Report, error) {
	return v.verify(b.Run())
}

// VerifyAll replays every complete run in ledger order. Runs that cannot be
// replayed get a report with Error set; the returned error is only for
// failures to enumerate the ledger or a cancelled context.
func (v *Verifier) VerifyAll(ctx context.Context) ([]Report, error) {
	if v.store == nil {
		return nil, fmt.Errorf("verify all: no ledger configured")
	}
	ids, err := v.store.ListRunIDs(ctx, ir.StatusComplete)
	if err != nil {
		return nil, fmt.Errorf("verify all: %w", err)
	}

	reports := make([]Report, len(ids))
	var mu sync.Mutex
	pool := workerpool.New(v.workers)

	for i, id := range ids {
		select {
		case <-ctx.Done():
			pool.Stop()
			return nil, ctx.Err()
		default:
		}
		pool.Submit(func() {
			report, err := v.Replay(ctx, id)
			if err != nil {
				report = Report{RunID: id, Error: err.Error()}
			}
			mu.Lock()
			reports[i] = report
			mu.Unlock()
		})
	}
	pool.StopWait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (v *Verifier) verify(run ir.Run) (Report, error) {
	log := v.logger.With("run_id", run.RunID, "module", run.Action.Module, "action", run.Action.Action)

	report := Report{RunID: run.RunID, Recorded: run.Result}
	d := &differ{}

	inputHash, err := ir.InputHash(run.RunID, run.Seed, run.Action, run.Sponsor)
	if err != nil {
		v.metrics.Replayed(metrics.ReplayError)
		return Report{}, engine.NewInternal(run.RunID, err)
	}
	d.str("input_hash", run.InputHash, inputHash)

	plan, err := v.exec.Resolve(run.RunID, run.Seed, run.Action, run.Sponsor)
	if err != nil {
		v.metrics.Replayed(metrics.ReplayError)
		return Report{}, fmt.Errorf("replay %s: recorded action no longer resolves: %w", run.RunID, err)
	}
	// Charge under the schedule and treasury in force when the run was
	// recorded. Receipts carry the treasury, so an edited treasury_address
	// still shows up as receipt diffs.
	plan, err = v.exec.Recorded(plan, run.ScheduleVersion, run.Result.TreasuryAddress)
	if err != nil {
		v.metrics.Replayed(metrics.ReplayError)
		return Report{}, engine.NewInternal(run.RunID, fmt.Errorf("replay: %w", err))
	}

	out, err := v.exec.Execute(plan, run.PreState)
	switch {
	case err == nil:
		report.Recomputed = out.Result(run.RunID)
	case engine.IsHandlerFailure(err) || engine.IsFeeViolation(err):
		var e *engine.Error
		errors.As(err, &e)
		report.Recomputed = ir.RunResult{
			RunID:         run.RunID,
			Status:        ir.StatusRejected,
			ReceiptHashes: []string{},
			ErrorCode:     string(e.Code),
			ErrorMessage:  e.Message,
		}
		d.str("status", string(run.Result.Status), string(ir.StatusRejected))
	default:
		v.metrics.Replayed(metrics.ReplayError)
		return Report{}, err
	}

	if report.Recomputed.Status == ir.StatusComplete {
		rec, got := report.Recorded, report.Recomputed
		d.str("payer", run.Payer, out.Payer)
		d.str("action_hash", run.ActionHash, out.Evidence.ActionHash)
		d.vector("fee_vector", run.FeeVector, out.FeeVector)
		d.num("fee_total", rec.FeeTotal, got.FeeTotal)
		d.str("state_hash", rec.StateHash, got.StateHash)
		d.versions(run.PostVersions, out.PostVersions())
		d.receipts(run.Receipts, out.Evidence.Receipts)
	}

	report.Diffs = d.diffs
	report.OK = len(d.diffs) == 0

	if report.OK {
		v.metrics.Replayed(metrics.ReplayOK)
		log.Info("replay verified", "state_hash", report.Recomputed.StateHash)
	} else {
		v.metrics.Replayed(metrics.ReplayMismatch)
		mismatch := engine.NewReplayMismatch(run.RunID, report.Fields())
		log.Error("replay mismatch", "code", mismatch.Code, "fields", report.Fields(), "diffs", report.Diffs)
	}
	return report, nil
}

type differ struct {
	diffs []FieldDiff
}

func (d *differ) str(field, recorded, recomputed string) {
	if recorded != recomputed {
		d.diffs = append(d.diffs, FieldDiff{Field: field, Recorded: recorded, Recomputed: recomputed})
	}
}

func (d *differ) num(field string, recorded, recomputed int64) {
	d.str(field, strconv.FormatInt(recorded, 10), strconv.FormatInt(recomputed, 10))
}

func (d *differ) vector(field string, recorded, recomputed ir.FeeVector) {
	if !recorded.Equal(recomputed) {
		d.str(field, canonical(recorded.Object()), canonical(recomputed.Object()))
	}
}

func (d *differ) versions(recorded, recomputed map[ir.PartitionKey]int64) {
	toObject := func(m map[ir.PartitionKey]int64) ir.Object {
		obj := make(ir.Object, len(m))
		for k, v := range m {
			obj[string(k)] = ir.Int(v)
		}
		return obj
	}
	d.str("post_versions", canonical(toObject(recorded)), canonical(toObject(recomputed)))
}

// receipts compares counts, hashes and the stored receipt bodies. A receipt
// whose body was edited but whose hash was not shows up under its own
// fields even though receipt_hashes still match.
func (d *differ) receipts(recorded, recomputed []ir.ReceiptRecord) {
	d.num("receipt_count", int64(len(recorded)), int64(len(recomputed)))
	d.str("receipt_hashes", joinHashes(recorded), joinHashes(recomputed))

	for i := 0; i < min(len(recorded), len(recomputed)); i++ {
		rec, got := recorded[i], recomputed[i]
		prefix := "receipts[" + strconv.Itoa(i) + "]."
		d.str(prefix+"payer", rec.Payer, got.Payer)
		d.str(prefix+"treasury_address", rec.TreasuryAddress, got.TreasuryAddress)
		d.str(prefix+"action_hash", rec.ActionHash, got.ActionHash)
		d.vector(prefix+"fee_vector", rec.FeeVector, got.FeeVector)
		d.num(prefix+"fee_total", rec.FeeVector.Total(), got.FeeVector.Total())

		if h, err := evidence.ReceiptHash(rec.Receipt); err != nil || h != rec.Hash {
			d.str(prefix+"receipt_hash", rec.Hash, h)
		}
	}
}

func joinHashes(rs []ir.ReceiptRecord) string {
	hashes := make([]string, len(rs))
	for i, r := range rs {
		hashes[i] = r.Hash
	}
	return strings.Join(hashes, ",")
}

func canonical(obj ir.Object) string {
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

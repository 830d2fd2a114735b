package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/fee"
	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/modules"
	"github.com/roach88/evidence/internal/proof"
	"github.com/roach88/evidence/internal/replay"
	"github.com/roach88/evidence/internal/store"
)

// Defaults used when a scenario does not set them.
const (
	DefaultTreasury = "treasury"
	DefaultFeeAsset = "NYXT"
	ProofKey        = "nyx-harness"
)

// Harness executes one scenario against its own ledger.
type Harness struct {
	store      *store.Store
	dispatcher *engine.Dispatcher
	verifier   *replay.Verifier
	exec       *engine.Executor
	logger     *slog.Logger
}

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger *slog.Logger
	fees   *fee.Engine
}

// WithLogger routes engine logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFeeEngine overrides the embedded default fee schedule.
func WithFeeEngine(e *fee.Engine) Option {
	return func(o *options) { o.fees = e }
}

// Run executes a scenario and returns the result. The returned error is
// for setup failures only; failed expectations are recorded in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := &options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(o)
	}

	dir, err := os.MkdirTemp("", "nyx-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, scenario, o)
	if err != nil {
		return nil, err
	}

	if err := h.genesis(ctx, scenario.Genesis); err != nil {
		return nil, fmt.Errorf("failed to apply genesis: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, st *store.Store, s *Scenario, o *options) (*Harness, error) {
	fees := o.fees
	if fees == nil {
		var err error
		if fees, err = fee.Default(); err != nil {
			return nil, err
		}
	}

	treasury, asset := s.Treasury, s.FeeAsset
	if treasury == "" {
		treasury = DefaultTreasury
	}
	if asset == "" {
		asset = DefaultFeeAsset
	}

	registry := modules.NewRegistry(proof.DigestVerifier{Key: []byte(ProofKey)})
	exec, err := engine.NewExecutor(fees, registry, treasury, asset)
	if err != nil {
		return nil, err
	}
	verifier := replay.NewVerifier(st, exec, replay.WithLogger(o.logger))
	d, err := engine.NewDispatcher(ctx, st, exec, engine.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	return &Harness{
		store:      st,
		dispatcher: d,
		verifier:   verifier,
		exec:       exec,
		logger:     o.logger,
	}, nil
}

func (h *Harness) genesis(ctx context.Context, seeds map[string]map[string]any) error {
	if len(seeds) == 0 {
		return nil
	}
	parts := make(map[ir.PartitionKey]ir.Object, len(seeds))
	for key, data := range seeds {
		obj, err := toObject(data)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		parts[ir.PartitionKey(key)] = obj
	}
	_, err := h.store.Genesis(ctx, parts)
	return err
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch step.Kind() {
	case KindSubmit:
		return h.submit(ctx, n, step, result)
	case KindTamper:
		return h.tamper(ctx, n, step.Tamper, result)
	default:
		return h.replay(ctx, n, step, result)
	}
}

func (h *Harness) submit(ctx context.Context, n int, step Step, result *Result) error {
	s := step.Submit
	payload, err := toObject(s.Payload)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	res, err := h.dispatcher.Submit(ctx, engine.Request{
		RunID:   s.RunID,
		Seed:    s.Seed,
		Module:  s.Module,
		Action:  s.Action,
		Payload: payload,
		Sponsor: s.Sponsor,
	})

	ev := TraceEvent{Step: n, Kind: KindSubmit, RunID: s.RunID}
	if err != nil {
		ev.ErrorCode = string(engine.CodeOf(err))
	}
	if res.Status != "" {
		ev.Status = string(res.Status)
		ev.FeeTotal = res.FeeTotal
		ev.StateHash = res.StateHash
		ev.ReceiptHashes = res.ReceiptHashes
	}
	result.AddTrace(ev)

	expect := step.Expect
	if expect == nil {
		expect = &Expect{Status: string(ir.StatusComplete)}
	}
	checkExpect(result, n, ev, expect)
	return nil
}

func (h *Harness) replay(ctx context.Context, n int, step Step, result *Result) error {
	report, err := h.verifier.Replay(ctx, step.Replay)

	ev := TraceEvent{Step: n, Kind: KindReplay, RunID: step.Replay}
	if err != nil {
		ev.ErrorCode = string(engine.CodeOf(err))
	} else {
		ok := report.OK
		ev.OK = &ok
		ev.Diffs = report.Fields()
	}
	result.AddTrace(ev)

	expect := step.Expect
	if expect == nil {
		ok := true
		expect = &Expect{OK: &ok}
	}
	checkExpect(result, n, ev, expect)
	return nil
}

func (h *Harness) tamper(ctx context.Context, n int, t *TamperStep, result *Result) error {
	// Field names come from the tamperable allowlist, never from raw input.
	if !tamperable[t.Field] {
		return fmt.Errorf("field %q cannot be tampered", t.Field)
	}
	res, err := h.store.DB().ExecContext(ctx,
		"UPDATE runs SET "+t.Field+" = ? WHERE run_id = ?", t.Value, t.RunID)
	if err != nil {
		return fmt.Errorf("tamper %s.%s: %w", t.RunID, t.Field, err)
	}
	if rows, err := res.RowsAffected(); err != nil || rows != 1 {
		return fmt.Errorf("tamper %s.%s: run not found", t.RunID, t.Field)
	}
	result.AddTrace(TraceEvent{Step: n, Kind: KindTamper, RunID: t.RunID, Field: t.Field})
	return nil
}

func checkExpect(result *Result, n int, ev TraceEvent, e *Expect) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("step %d (%s %s): ", n, ev.Kind, ev.RunID) + fmt.Sprintf(format, args...))
	}

	if e.Status != "" && e.Status != ev.Status {
		fail("expected status %q, got %q (error %q)", e.Status, ev.Status, ev.ErrorCode)
	}
	wantErr := e.Error
	if wantErr == "" && e.Status == string(ir.StatusRejected) {
		wantErr = string(engine.CodeHandlerFailure)
	}
	if wantErr != ev.ErrorCode {
		fail("expected error %q, got %q", wantErr, ev.ErrorCode)
	}
	if e.FeeTotal != nil && *e.FeeTotal != ev.FeeTotal {
		fail("expected fee_total %d, got %d", *e.FeeTotal, ev.FeeTotal)
	}
	if e.OK != nil && (ev.OK == nil || *e.OK != *ev.OK) {
		fail("expected ok=%v, got %v", *e.OK, derefBool(ev.OK))
	}
	if e.Diffs != nil && !reflect.DeepEqual(e.Diffs, ev.Diffs) {
		fail("expected diffs %v, got %v", e.Diffs, ev.Diffs)
	}
}

func derefBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, errors.New("expected an object")
	}
	return obj, nil
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/modules"
	"github.com/roach88/evidence/internal/store"
	"github.com/roach88/evidence/internal/testutil"
)

func setupDispatcher(t *testing.T, wallets map[string]int64, opts ...Option) (*Dispatcher, *store.Store) {
	t.Helper()
	s := testutil.OpenLedger(t, wallets)
	d, err := NewDispatcher(context.Background(), s, testExecutor(t), opts...)
	require.NoError(t, err)
	return d, s
}

func transferRequest(runID string, seed int64, from, to string, amount int64) Request {
	desc := transfer(from, to, amount)
	return Request{RunID: runID, Seed: seed, Module: desc.Module, Action: desc.Action, Payload: desc.Payload}
}

func balanceOf(t *testing.T, s *store.Store, account string) int64 {
	t.Helper()
	return testutil.Balance(t, s, account)
}

func TestSubmit_TransferIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	first, err := d.Submit(ctx, transferRequest("t1", 123, "A", "B", 300))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusComplete, first.Status)
	assert.Equal(t, int64(18), first.FeeTotal)
	assert.Equal(t, "treasury", first.TreasuryAddress)
	assert.Equal(t, "39d7775a482ff6f9e502bb61fab37bbad254aaaa27c0a260d8b93873e54de765", first.StateHash)
	require.Len(t, first.ReceiptHashes, 2)
	assert.Equal(t, "7302284eaf00ce05b6d9d35b89ed38d0d979bce3154c914fc536e97e0d397c08", first.ReceiptHashes[0])

	second, err := d.Submit(ctx, transferRequest("t1", 123, "A", "B", 300))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1000-300-18), balanceOf(t, s, "A"))
	assert.Equal(t, int64(300), balanceOf(t, s, "B"))
	treasury, err := s.TreasuryBalance(ctx, "treasury", "NYXT")
	require.NoError(t, err)
	assert.Equal(t, int64(18), treasury)
}

func TestSubmit_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	const n = 8
	results := make([]ir.RunResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Submit(ctx, transferRequest("t1", 123, "A", "B", 300))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int64(682), balanceOf(t, s, "A"))
}

func TestSubmit_RunIDConflict(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	_, err := d.Submit(ctx, transferRequest("t1", 123, "A", "B", 300))
	require.NoError(t, err)

	res, err := d.Submit(ctx, transferRequest("t1", 123, "A", "B", 301))
	require.Error(t, err)
	assert.True(t, IsRunIDConflict(err))
	assert.Empty(t, res.RunID)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.NotEqual(t, e.Details["recorded_input_hash"], e.Details["submitted_input_hash"])

	// different seed is a different input too
	_, err = d.Submit(ctx, transferRequest("t1", 124, "A", "B", 300))
	assert.True(t, IsRunIDConflict(err))

	assert.Equal(t, int64(682), balanceOf(t, s, "A"))
}

func TestSubmit_SponsorDoesNotChangeFeeVector(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000, "S": 100})

	plain, err := d.Submit(ctx, transferRequest("u1", 7, "A", "B", 50))
	require.NoError(t, err)

	req := transferRequest("s1", 7, "A", "B", 50)
	req.Sponsor = "S"
	sponsored, err := d.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, plain.FeeTotal, sponsored.FeeTotal)

	u1, err := s.LoadRun(ctx, "u1")
	require.NoError(t, err)
	s1, err := s.LoadRun(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, u1.FeeVector, s1.FeeVector)
	assert.Equal(t, "A", u1.Receipts[0].Payer)
	assert.Equal(t, "S", s1.Receipts[0].Payer)
	assert.Equal(t, u1.Receipts[0].FeeVector, s1.Receipts[0].FeeVector)
	assert.Equal(t, u1.Receipts[0].TreasuryAddress, s1.Receipts[0].TreasuryAddress)

	fee := plain.FeeTotal
	assert.Equal(t, 1000-50-fee-50, balanceOf(t, s, "A"))
	assert.Equal(t, 100-fee, balanceOf(t, s, "S"))
}

func TestSubmit_HandlerFailureIsRecordedAsRejected(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	before, err := s.Partition(ctx, modules.WalletKey("A"))
	require.NoError(t, err)

	res, err := d.Submit(ctx, transferRequest("big", 1, "A", "B", 5000))
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.Equal(t, ir.StatusRejected, res.Status)
	assert.Equal(t, string(CodeHandlerFailure), res.ErrorCode)
	assert.Empty(t, res.StateHash)
	assert.Empty(t, res.ReceiptHashes)

	after, err := s.Partition(ctx, modules.WalletKey("A"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	treasury, err := s.TreasuryBalance(ctx, "treasury", "NYXT")
	require.NoError(t, err)
	assert.Zero(t, treasury)

	// resubmission returns the stored rejection
	again, err := d.Submit(ctx, transferRequest("big", 1, "A", "B", 5000))
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.Equal(t, res, again)

	ids, err := s.ListRunIDs(ctx, ir.StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, ids)
}

func TestSubmit_UnpayableFeeIsRejected(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"C": 100})

	res, err := d.Submit(ctx, transferRequest("c1", 1, "C", "D", 100))
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.Equal(t, ir.StatusRejected, res.Status)
	assert.Equal(t, int64(100), balanceOf(t, s, "C"))
	assert.Equal(t, int64(0), balanceOf(t, s, "D"))
}

func TestSubmit_ValidationRecordsNothing(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown route", Request{RunID: "v1", Module: "wallet", Action: "mint", Payload: ir.Object{}}},
		{"bad run id", transferRequest("bad id", 1, "A", "B", 1)},
		{"missing amount", Request{RunID: "v2", Module: "wallet", Action: "transfer", Payload: ir.Object{"from": ir.String("A"), "to": ir.String("B"), "asset": ir.String("NYXT")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)

			_, err = s.GetRun(ctx, tt.req.RunID)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestSubmit_DisjointRunsAllCommit(t *testing.T) {
	ctx := context.Background()
	wallets := make(map[string]int64)
	for i := 0; i < 10; i++ {
		wallets[fmt.Sprintf("P%d", i)] = 1000
	}
	d, s := setupDispatcher(t, wallets)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Submit(ctx, transferRequest(fmt.Sprintf("d%d", i), int64(i), fmt.Sprintf("P%d", i), fmt.Sprintf("Q%d", i), 10))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "run d%d", i)
		assert.Equal(t, int64(10), balanceOf(t, s, fmt.Sprintf("Q%d", i)))
	}

	ids, err := s.ListRunIDs(ctx, ir.StatusComplete)
	require.NoError(t, err)
	assert.Len(t, ids, 10)
}

func TestSubmit_SharedPartitionSerializes(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 10000})

	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Submit(ctx, transferRequest(fmt.Sprintf("s%02d", i), 1, "A", fmt.Sprintf("R%02d", i), 1))
		}(i)
	}
	wg.Wait()

	var spent int64
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		run, err := s.LoadRun(ctx, fmt.Sprintf("s%02d", i))
		require.NoError(t, err)
		spent += 1 + run.Result.FeeTotal
	}

	a, err := s.Partition(ctx, modules.WalletKey("A"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000)-spent, modules.Balance(a.Data, "NYXT"))
	assert.Equal(t, int64(1+n), a.Version)

	ids, err := s.ListRunIDs(ctx, ir.StatusComplete)
	require.NoError(t, err)
	assert.Len(t, ids, n)
}

type fakeChecker struct {
	mu    sync.Mutex
	calls []string
	ok    bool
}

func (f *fakeChecker) Check(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runID)
	return f.ok, nil
}

func TestSubmit_VerifyOnRequest(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{ok: true}
	d, _ := setupDispatcher(t, map[string]int64{"A": 1000}, WithReplayChecker(checker, false))

	res, err := d.Submit(ctx, transferRequest("n1", 1, "A", "B", 1))
	require.NoError(t, err)
	assert.Nil(t, res.ReplayOK)

	req := transferRequest("v1", 1, "A", "B", 1)
	req.Verify = true
	res, err = d.Submit(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.ReplayOK)
	assert.True(t, *res.ReplayOK)
	assert.Equal(t, []string{"v1"}, checker.calls)
}

func TestSubmit_VerifiedResubmissionMatchesFirstResponse(t *testing.T) {
	ctx := context.Background()
	checker := &fakeChecker{ok: true}
	d, _ := setupDispatcher(t, map[string]int64{"A": 1000}, WithReplayChecker(checker, false))

	req := transferRequest("v1", 1, "A", "B", 1)
	req.Verify = true
	first, err := d.Submit(ctx, req)
	require.NoError(t, err)
	again, err := d.Submit(ctx, req)
	require.NoError(t, err)

	require.NotNil(t, again.ReplayOK)
	assert.Equal(t, first, again)
	assert.Equal(t, []string{"v1", "v1"}, checker.calls)

	// Without verification the recorded result carries no replay_ok.
	req.Verify = false
	plain, err := d.Submit(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, plain.ReplayOK)
}

func TestSubmit_IndependentDispatchersGetDistinctSeqs(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})
	other, err := NewDispatcher(ctx, s, d.Executor())
	require.NoError(t, err)

	// Both clocks start at the same ledger seq and propose the same next one.
	_, err = d.Submit(ctx, transferRequest("r1", 1, "A", "B", 1))
	require.NoError(t, err)
	_, err = other.Submit(ctx, transferRequest("r2", 1, "A", "B", 1))
	require.NoError(t, err)
	_, err = d.Submit(ctx, transferRequest("r3", 1, "A", "B", 1))
	require.NoError(t, err)

	var seqs []int64
	for _, id := range []string{"r1", "r2", "r3"} {
		run, err := s.LoadRun(ctx, id)
		require.NoError(t, err)
		seqs = append(seqs, run.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestNewDispatcher_ClockResumesFromLedger(t *testing.T) {
	ctx := context.Background()
	d, s := setupDispatcher(t, map[string]int64{"A": 1000})

	_, err := d.Submit(ctx, transferRequest("r1", 1, "A", "B", 1))
	require.NoError(t, err)
	_, err = d.Submit(ctx, transferRequest("r2", 1, "A", "B", 1))
	require.NoError(t, err)

	restarted, err := NewDispatcher(ctx, s, d.Executor())
	require.NoError(t, err)
	_, err = restarted.Submit(ctx, transferRequest("r3", 1, "A", "B", 1))
	require.NoError(t, err)

	r2, err := s.LoadRun(ctx, "r2")
	require.NoError(t, err)
	r3, err := s.LoadRun(ctx, "r3")
	require.NoError(t, err)
	assert.Greater(t, r3.Seq, r2.Seq)
}

package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evidence/internal/fee"
	"github.com/roach88/evidence/internal/store"
	"github.com/roach88/evidence/internal/testutil"
)

// ledgerWithRuns returns a ledger holding complete runs t1 and f1.
func ledgerWithRuns(t *testing.T) string {
	t.Helper()
	db := testLedger(t)
	_, err := execute(t, "submit", "wallet.transfer", "--db", db,
		"--run-id", "t1", "--seed", "123", "--payload", transferPayload)
	require.NoError(t, err)
	_, err = execute(t, "submit", "wallet.faucet", "--db", db,
		"--run-id", "f1", "--payload", `{"to":"C","asset":"NYXT"}`)
	require.NoError(t, err)
	return db
}

func tamperFeeTotal(t *testing.T, db, runID string, total int64) {
	t.Helper()
	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	testutil.TamperRun(t, st, runID, "fee_total", total)
}

func TestReplay_SingleRun(t *testing.T) {
	db := ledgerWithRuns(t)

	out, err := execute(t, "replay", "t1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ t1")
	assert.Contains(t, out, "Replay Summary: 1 ok, 0 mismatched, 1 total")
}

func TestReplay_AllJSON(t *testing.T) {
	db := ledgerWithRuns(t)

	out, err := execute(t, "replay", "--all", "--db", db, "--format", "json")
	require.NoError(t, err)

	var res ReplayResult
	decodeResponse(t, out, &res)
	assert.Equal(t, 2, res.TotalRuns)
	assert.True(t, res.AllOK)
	assert.Zero(t, res.Mismatches)
}

// writeScheduleV2 writes a copy of the embedded schedule as v2 with a
// dearer wallet.transfer. JSON is valid CUE.
func writeScheduleV2(t *testing.T, dir string) string {
	t.Helper()
	sched, err := fee.DefaultSchedule()
	require.NoError(t, err)
	sched.Version = "v2"
	rule := sched.Actions["wallet.transfer"]
	rule.StateWrite = 11
	sched.Actions["wallet.transfer"] = rule

	data, err := json.Marshal(sched)
	require.NoError(t, err)
	path := filepath.Join(dir, "fees-v2.cue")
	writeFile(t, path, "schedule: "+string(data)+"\n")
	return path
}

func TestReplay_AfterScheduleAndTreasuryChange(t *testing.T) {
	db := ledgerWithRuns(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "nyx.yaml")
	writeFile(t, cfg, "treasury_address: vault\nfee_schedule_path: "+writeScheduleV2(t, dir)+"\n")

	out, err := execute(t, "submit", "wallet.transfer", "--db", db, "--config", cfg,
		"--run-id", "t2", "--seed", "5", "--payload", transferPayload)
	require.NoError(t, err)
	assert.Contains(t, out, "fee_total:  19 -> vault")

	out, err = execute(t, "replay", "--all", "--db", db, "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var res ReplayResult
	decodeResponse(t, out, &res)
	assert.Equal(t, 3, res.TotalRuns)
	assert.True(t, res.AllOK)
}

func TestReplay_MismatchExitsWithFailure(t *testing.T) {
	db := ledgerWithRuns(t)
	tamperFeeTotal(t, db, "t1", 19)

	out, err := execute(t, "replay", "--all", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ t1")
	assert.Contains(t, out, "fee_total: recorded 19, recomputed 18")
	assert.Contains(t, out, "✓ f1")
}

func TestReplay_ArgumentErrors(t *testing.T) {
	db := ledgerWithRuns(t)
	for name, args := range map[string][]string{
		"none":        {"replay", "--db", db},
		"run and all": {"replay", "t1", "--all", "--db", db},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "exactly one of")
		})
	}
}

func TestReplay_UnknownRun(t *testing.T) {
	db := ledgerWithRuns(t)

	_, err := execute(t, "replay", "ghost", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestExportAndReplayBundle(t *testing.T) {
	db := ledgerWithRuns(t)
	bundle := filepath.Join(t.TempDir(), "t1.evidence.json")

	out, err := execute(t, "export", "t1", "--db", db, "-o", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported t1 to "+bundle)

	out, err = execute(t, "replay", "--bundle", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ t1")
}

func TestExport_Stdout(t *testing.T) {
	db := ledgerWithRuns(t)

	out, err := execute(t, "export", "t1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id": "t1"`)
	assert.Contains(t, out, `"state_hash": "39d7775a482ff6f9e502bb61fab37bbad254aaaa27c0a260d8b93873e54de765"`)
}

func TestExport_Errors(t *testing.T) {
	db := ledgerWithRuns(t)
	_, err := execute(t, "submit", "wallet.transfer", "--db", db, "--run-id", "big",
		"--payload", `{"from":"A","to":"B","amount":5000,"asset":"NYXT"}`)
	require.Error(t, err)

	_, err = execute(t, "export", "ghost", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")

	_, err = execute(t, "export", "big", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only complete runs carry evidence")
}

// Package testutil holds ledger fixtures shared by package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/evidence/internal/ir"
	"github.com/roach88/evidence/internal/modules"
	"github.com/roach88/evidence/internal/store"
)

// Asset is the asset fixtures seed wallets with.
const Asset = "NYXT"

// Wallets returns genesis seeds holding amount of Asset per account.
func Wallets(balances map[string]int64) map[ir.PartitionKey]ir.Object {
	seeds := make(map[ir.PartitionKey]ir.Object, len(balances))
	for account, amount := range balances {
		seeds[modules.WalletKey(account)] = ir.Object{
			"balances": ir.Object{Asset: ir.Int(amount)},
		}
	}
	return seeds
}

// OpenLedger opens a store in a temp dir seeded with balances.
// The store is closed when the test ends.
func OpenLedger(t testing.TB, balances map[string]int64, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if len(balances) > 0 {
		_, err = s.Genesis(context.Background(), Wallets(balances))
		require.NoError(t, err)
	}
	return s
}

// Balance reads account's Asset balance from the store.
func Balance(t testing.TB, s *store.Store, account string) int64 {
	t.Helper()
	p, err := s.Partition(context.Background(), modules.WalletKey(account))
	require.NoError(t, err)
	return modules.Balance(p.Data, Asset)
}

// TamperRun overwrites one column of a recorded run, bypassing the ledger's
// write path. The run must exist.
func TamperRun(t testing.TB, s *store.Store, runID, column string, value any) {
	t.Helper()
	res, err := s.DB().ExecContext(context.Background(),
		"UPDATE runs SET "+column+" = ? WHERE run_id = ?", value, runID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "run %s not found", runID)
}

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

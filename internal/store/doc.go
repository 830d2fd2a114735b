// Package store provides the SQLite-backed State Store and Run Ledger.
//
// The database holds:
//   - partitions: versioned module state, one row per partition key
//   - runs: the append-only ledger, one row per run_id
//   - receipts: evidence receipts of complete runs, in emission order
//   - run_prestate: the prior-state archive replay runs against
//   - treasury: accrued fee balances
//
// A complete run is committed in one transaction together with its state
// delta, receipts, prestate archive and treasury credit. Partition updates are
// compare-and-swap on version, so a commit against a stale read fails instead
// of overwriting.
//
// Ledger rows are never updated. Inserts use ON CONFLICT DO NOTHING and the
// affected-row count tells the caller whether the run_id was already taken.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All stored structured data is RFC 8785 canonical JSON produced by
// internal/ir.
package store

// Package engine implements the dispatcher: the one path through which
// state is mutated.
//
// # Submission Flow
//
//	[Request] → Resolve (validate run_id, route, payload, footprint)
//	               ↓
//	          Ledger lookup by run_id ── recorded ──→ same input_hash: stored result
//	               ↓                               different: RUN_ID_CONFLICT
//	          Acquire scope (footprint + payer wallet + run:<run_id>)
//	               ↓
//	          Ledger lookup again (a duplicate may have committed meanwhile)
//	               ↓
//	          Snapshot prestate → Executor.Execute → CommitRun
//
// Execute is pure: quote the fee vector, apply the handler to a cloned view
// with a random source seeded from the run seed, debit the fee from the payer,
// and build the evidence. The replay verifier calls the same Execute against
// the archived prestate, so replay is the same code path, not a model of it.
//
// # Idempotency
//
// The run_id is the idempotency key. It is structural, not a mode:
//
//  1. runs.run_id is the primary key and inserts use ON CONFLICT DO NOTHING.
//  2. The scope includes run:<run_id>, so two submissions of one run_id are
//     serialized and the second sees the first's ledger entry.
//  3. input_hash covers run_id, seed, descriptor and sponsor, so "same run"
//     is a hash comparison.
//
// # Failure Handling
//
//   - VALIDATION_ERROR: before any scope; nothing recorded.
//   - RUN_ID_CONFLICT: nothing recorded, nothing executed.
//   - HANDLER_FAILURE: recorded as rejected; no state, receipts or fee.
//   - FEE_VIOLATION: aborted before commit; nothing recorded. Logged at error
//     level because it means the engine, not the caller, is wrong.
//
// # Logical Clock
//
// Every ledger entry carries a seq from Clock. Ordering never uses wall time.
package engine

// Package harness runs YAML scenarios against a real dispatcher.
//
// Each scenario gets a fresh SQLite ledger in a temporary directory, seeded
// from the scenario's genesis block. Steps go through the same
// engine.Dispatcher and replay.Verifier the server uses, so a passing
// scenario exercises fee quoting, handler execution, commit, idempotency
// and replay end to end.
//
// A scenario file looks like:
//
//	name: transfer_idempotent
//	description: resubmitting t1 mutates state once
//	genesis:
//	  wallet:A: {balances: {NYXT: 1000}}
//	steps:
//	  - submit: {run_id: t1, seed: 123, module: wallet, action: transfer,
//	             payload: {from: A, to: B, amount: 300, asset: NYXT}}
//	    expect: {status: complete, fee_total: 18}
//	  - replay: t1
//	    expect: {ok: true}
//	assertions:
//	  - {type: balance, account: A, asset: NYXT, equals: 682}
//
// Steps are one of submit, replay or tamper. Tamper edits a stored ledger
// field out of band so scenarios can check that replay reports it.
//
// The trace of step outcomes is deterministic: run ids and seeds come from
// the scenario, and every hash is content-addressed. RunWithGolden compares
// it against testdata/golden/<name>.golden.
package harness

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/evidence/internal/ir"
)

// Commit is everything a complete run writes, applied in one transaction.
type Commit struct {
	// Run is the complete ledger entry, including receipts and the
	// prestate archive read under the run's scope.
	Run ir.Run

	// Post is the post-mutation content of every partition in the run's
	// footprint. A snapshot whose Version equals the archived prestate
	// version is unchanged and not written.
	Post []ir.PartitionSnapshot

	// FeeAsset is the asset the treasury is credited in.
	FeeAsset string
}

// CommitRun atomically applies the state delta, appends the run and its
// receipts, archives the prestate and credits the treasury. It returns the
// seq the run was recorded at (see insertRun).
//
// Returns ErrRunExists if the run_id is already recorded and ErrStaleState if
// a partition moved since the prestate was read. Either way nothing is written.
func (s *Store) CommitRun(ctx context.Context, c Commit) (int64, error) {
	run := c.Run
	if run.Result.Status != ir.StatusComplete {
		return 0, fmt.Errorf("commit run %s: status %q is not complete", run.RunID, run.Result.Status)
	}

	pre := make(map[ir.PartitionKey]ir.PartitionSnapshot, len(run.PreState))
	for _, p := range run.PreState {
		pre[p.Key] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit run %s: begin tx: %w", run.RunID, err)
	}
	defer tx.Rollback() // No-op if committed

	seq, inserted, err := insertRun(ctx, tx, run)
	if err != nil {
		return 0, fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	if !inserted {
		return 0, fmt.Errorf("commit run %s: %w", run.RunID, ErrRunExists)
	}

	for _, post := range c.Post {
		before, ok := pre[post.Key]
		if !ok {
			return 0, fmt.Errorf("commit run %s: partition %s missing from prestate", run.RunID, post.Key)
		}
		if post.Version == before.Version {
			continue
		}
		if post.Version != before.Version+1 {
			return 0, fmt.Errorf("commit run %s: partition %s version %d does not follow %d",
				run.RunID, post.Key, post.Version, before.Version)
		}
		if err := writePartition(ctx, tx, before.Version, post); err != nil {
			return 0, fmt.Errorf("commit run %s: %w", run.RunID, err)
		}
	}

	for i, r := range run.Receipts {
		fv, err := marshalFeeVector(r.FeeVector)
		if err != nil {
			return 0, fmt.Errorf("commit run %s: receipt %d: %w", run.RunID, i, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipts
			(run_id, idx, payer, treasury_address, action_hash, fee_vector, receipt_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.RunID, i, r.Payer, r.TreasuryAddress, r.ActionHash, fv, r.Hash); err != nil {
			return 0, fmt.Errorf("commit run %s: insert receipt %d: %w", run.RunID, i, err)
		}
	}

	for _, p := range run.PreState {
		data, err := marshalObject(p.Data)
		if err != nil {
			return 0, fmt.Errorf("commit run %s: archive %s: %w", run.RunID, p.Key, err)
		}
		postVersion, ok := run.PostVersions[p.Key]
		if !ok {
			postVersion = p.Version
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_prestate (run_id, partition_key, version, data, post_version)
			VALUES (?, ?, ?, ?, ?)
		`, run.RunID, string(p.Key), p.Version, data, postVersion); err != nil {
			return 0, fmt.Errorf("commit run %s: archive %s: %w", run.RunID, p.Key, err)
		}
	}

	// Commutative credit: the treasury row is never part of a scope.
	if fee := run.Result.FeeTotal; fee > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO treasury (address, asset, balance)
			VALUES (?, ?, ?)
			ON CONFLICT(address, asset) DO UPDATE SET balance = balance + excluded.balance
		`, run.Result.TreasuryAddress, c.FeeAsset, fee); err != nil {
			return 0, fmt.Errorf("commit run %s: credit treasury: %w", run.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run %s: commit: %w", run.RunID, err)
	}

	return seq, nil
}

// RecordRejected appends a rejected run and returns its seq. Rejected runs
// carry no receipts, no state and no fee. Returns ErrRunExists if the run_id
// is taken.
func (s *Store) RecordRejected(ctx context.Context, run ir.Run) (int64, error) {
	if run.Result.Status != ir.StatusRejected {
		return 0, fmt.Errorf("record rejected %s: status %q is not rejected", run.RunID, run.Result.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record rejected %s: begin tx: %w", run.RunID, err)
	}
	defer tx.Rollback()

	seq, inserted, err := insertRun(ctx, tx, run)
	if err != nil {
		return 0, fmt.Errorf("record rejected %s: %w", run.RunID, err)
	}
	if !inserted {
		return 0, fmt.Errorf("record rejected %s: %w", run.RunID, ErrRunExists)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record rejected %s: commit: %w", run.RunID, err)
	}

	return seq, nil
}

// Genesis seeds partitions that do not exist yet at version 1.
// Existing partitions are left alone. Returns how many were created.
func (s *Store) Genesis(ctx context.Context, seeds map[ir.PartitionKey]ir.Object) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("genesis: begin tx: %w", err)
	}
	defer tx.Rollback()

	created := 0
	for key, obj := range seeds {
		if !key.Valid() {
			return 0, fmt.Errorf("genesis: invalid partition key %q", key)
		}
		data, err := marshalObject(obj)
		if err != nil {
			return 0, fmt.Errorf("genesis: %s: %w", key, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO partitions (key, version, data)
			VALUES (?, 1, ?)
			ON CONFLICT(key) DO NOTHING
		`, string(key), data)
		if err != nil {
			return 0, fmt.Errorf("genesis: %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("genesis: rows affected: %w", err)
		}
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("genesis: commit: %w", err)
	}
	return created, nil
}

// insertRun writes the ledger row and returns the seq it was stored at.
// Returns false if run_id already exists.
//
// run.Seq is a proposal. The stored seq is the larger of the proposal and
// one past the ledger's highest seq, evaluated by the insert itself, so
// writers with independent clocks on one database never collide.
func insertRun(ctx context.Context, tx *sql.Tx, run ir.Run) (int64, bool, error) {
	payload, err := marshalObject(run.Action.Payload)
	if err != nil {
		return 0, false, fmt.Errorf("marshal payload: %w", err)
	}
	feeVector, err := marshalFeeVector(run.FeeVector)
	if err != nil {
		return 0, false, err
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO runs
		(run_id, seq, input_hash, seed, module, action, payload, sponsor, payer, status,
		 action_hash, schedule_version, fee_vector, fee_total, treasury_address, state_hash,
		 error_code, error_message, engine_version, record_version)
		VALUES (?, max(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs)),
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
		RETURNING seq
	`,
		run.RunID,
		run.Seq,
		run.InputHash,
		run.Seed,
		run.Action.Module,
		run.Action.Action,
		payload,
		run.Sponsor,
		run.Payer,
		string(run.Result.Status),
		run.ActionHash,
		run.ScheduleVersion,
		feeVector,
		run.Result.FeeTotal,
		run.Result.TreasuryAddress,
		run.Result.StateHash,
		run.Result.ErrorCode,
		run.Result.ErrorMessage,
		ir.EngineVersion,
		ir.RecordVersion,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert run: %w", err)
	}
	return seq, true, nil
}

// writePartition compare-and-swaps one partition from version `from`.
func writePartition(ctx context.Context, tx *sql.Tx, from int64, post ir.PartitionSnapshot) error {
	data, err := marshalObject(post.Data)
	if err != nil {
		return fmt.Errorf("partition %s: %w", post.Key, err)
	}

	var res sql.Result
	if from == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO partitions (key, version, data)
			VALUES (?, 1, ?)
			ON CONFLICT(key) DO NOTHING
		`, string(post.Key), data)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE partitions SET data = ?, version = version + 1
			WHERE key = ? AND version = ?
		`, data, string(post.Key), from)
	}
	if err != nil {
		return fmt.Errorf("partition %s: %w", post.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("partition %s: rows affected: %w", post.Key, err)
	}
	if n != 1 {
		return fmt.Errorf("partition %s at version %d: %w", post.Key, from, ErrStaleState)
	}
	return nil
}

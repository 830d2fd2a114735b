package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/evidence/internal/ir"
)

// Snapshot reads the current content of each partition in keys, in the
// order given. A partition that does not exist yet is returned with
// version 0 and empty data.
func (s *Store) Snapshot(ctx context.Context, keys []ir.PartitionKey) ([]ir.PartitionSnapshot, error) {
	out := make([]ir.PartitionSnapshot, 0, len(keys))
	for _, k := range keys {
		p, err := s.Partition(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Partition reads one partition.
func (s *Store) Partition(ctx context.Context, key ir.PartitionKey) (ir.PartitionSnapshot, error) {
	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, data FROM partitions WHERE key = ?
	`, string(key)).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.PartitionSnapshot{Key: key, Version: 0, Data: ir.Object{}}, nil
	}
	if err != nil {
		return ir.PartitionSnapshot{}, fmt.Errorf("read partition %s: %w", key, err)
	}

	obj, err := unmarshalObject(data)
	if err != nil {
		return ir.PartitionSnapshot{}, fmt.Errorf("read partition %s: %w", key, err)
	}
	return ir.PartitionSnapshot{Key: key, Version: version, Data: obj}, nil
}

// GetRun returns the ledger entry for runID, serving terminal runs from the
// in-memory cache when possible. Returns ErrNotFound if absent.
func (s *Store) GetRun(ctx context.Context, runID string) (ir.Run, error) {
	if v, ok := s.cache.Get(runID); ok {
		return v.(ir.Run), nil
	}
	run, err := s.LoadRun(ctx, runID)
	if err != nil {
		return ir.Run{}, err
	}
	s.cache.Add(runID, run)
	return run, nil
}

// LoadRun reads the ledger entry for runID straight from the database,
// bypassing the cache. Replay uses this so it sees what is actually stored.
func (s *Store) LoadRun(ctx context.Context, runID string) (ir.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, input_hash, seed, module, action, payload, sponsor, payer, status,
		       action_hash, schedule_version, fee_vector, fee_total, treasury_address, state_hash,
		       error_code, error_message
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Run{}, fmt.Errorf("load run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return ir.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.Result.Status != ir.StatusComplete {
		return run, nil
	}

	if run.Receipts, err = s.readReceipts(ctx, runID); err != nil {
		return ir.Run{}, err
	}
	run.Result.ReceiptHashes = make([]string, len(run.Receipts))
	for i, r := range run.Receipts {
		run.Result.ReceiptHashes[i] = r.Hash
	}

	if run.PreState, run.PostVersions, err = s.readPrestate(ctx, runID); err != nil {
		return ir.Run{}, err
	}
	return run, nil
}

// ListRunIDs returns run ids with the given status in ledger order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListRunIDs(ctx context.Context, status ir.RunStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status = ?
		ORDER BY seq ASC, run_id COLLATE BINARY ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return ids, nil
}

// MaxSeq returns the highest ledger seq, or 0 for an empty ledger.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM runs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// TreasuryBalance returns the fees accrued to address in asset.
func (s *Store) TreasuryBalance(ctx context.Context, address, asset string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM treasury WHERE address = ? AND asset = ?
	`, address, asset).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("treasury balance: %w", err)
	}
	return balance, nil
}

func (s *Store) readReceipts(ctx context.Context, runID string) ([]ir.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payer, treasury_address, action_hash, fee_vector, receipt_hash
		FROM receipts WHERE run_id = ?
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	receipts := []ir.ReceiptRecord{}
	for rows.Next() {
		var (
			r  ir.ReceiptRecord
			fv string
		)
		if err := rows.Scan(&r.Payer, &r.TreasuryAddress, &r.ActionHash, &fv, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if r.FeeVector, err = unmarshalFeeVector(fv); err != nil {
			return nil, fmt.Errorf("receipt of %s: %w", runID, err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

func (s *Store) readPrestate(ctx context.Context, runID string) ([]ir.PartitionSnapshot, map[ir.PartitionKey]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key, version, data, post_version
		FROM run_prestate WHERE run_id = ?
		ORDER BY partition_key COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("query prestate: %w", err)
	}
	defer rows.Close()

	pre := []ir.PartitionSnapshot{}
	post := map[ir.PartitionKey]int64{}
	for rows.Next() {
		var (
			key         string
			version     int64
			data        string
			postVersion int64
		)
		if err := rows.Scan(&key, &version, &data, &postVersion); err != nil {
			return nil, nil, fmt.Errorf("scan prestate: %w", err)
		}
		obj, err := unmarshalObject(data)
		if err != nil {
			return nil, nil, fmt.Errorf("prestate %s of %s: %w", key, runID, err)
		}
		pre = append(pre, ir.PartitionSnapshot{Key: ir.PartitionKey(key), Version: version, Data: obj})
		post[ir.PartitionKey(key)] = postVersion
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate prestate: %w", err)
	}
	return pre, post, nil
}

// scanRun reads one runs row. Receipts and prestate are loaded separately.
func scanRun(row *sql.Row) (ir.Run, error) {
	var (
		run       ir.Run
		payload   string
		status    string
		feeVector string
	)
	err := row.Scan(
		&run.RunID,
		&run.Seq,
		&run.InputHash,
		&run.Seed,
		&run.Action.Module,
		&run.Action.Action,
		&payload,
		&run.Sponsor,
		&run.Payer,
		&status,
		&run.ActionHash,
		&run.ScheduleVersion,
		&feeVector,
		&run.Result.FeeTotal,
		&run.Result.TreasuryAddress,
		&run.Result.StateHash,
		&run.Result.ErrorCode,
		&run.Result.ErrorMessage,
	)
	if err != nil {
		return ir.Run{}, err
	}

	if run.Action.Payload, err = unmarshalObject(payload); err != nil {
		return ir.Run{}, fmt.Errorf("payload: %w", err)
	}
	if run.FeeVector, err = unmarshalFeeVector(feeVector); err != nil {
		return ir.Run{}, err
	}
	run.Result.RunID = run.RunID
	run.Result.Status = ir.RunStatus(status)
	run.Result.ReceiptHashes = []string{}
	return run, nil
}

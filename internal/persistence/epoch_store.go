package persistence

import (
	"RewardLedger/internal/distribution"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrEpochNotFound = errors.New("persistence: epoch not found")

// EpochStore keeps one artifact row per epoch. The merkle root column is written once;
// a finalized epoch is never rewritten.
type EpochStore struct {
	db *sql.DB
}

func NewEpochStore(db *sql.DB) *EpochStore {
	return &EpochStore{db: db}
}

// SaveDraft upserts the draft artifact of an epoch that has no root yet.
func (es *EpochStore) SaveDraft(ctx context.Context, out *distribution.Output, stateHash []byte) error {
	data, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	md := out.Metadata

	res, err := es.db.ExecContext(ctx, `
		INSERT INTO rewards.epochs
			(epoch, start_timestamp, end_timestamp, start_block, end_block, total_amount, total_users, state_hash, artifact)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (epoch) DO UPDATE SET
			start_timestamp = $2, end_timestamp = $3, start_block = $4, end_block = $5,
			total_amount = $6, total_users = $7, state_hash = $8, artifact = $9
		WHERE rewards.epochs.merkle_root IS NULL
	`, md.Epoch, md.StartTimestamp, md.EndTimestamp, int64(md.StartBlockNumber), int64(md.EndBlockNumber),
		md.TotalAmount, md.TotalUsers, stateHash, data)
	if err != nil {
		return fmt.Errorf("save draft epoch=%d: %w", md.Epoch, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: epoch=%d", distribution.ErrAlreadyFinalized, md.Epoch)
	}
	return nil
}

// SetRoot finalizes an epoch. Writing the root it already has is a no-op; any other
// root fails with distribution.ErrAlreadyFinalized.
func (es *EpochStore) SetRoot(ctx context.Context, epoch int64, root common.Hash) error {
	out, err := es.Get(ctx, epoch)
	if err != nil {
		return err
	}
	if err := out.Finalize(root); err != nil {
		return err
	}
	data, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	res, err := es.db.ExecContext(ctx, `
		UPDATE rewards.epochs SET merkle_root = $2, artifact = $3, finalized_at = NOW()
		WHERE epoch = $1 AND merkle_root IS NULL
	`, epoch, root.Hex(), data)
	if err != nil {
		return fmt.Errorf("set root epoch=%d: %w", epoch, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Lost a race or already final: accept only the same root
	var existing sql.NullString
	if err := es.db.QueryRowContext(ctx,
		`SELECT merkle_root FROM rewards.epochs WHERE epoch = $1`, epoch,
	).Scan(&existing); err != nil {
		return fmt.Errorf("read root epoch=%d: %w", epoch, err)
	}
	if existing.Valid && existing.String == root.Hex() {
		return nil
	}
	return fmt.Errorf("%w: epoch=%d", distribution.ErrAlreadyFinalized, epoch)
}

// Get returns the stored artifact for epoch.
func (es *EpochStore) Get(ctx context.Context, epoch int64) (*distribution.Output, error) {
	var data []byte
	err := es.db.QueryRowContext(ctx, `SELECT artifact FROM rewards.epochs WHERE epoch = $1`, epoch).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrEpochNotFound, epoch)
	}
	if err != nil {
		return nil, fmt.Errorf("load epoch=%d: %w", epoch, err)
	}
	return distribution.Unmarshal(data)
}

// LatestFinalized returns the newest finalized epoch number, or -1 when none.
func (es *EpochStore) LatestFinalized(ctx context.Context) (int64, error) {
	var epoch sql.NullInt64
	if err := es.db.QueryRowContext(ctx,
		`SELECT MAX(epoch) FROM rewards.epochs WHERE merkle_root IS NOT NULL`,
	).Scan(&epoch); err != nil {
		return 0, err
	}
	if !epoch.Valid {
		return -1, nil
	}
	return epoch.Int64, nil
}

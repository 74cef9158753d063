package query

import (
	"RewardLedger/internal/distribution"
	"RewardLedger/internal/merkle"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotFound = errors.New("query: not found")

// QueryService provides read-only access to finalized epochs and the projected
// distribution rows.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetEpoch returns an epoch's metadata, finalized or not.
func (qs *QueryService) GetEpoch(ctx context.Context, epoch int64) (*EpochResponse, error) {
	var (
		r         EpochResponse
		root      sql.NullString
		stateHash []byte
		finalized sql.NullTime
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT epoch, start_timestamp, end_timestamp, start_block, end_block,
		       merkle_root, total_amount::TEXT, total_users, state_hash, finalized_at
		FROM rewards.epochs
		WHERE epoch = $1
	`, epoch).Scan(
		&r.Epoch, &r.StartTimestamp, &r.EndTimestamp, &r.StartBlock, &r.EndBlock,
		&root, &r.TotalAmount, &r.TotalUsers, &stateHash, &finalized,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: epoch %d", ErrNotFound, epoch)
	}
	if err != nil {
		return nil, err
	}

	if root.Valid {
		r.MerkleRoot = &root.String
	}
	if finalized.Valid {
		r.FinalizedAt = &finalized.Time
	}
	r.StateHash = "0x" + hex.EncodeToString(stateHash)
	return &r, nil
}

// LatestEpoch returns the newest finalized epoch.
func (qs *QueryService) LatestEpoch(ctx context.Context) (*EpochResponse, error) {
	var epoch sql.NullInt64
	if err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(epoch) FROM rewards.epochs WHERE merkle_root IS NOT NULL`,
	).Scan(&epoch); err != nil {
		return nil, err
	}
	if !epoch.Valid {
		return nil, fmt.Errorf("%w: no finalized epoch", ErrNotFound)
	}
	return qs.GetEpoch(ctx, epoch.Int64)
}

// GetUserProof returns addr's amount and proof in a finalized epoch.
func (qs *QueryService) GetUserProof(ctx context.Context, epoch int64, addr common.Address) (*UserProofResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT d.epoch, d.address, d.amount::TEXT, d.proof, e.merkle_root
		FROM rewards.distribution_rows d
		JOIN rewards.epochs e ON e.epoch = d.epoch
		WHERE d.epoch = $1 AND d.address = $2 AND e.merkle_root IS NOT NULL
	`, epoch, distribution.AddressKey(addr))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs, err := scanProofs(rows)
	if err != nil {
		return nil, err
	}
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: %s in epoch %d", ErrNotFound, addr.Hex(), epoch)
	}
	return &proofs[0], nil
}

// GetUserHistory returns addr's lines across finalized epochs, newest first.
// beforeEpoch is an exclusive cursor.
func (qs *QueryService) GetUserHistory(
	ctx context.Context,
	addr common.Address,
	limit int,
	beforeEpoch *int64,
) ([]UserProofResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT d.epoch, d.address, d.amount::TEXT, d.proof, e.merkle_root
		FROM rewards.distribution_rows d
		JOIN rewards.epochs e ON e.epoch = d.epoch
		WHERE d.address = $1 AND e.merkle_root IS NOT NULL
	`
	args := []interface{}{distribution.AddressKey(addr)}
	argIdx := 2

	if beforeEpoch != nil {
		query += fmt.Sprintf(" AND d.epoch < $%d", argIdx)
		args = append(args, *beforeEpoch)
		argIdx++
	}

	query += " ORDER BY d.epoch DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofs(rows)
}

// --- Admin APIs ---

// VerifyIntegrity checks an epoch's projected rows against its metadata: the row count
// and amount sum must match, and every proof must verify against the root.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, epoch int64) (*IntegrityReport, error) {
	meta, err := qs.GetEpoch(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if meta.MerkleRoot == nil {
		return nil, fmt.Errorf("%w: epoch=%d", distribution.ErrNotFinalized, epoch)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT d.epoch, d.address, d.amount::TEXT, d.proof, e.merkle_root
		FROM rewards.distribution_rows d
		JOIN rewards.epochs e ON e.epoch = d.epoch
		WHERE d.epoch = $1
		ORDER BY d.address
	`, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs, err := scanProofs(rows)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	report := &IntegrityReport{
		Epoch:         epoch,
		RowCount:      len(proofs),
		ExpectedUsers: meta.TotalUsers,
		ExpectedTotal: meta.TotalAmount,
	}
	for _, p := range proofs {
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if ok {
			total.Add(total, amount)
		}
		if !p.Verified {
			report.BadProofs = append(report.BadProofs, p.Address)
		}
	}
	report.RowTotal = total.String()
	report.IsHealthy = report.RowCount == report.ExpectedUsers &&
		report.RowTotal == report.ExpectedTotal &&
		len(report.BadProofs) == 0
	return report, nil
}

// --- helpers ---

func scanProofs(rows *sql.Rows) ([]UserProofResponse, error) {
	var out []UserProofResponse
	for rows.Next() {
		var (
			r        UserProofResponse
			rawProof []byte
			root     sql.NullString
		)
		if err := rows.Scan(&r.Epoch, &r.Address, &r.Amount, &rawProof, &root); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawProof, &r.Proof); err != nil {
			return nil, fmt.Errorf("decode proof for %s: %w", r.Address, err)
		}
		if root.Valid {
			r.MerkleRoot = root.String
			r.Verified = verifyLine(r)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func verifyLine(r UserProofResponse) bool {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || !common.IsHexAddress(r.Address) {
		return false
	}
	proof := make([]common.Hash, len(r.Proof))
	for i, p := range r.Proof {
		proof[i] = common.HexToHash(p)
	}
	return merkle.VerifyAmount(proof, common.HexToHash(r.MerkleRoot), common.HexToAddress(r.Address), amount)
}

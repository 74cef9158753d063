package persistence

import (
	"RewardLedger/internal/aggregator"
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// checkpointFormatVersion v1: JSON-encoded CheckpointData.
const checkpointFormatVersion = 1

// CheckpointStore persists the engine state left behind by a finalized epoch, so the
// next epoch resumes from it instead of replaying history.
type CheckpointStore struct {
	db *sql.DB
}

// CheckpointData is everything the next epoch needs: the carried balance map, the
// serial watermarks, the cumulative carry and the state hash chain.
type CheckpointData struct {
	Epoch        int64                        `json:"epoch"`
	EndTimestamp int64                        `json:"end_timestamp"`
	StateHash    []byte                       `json:"state_hash"`
	PrevHash     []byte                       `json:"prev_hash"`
	Balances     []BalanceRow                 `json:"balances"`
	Watermarks   map[string]int64             `json:"watermarks"` // AccountPath -> last serial id
	Carry        map[string]map[string]string `json:"carry,omitempty"`
	Virtual      []VirtualBalanceRow          `json:"virtual,omitempty"`
	NextSequence uint64                       `json:"next_sequence"` // source stream position
	CreatedAt    time.Time                    `json:"created_at"`
}

// BalanceRow is a serializable accumulator.
type BalanceRow struct {
	AccountPath             string          `json:"account_path"`
	EffectiveUser           string          `json:"effective_user"`
	PointsPerSecond         decimal.Decimal `json:"points_per_second"`
	LastUpdated             int64           `json:"last_updated"`
	BalancePar              decimal.Decimal `json:"balance_par"`
	RewardPoints            decimal.Decimal `json:"reward_points"`
	PositiveInterestAccrued decimal.Decimal `json:"positive_interest_accrued"`
	NegativeInterestAccrued decimal.Decimal `json:"negative_interest_accrued"`
}

// VirtualBalanceRow is a pool holder's closing virtual balance.
type VirtualBalanceRow struct {
	Pool       string          `json:"pool"`
	Holder     string          `json:"holder"`
	BalancePar decimal.Decimal `json:"balance_par"`
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// EncodeBalances flattens a balance map in key order.
func EncodeBalances(balances *ledger.BalanceMap) []BalanceRow {
	rows := make([]BalanceRow, 0, balances.Len())
	balances.Range(func(key ledger.BalanceKey, acc state.BalancePointsAccumulator) bool {
		rows = append(rows, BalanceRow{
			AccountPath:             key.AccountPath(),
			EffectiveUser:           acc.EffectiveUser.Hex(),
			PointsPerSecond:         acc.PointsPerSecond,
			LastUpdated:             acc.LastUpdated,
			BalancePar:              acc.BalancePar,
			RewardPoints:            acc.RewardPoints,
			PositiveInterestAccrued: acc.PositiveInterestAccrued,
			NegativeInterestAccrued: acc.NegativeInterestAccrued,
		})
		return true
	})
	return rows
}

// DecodeBalances rebuilds a balance map from rows.
func DecodeBalances(rows []BalanceRow) (*ledger.BalanceMap, error) {
	balances := ledger.NewBalanceMap()
	for _, r := range rows {
		key, err := ledger.ParseAccountPath(r.AccountPath)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(r.EffectiveUser) {
			return nil, fmt.Errorf("checkpoint row %s: bad effective user %q", r.AccountPath, r.EffectiveUser)
		}
		balances.Set(key, state.BalancePointsAccumulator{
			EffectiveUser:           common.HexToAddress(r.EffectiveUser),
			PointsPerSecond:         r.PointsPerSecond,
			LastUpdated:             r.LastUpdated,
			BalancePar:              r.BalancePar,
			RewardPoints:            r.RewardPoints,
			PositiveInterestAccrued: r.PositiveInterestAccrued,
			NegativeInterestAccrued: r.NegativeInterestAccrued,
		})
	}
	return balances, nil
}

// EncodeVirtualBalances flattens closing holder balances in (pool, holder) order.
func EncodeVirtualBalances(balances map[ledger.PoolHolderKey]decimal.Decimal) []VirtualBalanceRow {
	keys := make([]ledger.PoolHolderKey, 0, len(balances))
	for k := range balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	rows := make([]VirtualBalanceRow, len(keys))
	for i, k := range keys {
		rows[i] = VirtualBalanceRow{Pool: k.Pool.Hex(), Holder: k.Holder.Hex(), BalancePar: balances[k]}
	}
	return rows
}

// DecodeVirtualBalances seeds a pool map with one absolute snapshot per holder, stamped
// at the checkpoint's end timestamp.
func DecodeVirtualBalances(rows []VirtualBalanceRow, timestamp int64) (ledger.PoolMap, error) {
	pm := make(ledger.PoolMap, len(rows))
	for _, r := range rows {
		if !common.IsHexAddress(r.Pool) || !common.IsHexAddress(r.Holder) {
			return nil, fmt.Errorf("checkpoint virtual row: bad address %q/%q", r.Pool, r.Holder)
		}
		pm.Add(common.HexToAddress(r.Pool), event.VirtualLiquiditySnapshot{
			ID:            "checkpoint",
			SerialID:      -1,
			Timestamp:     timestamp,
			EffectiveUser: common.HexToAddress(r.Holder),
			Kind:          event.SnapshotAbsolute,
			BalancePar:    r.BalancePar,
		})
	}
	return pm, nil
}

// EncodeWatermarks keys serial watermarks by account path.
func EncodeWatermarks(watermarks map[ledger.BalanceKey]int64) map[string]int64 {
	out := make(map[string]int64, len(watermarks))
	for k, v := range watermarks {
		out[k.AccountPath()] = v
	}
	return out
}

func DecodeWatermarks(in map[string]int64) (map[ledger.BalanceKey]int64, error) {
	out := make(map[ledger.BalanceKey]int64, len(in))
	for path, v := range in {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// EncodeCarry stores per-account per-market fixed-point points as decimal strings.
func EncodeCarry(final *aggregator.FinalPoints) map[string]map[string]string {
	if final == nil {
		return nil
	}
	out := make(map[string]map[string]string, len(final.AccountToMarketToPoints))
	for account, lines := range final.AccountToMarketToPoints {
		m := make(map[string]string, len(lines))
		for market, v := range lines {
			m[strconv.FormatUint(uint64(market), 10)] = v.String()
		}
		out[account.Hex()] = m
	}
	return out
}

// DecodeCarry rebuilds FinalPoints, recomputing the account and market totals.
func DecodeCarry(in map[string]map[string]string) (*aggregator.FinalPoints, error) {
	if len(in) == 0 {
		return nil, nil
	}
	final := aggregator.NewFinalPoints()
	for account, lines := range in {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("carry: bad account %q", account)
		}
		addr := common.HexToAddress(account)
		for market, s := range lines {
			m, err := strconv.ParseUint(market, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("carry: bad market %q: %w", market, err)
			}
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("carry: bad amount %q", s)
			}
			final.Credit(addr, ledger.MarketID(m), v)
		}
	}
	return final, nil
}

// SaveCheckpoint persists a checkpoint. Re-running an epoch overwrites its checkpoint.
func (cs *CheckpointStore) SaveCheckpoint(ctx context.Context, cp *CheckpointData) (int, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	_, err = cs.db.ExecContext(ctx, `
		INSERT INTO rewards.checkpoints
			(checkpoint_id, epoch, end_timestamp, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (epoch) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7, created_at = $8
	`, uuid.New(), cp.Epoch, cp.EndTimestamp, data, cp.StateHash, checkpointFormatVersion, len(data), cp.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save checkpoint epoch=%d: %w", cp.Epoch, err)
	}
	return len(data), nil
}

// LoadLatestCheckpoint returns the newest checkpoint, or nil on a cold start.
func (cs *CheckpointStore) LoadLatestCheckpoint(ctx context.Context) (*CheckpointData, error) {
	return cs.load(ctx, `SELECT data FROM rewards.checkpoints ORDER BY epoch DESC LIMIT 1`)
}

// LoadCheckpointBefore returns the newest checkpoint for an epoch below epoch.
func (cs *CheckpointStore) LoadCheckpointBefore(ctx context.Context, epoch int64) (*CheckpointData, error) {
	return cs.load(ctx, `SELECT data FROM rewards.checkpoints WHERE epoch < $1 ORDER BY epoch DESC LIMIT 1`, epoch)
}

func (cs *CheckpointStore) load(ctx context.Context, query string, args ...interface{}) (*CheckpointData, error) {
	var data []byte
	if err := cs.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp CheckpointData
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

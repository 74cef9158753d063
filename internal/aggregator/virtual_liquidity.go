package aggregator

import (
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	fpmath "RewardLedger/internal/math"
	"RewardLedger/internal/state"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// VirtualLiquidityResult holds equity points as 18-decimal fixed-point integers.
type VirtualLiquidityResult struct {
	PoolTotalEquity map[common.Address]*big.Int
	HolderEquity    map[ledger.PoolHolderKey]*big.Int
}

// HolderShare returns the holder's equity points in pool, zero when unknown.
func (r VirtualLiquidityResult) HolderShare(pool, holder common.Address) *big.Int {
	if v, ok := r.HolderEquity[ledger.PoolHolderKey{Pool: pool, Holder: holder}]; ok {
		return v
	}
	return new(big.Int)
}

// CalculateVirtualLiquidityPoints integrates every holder's virtual balance over
// [startTimestamp, endTimestamp]. Snapshots stamped before the window seed the opening
// balance; snapshots after it belong to a later epoch and are ignored.
func CalculateVirtualLiquidityPoints(
	poolMap ledger.PoolMap,
	startTimestamp int64,
	endTimestamp int64,
) (VirtualLiquidityResult, error) {
	if endTimestamp < startTimestamp {
		return VirtualLiquidityResult{}, fmt.Errorf("%w: start=%d end=%d", ErrInvalidWindow, startTimestamp, endTimestamp)
	}

	result := VirtualLiquidityResult{
		PoolTotalEquity: make(map[common.Address]*big.Int),
		HolderEquity:    make(map[ledger.PoolHolderKey]*big.Int),
	}

	for _, pool := range poolMap.Pools() {
		total := new(big.Int)

		for _, holder := range poolMap.Holders(pool) {
			key := ledger.PoolHolderKey{Pool: pool, Holder: holder}
			acc, err := replayHolder(holder, poolMap[key], startTimestamp, endTimestamp)
			if err != nil {
				return VirtualLiquidityResult{}, fmt.Errorf("pool %s holder %s: %w", pool.Hex(), holder.Hex(), err)
			}

			equity := fpmath.ToFixedPoint(acc.EquityPoints)
			result.HolderEquity[key] = equity
			total.Add(total, equity)
		}

		result.PoolTotalEquity[pool] = total
	}

	return result, nil
}

func replayHolder(
	holder common.Address,
	snapshots []event.VirtualLiquiditySnapshot,
	startTimestamp int64,
	endTimestamp int64,
) (state.VirtualLiquidityPointsAccumulator, error) {
	acc := state.NewVirtualLiquidityPointsAccumulator(holder, startTimestamp)

	for _, snap := range event.ResolveSnapshots(snapshots) {
		if snap.Timestamp > endTimestamp {
			break
		}
		if snap.Timestamp < startTimestamp {
			snap.Timestamp = startTimestamp
		}

		next, _, err := state.AdvanceSnapshot(acc, snap)
		if err != nil {
			return acc, err
		}
		acc = next
	}

	closed, _, err := state.AdvanceSnapshot(acc, acc.ClosingSnapshot(endTimestamp))
	if err != nil {
		return acc, err
	}
	return closed, nil
}

// ClosingBalances returns every holder's virtual balance as of endTimestamp, with
// pre-window snapshots included. The next epoch seeds its pool map from it.
func ClosingBalances(poolMap ledger.PoolMap, endTimestamp int64) map[ledger.PoolHolderKey]decimal.Decimal {
	out := make(map[ledger.PoolHolderKey]decimal.Decimal, len(poolMap))
	for key, snapshots := range poolMap {
		balance := decimal.Zero
		for _, snap := range event.ResolveSnapshots(snapshots) {
			if snap.Timestamp > endTimestamp {
				break
			}
			balance = snap.BalancePar
		}
		if !balance.IsZero() {
			out[key] = balance
		}
	}
	return out
}

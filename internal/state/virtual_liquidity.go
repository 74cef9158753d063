package state

import (
	"RewardLedger/internal/event"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// VirtualLiquidityPointsAccumulator integrates a holder's virtual liquidity balance over
// time (weight 1, no interest).
type VirtualLiquidityPointsAccumulator struct {
	EffectiveUser common.Address
	LastUpdated   int64
	BalancePar    decimal.Decimal
	EquityPoints  decimal.Decimal
}

// NewVirtualLiquidityPointsAccumulator opens an empty position at startTimestamp.
func NewVirtualLiquidityPointsAccumulator(user common.Address, startTimestamp int64) VirtualLiquidityPointsAccumulator {
	return VirtualLiquidityPointsAccumulator{
		EffectiveUser: user,
		LastUpdated:   startTimestamp,
		BalancePar:    decimal.Zero,
		EquityPoints:  decimal.Zero,
	}
}

// AdvanceSnapshot accrues equity points up to the snapshot and adopts its balance.
func AdvanceSnapshot(
	acc VirtualLiquidityPointsAccumulator,
	snap event.VirtualLiquiditySnapshot,
) (VirtualLiquidityPointsAccumulator, decimal.Decimal, error) {
	if snap.Kind != event.SnapshotAbsolute {
		return acc, decimal.Zero, fmt.Errorf("%w: id=%s", ErrUnresolvedSnapshot, snap.ID)
	}
	if snap.Timestamp < acc.LastUpdated {
		return acc, decimal.Zero, fmt.Errorf("%w: snapshot timestamp=%d last_updated=%d",
			ErrOutOfOrderEvent, snap.Timestamp, acc.LastUpdated)
	}

	pointsUpdate := decimal.Zero
	if acc.BalancePar.Sign() > 0 {
		pointsUpdate = acc.BalancePar.Mul(decimal.NewFromInt(snap.Timestamp - acc.LastUpdated))
	}

	next := acc
	next.EquityPoints = acc.EquityPoints.Add(pointsUpdate)
	next.BalancePar = snap.BalancePar
	next.LastUpdated = snap.Timestamp

	return next, pointsUpdate, nil
}

// ProcessSnapshot is the method form of AdvanceSnapshot.
func (a VirtualLiquidityPointsAccumulator) ProcessSnapshot(
	snap event.VirtualLiquiditySnapshot,
) (VirtualLiquidityPointsAccumulator, decimal.Decimal, error) {
	return AdvanceSnapshot(a, snap)
}

// ClosingSnapshot carries the current balance forward to timestamp.
func (a VirtualLiquidityPointsAccumulator) ClosingSnapshot(timestamp int64) event.VirtualLiquiditySnapshot {
	return event.VirtualLiquiditySnapshot{
		Timestamp:     timestamp,
		EffectiveUser: a.EffectiveUser,
		Kind:          event.SnapshotAbsolute,
		BalancePar:    a.BalancePar,
	}
}

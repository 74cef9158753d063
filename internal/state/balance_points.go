package state

import (
	"RewardLedger/internal/event"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalancePointsAccumulator is the accrual state of one (account, sub-account, market).
// Values are immutable: Advance returns a new accumulator.
type BalancePointsAccumulator struct {
	EffectiveUser           common.Address
	PointsPerSecond         decimal.Decimal
	LastUpdated             int64
	BalancePar              decimal.Decimal // negative = borrow
	RewardPoints            decimal.Decimal
	PositiveInterestAccrued decimal.Decimal
	NegativeInterestAccrued decimal.Decimal
}

// NewBalancePointsAccumulator initializes an accumulator from the first event seen for
// a key. No accrual applies: there is no prior state to accrue against.
func NewBalancePointsAccumulator(evt event.BalanceChangeEvent, pointsPerSecond decimal.Decimal) BalancePointsAccumulator {
	return BalancePointsAccumulator{
		EffectiveUser:           evt.EffectiveUser,
		PointsPerSecond:         pointsPerSecond,
		LastUpdated:             evt.Timestamp,
		BalancePar:              evt.AmountDeltaPar,
		RewardPoints:            decimal.Zero,
		PositiveInterestAccrued: decimal.Zero,
		NegativeInterestAccrued: decimal.Zero,
	}
}

// Advance folds one event into acc and returns the new state together with the points
// accrued by this step.
func Advance(
	acc BalancePointsAccumulator,
	evt event.BalanceChangeEvent,
	op event.InterestOperation,
) (BalancePointsAccumulator, decimal.Decimal, error) {
	if evt.EffectiveUser != acc.EffectiveUser {
		return acc, decimal.Zero, fmt.Errorf("%w: accumulator=%s event=%s serial=%d",
			ErrEffectiveUserMismatch, acc.EffectiveUser.Hex(), evt.EffectiveUser.Hex(), evt.SerialID)
	}
	if evt.Timestamp < acc.LastUpdated {
		return acc, decimal.Zero, fmt.Errorf("%w: timestamp=%d last_updated=%d serial=%d",
			ErrOutOfOrderEvent, evt.Timestamp, acc.LastUpdated, evt.SerialID)
	}

	timeDelta := decimal.NewFromInt(evt.Timestamp - acc.LastUpdated)
	weight := timeDelta.Mul(acc.PointsPerSecond)

	positiveInterestDelta := decimal.Zero
	negativeInterestDelta := decimal.Zero
	next := acc

	if op != event.InterestOperationNothing {
		switch acc.BalancePar.Sign() {
		case -1:
			negativeInterestDelta = acc.BalancePar.Abs().Mul(evt.InterestIndex.BorrowIndex.Sub(decimal.NewFromInt(1)))
			next.NegativeInterestAccrued = acc.NegativeInterestAccrued.Add(negativeInterestDelta)
		case 1:
			positiveInterestDelta = acc.BalancePar.Mul(evt.InterestIndex.SupplyIndex.Sub(decimal.NewFromInt(1)))
			next.PositiveInterestAccrued = acc.PositiveInterestAccrued.Add(positiveInterestDelta)
		}
	}

	pointsUpdate := decimal.Zero
	if acc.BalancePar.Sign() > 0 {
		pointsUpdate = acc.BalancePar.Mul(weight)
	}

	switch op {
	case event.InterestOperationNothing:
	case event.InterestOperationAddPositive:
		pointsUpdate = pointsUpdate.Add(positiveInterestDelta.Mul(weight))
	case event.InterestOperationAddNegative:
		pointsUpdate = pointsUpdate.Add(negativeInterestDelta.Abs().Mul(weight))
	case event.InterestOperationNegate:
		pointsUpdate = pointsUpdate.Add(positiveInterestDelta.Sub(negativeInterestDelta).Mul(weight))
	default:
		return acc, decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidInterestOperation, op)
	}

	next.RewardPoints = acc.RewardPoints.Add(pointsUpdate)
	next.BalancePar = acc.BalancePar.Add(evt.AmountDeltaPar)
	next.LastUpdated = evt.Timestamp

	return next, pointsUpdate, nil
}

// ProcessEvent is the method form of Advance.
func (a BalancePointsAccumulator) ProcessEvent(
	evt event.BalanceChangeEvent,
	op event.InterestOperation,
) (BalancePointsAccumulator, decimal.Decimal, error) {
	return Advance(a, evt, op)
}

// IsInert reports whether both balance and accrued points are exactly zero.
func (a BalancePointsAccumulator) IsInert() bool {
	return a.BalancePar.IsZero() && a.RewardPoints.IsZero()
}

// CanonicalBytes for deterministic hashing
func (a BalancePointsAccumulator) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// effective_user (20 bytes)
	buf = append(buf, a.EffectiveUser.Bytes()...)

	// last_updated (8 bytes LE)
	buf = appendInt64LE(buf, a.LastUpdated)

	// decimals as length-prefixed canonical strings
	for _, d := range []decimal.Decimal{
		a.PointsPerSecond,
		a.BalancePar,
		a.RewardPoints,
		a.PositiveInterestAccrued,
		a.NegativeInterestAccrued,
	} {
		buf = appendDecimal(buf, d)
	}

	return buf
}

func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	s := d.String()
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceChangeEvent is one signed par delta for a single (account, sub-account, market).
// SerialID orders events sharing a key; it is not globally unique.
type BalanceChangeEvent struct {
	AmountDeltaPar decimal.Decimal
	InterestIndex  InterestIndex
	Timestamp      int64 // unix seconds
	SerialID       int64
	EffectiveUser  common.Address
}

// ClosingEvent builds the zero-delta event used to roll a position forward to the
// epoch end.
func ClosingEvent(user common.Address, index InterestIndex, timestamp int64) BalanceChangeEvent {
	return BalanceChangeEvent{
		AmountDeltaPar: decimal.Zero,
		InterestIndex:  index,
		Timestamp:      timestamp,
		EffectiveUser:  user,
	}
}

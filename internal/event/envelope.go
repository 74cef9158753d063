package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType discriminator for raw protocol events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeTransfer
	EventTypeTrade
	EventTypeLiquidation
)

// MarketID identifies a protocol market (asset).
type MarketID uint64

// MarginAccount identifies one sub-account of an on-chain account together with its
// economic owner.
type MarginAccount struct {
	Owner  common.Address
	Number uint256.Int

	// EffectiveUser is the economic owner; it differs from Owner for vault-held accounts
	EffectiveUser common.Address
}

// EffectiveOwner returns EffectiveUser, falling back to Owner when unset.
func (a MarginAccount) EffectiveOwner() common.Address {
	if a.EffectiveUser == (common.Address{}) {
		return a.Owner
	}
	return a.EffectiveUser
}

// KeyedBalanceChange is a balance change addressed to one (account, sub-account, market).
type KeyedBalanceChange struct {
	Account    common.Address
	SubAccount uint256.Int
	Market     MarketID
	Event      BalanceChangeEvent
}

// Event is implemented by every raw protocol event the indexer reports.
type Event interface {
	// IdempotencyKey returns the stable dedup key (tx hash + log index upstream)
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ToBalanceChanges expands the event into per-key par deltas
	ToBalanceChanges() []KeyedBalanceChange
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeTransfer:
		return "Transfer"
	case EventTypeTrade:
		return "Trade"
	case EventTypeLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

func keyedChange(acct MarginAccount, delta MarketDelta, serialID, timestamp int64, negate bool) KeyedBalanceChange {
	amount := delta.DeltaPar
	if negate {
		amount = amount.Neg()
	}
	return KeyedBalanceChange{
		Account:    acct.Owner,
		SubAccount: acct.Number,
		Market:     delta.Market,
		Event: BalanceChangeEvent{
			AmountDeltaPar: amount,
			InterestIndex:  delta.Index,
			Timestamp:      timestamp,
			SerialID:       serialID,
			EffectiveUser:  acct.EffectiveOwner(),
		},
	}
}

package event

import "github.com/shopspring/decimal"

// MarketDelta is a par change in one market together with the market's index at the
// time of the change.
type MarketDelta struct {
	Market   MarketID
	DeltaPar decimal.Decimal
	Index    InterestIndex
}

// Deposit credits AmountPar to Account in one market.
type Deposit struct {
	ID        string
	SerialID  int64
	Timestamp int64
	Account   MarginAccount
	Market    MarketID
	AmountPar decimal.Decimal
	Index     InterestIndex
}

func (d *Deposit) IdempotencyKey() string {
	return d.ID
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) ToBalanceChanges() []KeyedBalanceChange {
	delta := MarketDelta{Market: d.Market, DeltaPar: d.AmountPar, Index: d.Index}
	return []KeyedBalanceChange{keyedChange(d.Account, delta, d.SerialID, d.Timestamp, false)}
}

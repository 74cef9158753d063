package event

import "github.com/shopspring/decimal"

// Withdrawal debits AmountPar (a positive number) from Account in one market.
type Withdrawal struct {
	ID        string
	SerialID  int64
	Timestamp int64
	Account   MarginAccount
	Market    MarketID
	AmountPar decimal.Decimal
	Index     InterestIndex
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.ID
}

func (w *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (w *Withdrawal) ToBalanceChanges() []KeyedBalanceChange {
	delta := MarketDelta{Market: w.Market, DeltaPar: w.AmountPar.Abs(), Index: w.Index}
	return []KeyedBalanceChange{keyedChange(w.Account, delta, w.SerialID, w.Timestamp, true)}
}

package event

import "github.com/shopspring/decimal"

// Transfer moves AmountPar of one market from From to To. It is zero-sum.
type Transfer struct {
	ID        string
	SerialID  int64
	Timestamp int64
	From      MarginAccount
	To        MarginAccount
	Market    MarketID
	AmountPar decimal.Decimal
	Index     InterestIndex
}

func (t *Transfer) IdempotencyKey() string {
	return t.ID
}

func (t *Transfer) EventType() EventType {
	return EventTypeTransfer
}

func (t *Transfer) ToBalanceChanges() []KeyedBalanceChange {
	delta := MarketDelta{Market: t.Market, DeltaPar: t.AmountPar, Index: t.Index}
	return []KeyedBalanceChange{
		keyedChange(t.From, delta, t.SerialID, t.Timestamp, true),
		keyedChange(t.To, delta, t.SerialID, t.Timestamp, false),
	}
}

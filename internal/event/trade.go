package event

// Trade moves balances between a taker and a maker. TakerDeltas are the taker's par
// changes per market; the maker receives the exact opposites, so every market nets
// to zero.
type Trade struct {
	ID          string
	SerialID    int64
	Timestamp   int64
	Taker       MarginAccount
	Maker       MarginAccount
	TakerDeltas []MarketDelta
}

func (t *Trade) IdempotencyKey() string {
	return t.ID
}

func (t *Trade) EventType() EventType {
	return EventTypeTrade
}

func (t *Trade) ToBalanceChanges() []KeyedBalanceChange {
	changes := make([]KeyedBalanceChange, 0, 2*len(t.TakerDeltas))
	for _, d := range t.TakerDeltas {
		changes = append(changes, keyedChange(t.Taker, d, t.SerialID, t.Timestamp, false))
	}
	for _, d := range t.TakerDeltas {
		changes = append(changes, keyedChange(t.Maker, d, t.SerialID, t.Timestamp, true))
	}
	return changes
}

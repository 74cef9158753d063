package event

// Liquidation seizes collateral from an under-collateralized (liquid) account in favour
// of the liquidator (solid). Held and Owed are expressed from the solid account's side:
// Held.DeltaPar is the collateral received (positive) and Owed.DeltaPar the debt
// repaid (negative). The liquid account receives the opposites.
type Liquidation struct {
	ID        string
	SerialID  int64
	Timestamp int64
	Solid     MarginAccount
	Liquid    MarginAccount
	Held      MarketDelta
	Owed      MarketDelta
}

func (l *Liquidation) IdempotencyKey() string {
	return l.ID
}

func (l *Liquidation) EventType() EventType {
	return EventTypeLiquidation
}

func (l *Liquidation) ToBalanceChanges() []KeyedBalanceChange {
	return []KeyedBalanceChange{
		keyedChange(l.Solid, l.Held, l.SerialID, l.Timestamp, false),
		keyedChange(l.Solid, l.Owed, l.SerialID, l.Timestamp, false),
		keyedChange(l.Liquid, l.Held, l.SerialID, l.Timestamp, true),
		keyedChange(l.Liquid, l.Owed, l.SerialID, l.Timestamp, true),
	}
}

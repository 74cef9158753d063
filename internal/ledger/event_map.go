package ledger

import (
	"RewardLedger/internal/event"
	"sort"
)

// EventMap groups balance changes per key, in arrival order.
type EventMap map[BalanceKey][]event.BalanceChangeEvent

// Add appends one keyed change.
func (em EventMap) Add(change event.KeyedBalanceChange) {
	key := NewBalanceKey(change.Account, change.SubAccount, change.Market)
	em[key] = append(em[key], change.Event)
}

// AddEvent expands a raw protocol event and appends all of its changes.
func (em EventMap) AddEvent(evt event.Event) {
	for _, c := range evt.ToBalanceChanges() {
		em.Add(c)
	}
}

// SortedKeys returns all keys in deterministic order.
func (em EventMap) SortedKeys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(em))
	for k := range em {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}

// Count returns the total number of events across keys.
func (em EventMap) Count() int {
	n := 0
	for _, events := range em {
		n += len(events)
	}
	return n
}

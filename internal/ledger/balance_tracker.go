package ledger

import (
	"RewardLedger/internal/state"
	"sort"
)

// BalanceMap holds live accumulators under a flat composite key. Entries are created on
// a key's first event and removed once inert (zero balance and zero points).
// Not thread-safe.
type BalanceMap struct {
	balances map[BalanceKey]state.BalancePointsAccumulator
}

func NewBalanceMap() *BalanceMap {
	return &BalanceMap{
		balances: make(map[BalanceKey]state.BalancePointsAccumulator),
	}
}

// Get returns the accumulator for key, if present.
func (bm *BalanceMap) Get(key BalanceKey) (state.BalancePointsAccumulator, bool) {
	acc, ok := bm.balances[key]
	return acc, ok
}

// Set stores acc under key.
func (bm *BalanceMap) Set(key BalanceKey, acc state.BalancePointsAccumulator) {
	bm.balances[key] = acc
}

// Delete removes key.
func (bm *BalanceMap) Delete(key BalanceKey) {
	delete(bm.balances, key)
}

// Len returns the number of live accumulators.
func (bm *BalanceMap) Len() int {
	return len(bm.balances)
}

// SortedKeys returns all keys in deterministic order.
func (bm *BalanceMap) SortedKeys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(bm.balances))
	for k := range bm.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}

// Range calls fn for every entry in key order until fn returns false.
func (bm *BalanceMap) Range(fn func(BalanceKey, state.BalancePointsAccumulator) bool) {
	for _, k := range bm.SortedKeys() {
		if !fn(k, bm.balances[k]) {
			return
		}
	}
}

// Clone returns a copy; accumulators are values so the copy is independent.
func (bm *BalanceMap) Clone() *BalanceMap {
	out := &BalanceMap{balances: make(map[BalanceKey]state.BalancePointsAccumulator, len(bm.balances))}
	for k, v := range bm.balances {
		out.balances[k] = v
	}
	return out
}

// ReplaceWith swaps in the contents of other.
func (bm *BalanceMap) ReplaceWith(other *BalanceMap) {
	bm.balances = other.balances
}

package ledger

import (
	"RewardLedger/internal/event"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PoolMap holds virtual liquidity snapshots per (pool, holder).
type PoolMap map[PoolHolderKey][]event.VirtualLiquiditySnapshot

// Add appends a snapshot for holder in pool.
func (pm PoolMap) Add(pool common.Address, snap event.VirtualLiquiditySnapshot) {
	key := PoolHolderKey{Pool: pool, Holder: snap.EffectiveUser}
	pm[key] = append(pm[key], snap)
}

// Pools returns every pool with at least one holder, sorted.
func (pm PoolMap) Pools() []common.Address {
	seen := make(map[common.Address]struct{})
	for k := range pm {
		seen[k.Pool] = struct{}{}
	}
	pools := make([]common.Address, 0, len(seen))
	for p := range seen {
		pools = append(pools, p)
	}
	SortAddresses(pools)
	return pools
}

// Holders returns the holders of pool, sorted. The pool itself is never a holder of
// its own points.
func (pm PoolMap) Holders(pool common.Address) []common.Address {
	var holders []common.Address
	for k := range pm {
		if k.Pool == pool && k.Holder != pool {
			holders = append(holders, k.Holder)
		}
	}
	SortAddresses(holders)
	return holders
}

func sortSlice[T any](s []T, less func(a, b T) bool) {
	sort.Slice(s, func(i, j int) bool {
		return less(s[i], s[j])
	})
}

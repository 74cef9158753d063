package event

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SnapshotKind tells whether a snapshot carries an absolute balance or a delta.
type SnapshotKind int32

const (
	SnapshotAbsolute SnapshotKind = iota
	SnapshotDelta
)

// VirtualLiquiditySnapshot observes a virtual liquidity holder's balance (AMM share,
// vesting position, staked receipt) at a timestamp.
type VirtualLiquiditySnapshot struct {
	ID            string
	SerialID      int64
	Timestamp     int64
	EffectiveUser common.Address
	Kind          SnapshotKind
	BalancePar    decimal.Decimal // set for SnapshotAbsolute
	DeltaPar      decimal.Decimal // set for SnapshotDelta
}

// ResolveSnapshots orders snapshots by (timestamp, serial id) and converts every delta
// snapshot into an absolute one using the last known absolute balance, which starts
// at zero. The input slice is not modified.
func ResolveSnapshots(snapshots []VirtualLiquiditySnapshot) []VirtualLiquiditySnapshot {
	resolved := make([]VirtualLiquiditySnapshot, len(snapshots))
	copy(resolved, snapshots)

	sort.SliceStable(resolved, func(i, j int) bool {
		if resolved[i].Timestamp != resolved[j].Timestamp {
			return resolved[i].Timestamp < resolved[j].Timestamp
		}
		return resolved[i].SerialID < resolved[j].SerialID
	})

	last := decimal.Zero
	for i := range resolved {
		if resolved[i].Kind == SnapshotDelta {
			resolved[i].BalancePar = last.Add(resolved[i].DeltaPar)
			resolved[i].DeltaPar = decimal.Zero
			resolved[i].Kind = SnapshotAbsolute
		}
		last = resolved[i].BalancePar
	}
	return resolved
}

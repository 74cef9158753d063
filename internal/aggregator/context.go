package aggregator

import (
	"RewardLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ReductionContext carries the per-program inputs of the reduction step. It is passed
// explicitly so aggregation stays a pure function of its arguments.
type ReductionContext struct {
	Blacklist    map[common.Address]struct{}
	Remap        map[common.Address]common.Address
	ValidMarkets map[ledger.MarketID]struct{} // empty = every market
	Pools        map[common.Address]struct{}  // configured pools, with or without holders
}

func NewReductionContext(
	blacklist []common.Address,
	remap map[common.Address]common.Address,
	validMarkets []ledger.MarketID,
) ReductionContext {
	rctx := ReductionContext{
		Blacklist:    make(map[common.Address]struct{}, len(blacklist)),
		Remap:        make(map[common.Address]common.Address, len(remap)),
		ValidMarkets: make(map[ledger.MarketID]struct{}, len(validMarkets)),
		Pools:        make(map[common.Address]struct{}),
	}
	for _, a := range blacklist {
		rctx.Blacklist[a] = struct{}{}
	}
	for from, to := range remap {
		rctx.Remap[from] = to
	}
	for _, m := range validMarkets {
		rctx.ValidMarkets[m] = struct{}{}
	}
	return rctx
}

// WithPools returns a copy of r that also treats pools as pool accounts.
func (r ReductionContext) WithPools(pools []common.Address) ReductionContext {
	set := make(map[common.Address]struct{}, len(r.Pools)+len(pools))
	for a := range r.Pools {
		set[a] = struct{}{}
	}
	for _, a := range pools {
		set[a] = struct{}{}
	}
	r.Pools = set
	return r
}

func (r ReductionContext) IsBlacklisted(addr common.Address) bool {
	_, ok := r.Blacklist[addr]
	return ok
}

func (r ReductionContext) IsValidMarket(m ledger.MarketID) bool {
	if len(r.ValidMarkets) == 0 {
		return true
	}
	_, ok := r.ValidMarkets[m]
	return ok
}

func (r ReductionContext) IsPool(addr common.Address) bool {
	_, ok := r.Pools[addr]
	return ok
}

// SortedPools returns the pool set in address order.
func (r ReductionContext) SortedPools() []common.Address {
	pools := make([]common.Address, 0, len(r.Pools))
	for p := range r.Pools {
		pools = append(pools, p)
	}
	ledger.SortAddresses(pools)
	return pools
}

// Claimant resolves addr through the remap table (single hop).
func (r ReductionContext) Claimant(addr common.Address) common.Address {
	if to, ok := r.Remap[addr]; ok {
		return to
	}
	return addr
}

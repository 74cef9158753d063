package aggregator

import (
	"RewardLedger/internal/ledger"
	fpmath "RewardLedger/internal/math"
	"RewardLedger/internal/state"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// FinalPoints is the reduced result of an epoch. All values are 18-decimal fixed point.
// Invariant: for every market, the sum of AccountToMarketToPoints over accounts equals
// MarketToTotalPoints.
type FinalPoints struct {
	AccountToPoints         map[common.Address]*big.Int
	AccountToMarketToPoints map[common.Address]map[ledger.MarketID]*big.Int
	MarketToTotalPoints     map[ledger.MarketID]*big.Int

	Report Report
}

// Report counts what the reduction did, for logging and metrics.
type Report struct {
	PoolsDevolved int
	PoolsSkipped  int
	UsersExcluded int
	UsersDropped  int
	UsersRemapped int
}

func NewFinalPoints() *FinalPoints {
	return &FinalPoints{
		AccountToPoints:         make(map[common.Address]*big.Int),
		AccountToMarketToPoints: make(map[common.Address]map[ledger.MarketID]*big.Int),
		MarketToTotalPoints:     make(map[ledger.MarketID]*big.Int),
	}
}

// credit adds amount to the account line and the market total.
func (f *FinalPoints) credit(account common.Address, market ledger.MarketID, amount *big.Int) {
	if fpmath.IsZero(amount) {
		return
	}
	lines, ok := f.AccountToMarketToPoints[account]
	if !ok {
		lines = make(map[ledger.MarketID]*big.Int)
		f.AccountToMarketToPoints[account] = lines
	}
	fpmath.AddInto(lines, market, amount)
	fpmath.AddInto(f.AccountToPoints, account, amount)
	fpmath.AddInto(f.MarketToTotalPoints, market, amount)
}

// Credit adds amount to an account line and its market total. Used to rebuild a carry.
func (f *FinalPoints) Credit(account common.Address, market ledger.MarketID, amount *big.Int) {
	f.credit(account, market, amount)
}

// take removes the account's lines and returns them. Market totals are left as they
// were; the caller re-credits or debits them.
func (f *FinalPoints) take(account common.Address) map[ledger.MarketID]*big.Int {
	lines := f.AccountToMarketToPoints[account]
	delete(f.AccountToMarketToPoints, account)
	delete(f.AccountToPoints, account)
	return lines
}

func (f *FinalPoints) debitMarket(market ledger.MarketID, amount *big.Int) {
	if fpmath.IsZero(amount) {
		return
	}
	fpmath.AddInto(f.MarketToTotalPoints, market, new(big.Int).Neg(amount))
}

// Accounts returns every account with a line, sorted.
func (f *FinalPoints) Accounts() []common.Address {
	accounts := make([]common.Address, 0, len(f.AccountToPoints))
	for a := range f.AccountToPoints {
		accounts = append(accounts, a)
	}
	ledger.SortAddresses(accounts)
	return accounts
}

// Markets returns every market with a total, sorted.
func (f *FinalPoints) Markets() []ledger.MarketID {
	return sortedMarkets(f.MarketToTotalPoints)
}

// AccountMarketPoints returns the (account, market) line, zero when absent.
func (f *FinalPoints) AccountMarketPoints(account common.Address, market ledger.MarketID) *big.Int {
	if v, ok := f.AccountToMarketToPoints[account][market]; ok {
		return v
	}
	return new(big.Int)
}

// Clone deep-copies every big.Int.
func (f *FinalPoints) Clone() *FinalPoints {
	out := NewFinalPoints()
	for a, lines := range f.AccountToMarketToPoints {
		for m, v := range lines {
			out.credit(a, m, v)
		}
	}
	out.MarketToTotalPoints = make(map[ledger.MarketID]*big.Int, len(f.MarketToTotalPoints))
	for m, v := range f.MarketToTotalPoints {
		out.MarketToTotalPoints[m] = new(big.Int).Set(v)
	}
	out.Report = f.Report
	return out
}

// CalculateFinalPoints reduces per-position points to per-account and per-market totals:
//  1. seed from the previous epoch's carry (cumulative programs), skipping blacklisted accounts;
//  2. credit every eligible position under its effective user, pool positions under the pool;
//  3. devolve pool points to the pool's virtual liquidity holders, for every configured
//     pool and every pool with holders;
//  4. merge remapped accounts into their claimant;
//  5. drop accounts whose total is zero.
func CalculateFinalPoints(
	rctx ReductionContext,
	balances *ledger.BalanceMap,
	poolMap ledger.PoolMap,
	vl VirtualLiquidityResult,
	carry *FinalPoints,
) *FinalPoints {
	final := NewFinalPoints()

	// Step 1: carry
	if carry != nil {
		for _, account := range carry.Accounts() {
			if rctx.IsBlacklisted(account) {
				final.Report.UsersExcluded++
				continue
			}
			for _, m := range sortedMarkets(carry.AccountToMarketToPoints[account]) {
				final.credit(account, m, carry.AccountToMarketToPoints[account][m])
			}
		}
	}

	// a configured pool without holders still loses its own lines via the zero-equity branch
	rctx = rctx.WithPools(poolMap.Pools())
	pools := rctx.SortedPools()

	// Step 2: positions
	excluded := make(map[common.Address]struct{})
	balances.Range(func(key ledger.BalanceKey, acc state.BalancePointsAccumulator) bool {
		if acc.RewardPoints.Sign() <= 0 || !rctx.IsValidMarket(key.Market) {
			return true
		}
		if rctx.IsBlacklisted(key.Account) || rctx.IsBlacklisted(acc.EffectiveUser) {
			excluded[acc.EffectiveUser] = struct{}{}
			return true
		}
		owner := acc.EffectiveUser
		if rctx.IsPool(key.Account) {
			owner = key.Account
		}
		final.credit(owner, key.Market, fpmath.ToFixedPoint(acc.RewardPoints))
		return true
	})
	final.Report.UsersExcluded += len(excluded)

	// Step 3: pools
	for _, pool := range pools {
		devolvePool(final, rctx, poolMap, vl, pool)
	}

	// Step 4: remap
	for _, account := range final.Accounts() {
		claimant := rctx.Claimant(account)
		if claimant == account {
			continue
		}
		lines := final.take(account)
		final.Report.UsersRemapped++
		for _, m := range sortedMarkets(lines) {
			final.debitMarket(m, lines[m])
			if rctx.IsBlacklisted(claimant) {
				continue
			}
			final.credit(claimant, m, lines[m])
		}
	}

	// Step 5: zero totals
	for _, account := range final.Accounts() {
		if final.AccountToPoints[account].Sign() == 0 {
			final.take(account)
			final.Report.UsersDropped++
		}
	}

	return final
}

// devolvePool splits the pool's per-market points among its holders by equity share
// and deletes the pool's own lines. Each market total is reduced by whatever no
// eligible holder received (blacklisted or nested-pool shares, floor dust), so totals
// keep matching the sum of paid lines.
func devolvePool(
	final *FinalPoints,
	rctx ReductionContext,
	poolMap ledger.PoolMap,
	vl VirtualLiquidityResult,
	pool common.Address,
) {
	lines, ok := final.AccountToMarketToPoints[pool]
	if !ok {
		return
	}
	final.take(pool)

	totalEquity := vl.PoolTotalEquity[pool]
	markets := sortedMarkets(lines)

	if fpmath.IsZero(totalEquity) {
		for _, m := range markets {
			final.debitMarket(m, lines[m])
		}
		final.Report.PoolsSkipped++
		return
	}

	distributed := make(map[ledger.MarketID]*big.Int, len(markets))
	for _, holder := range poolMap.Holders(pool) {
		if rctx.IsBlacklisted(holder) {
			continue
		}
		if rctx.IsPool(holder) {
			continue
		}
		equity := vl.HolderShare(pool, holder)
		if equity.Sign() <= 0 {
			continue
		}
		for _, m := range markets {
			share := fpmath.MulDivFloor(lines[m], equity, totalEquity)
			if share.Sign() == 0 {
				continue
			}
			// market total already holds the pool's points: move, don't re-add
			final.credit(holder, m, share)
			final.debitMarket(m, share)
			fpmath.AddInto(distributed, m, share)
		}
	}

	for _, m := range markets {
		paid := distributed[m]
		if paid == nil {
			paid = new(big.Int)
		}
		final.debitMarket(m, new(big.Int).Sub(lines[m], paid))
	}
	final.Report.PoolsDevolved++
}

func sortedMarkets[V any](m map[ledger.MarketID]V) []ledger.MarketID {
	markets := make([]ledger.MarketID, 0, len(m))
	for k := range m {
		markets = append(markets, k)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
	return markets
}

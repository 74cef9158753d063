package aggregator

import (
	"RewardLedger/internal/ledger"
	fpmath "RewardLedger/internal/math"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RewardMode selects how final points become token amounts.
type RewardMode string

const (
	// RewardModePoints pays the fixed-point points themselves.
	RewardModePoints RewardMode = "points"
	// RewardModeBudget pays each market's budget pro rata to points.
	RewardModeBudget RewardMode = "budget"
)

func ParseRewardMode(s string) (RewardMode, error) {
	switch RewardMode(s) {
	case RewardModePoints, "":
		return RewardModePoints, nil
	case RewardModeBudget:
		return RewardModeBudget, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRewardMode, s)
	}
}

// CalculateRewardAmounts converts final points into per-account payout amounts.
// In budget mode each account receives floor(points × budget / marketTotal) per market;
// markets without a budget or without points pay nothing. Zero amounts are omitted.
func CalculateRewardAmounts(
	final *FinalPoints,
	mode RewardMode,
	budgets map[ledger.MarketID]*big.Int,
) (map[common.Address]*big.Int, error) {
	amounts := make(map[common.Address]*big.Int)

	switch mode {
	case RewardModePoints:
		for _, account := range final.Accounts() {
			if final.AccountToPoints[account].Sign() > 0 {
				amounts[account] = new(big.Int).Set(final.AccountToPoints[account])
			}
		}
		return amounts, nil

	case RewardModeBudget:
		for _, m := range sortedMarkets(budgets) {
			if budgets[m].Sign() < 0 {
				return nil, fmt.Errorf("%w: market=%d", ErrNegativeBudget, m)
			}
		}
		for _, account := range final.Accounts() {
			for _, m := range sortedMarkets(final.AccountToMarketToPoints[account]) {
				budget, ok := budgets[m]
				total := final.MarketToTotalPoints[m]
				if !ok || fpmath.IsZero(budget) || fpmath.IsZero(total) {
					continue
				}
				share := fpmath.MulDivFloor(final.AccountToMarketToPoints[account][m], budget, total)
				if share.Sign() > 0 {
					fpmath.AddInto(amounts, account, share)
				}
			}
		}
		return amounts, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRewardMode, mode)
	}
}

package persistence

import (
	"RewardLedger/internal/aggregator"
	"RewardLedger/internal/core"
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/state"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	acctA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	acctB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func sampleBalances() *ledger.BalanceMap {
	bm := ledger.NewBalanceMap()
	bm.Set(ledger.NewBalanceKey(acctA, *uint256.NewInt(0), 0), state.BalancePointsAccumulator{
		EffectiveUser:           acctA,
		PointsPerSecond:         decimal.RequireFromString("1.5"),
		LastUpdated:             100,
		BalancePar:              decimal.RequireFromString("12.000000000000000001"),
		RewardPoints:            decimal.RequireFromString("99.25"),
		PositiveInterestAccrued: decimal.RequireFromString("0.1"),
		NegativeInterestAccrued: decimal.Zero,
	})
	bm.Set(ledger.NewBalanceKey(acctB, *uint256.NewInt(7), 2), state.BalancePointsAccumulator{
		EffectiveUser:           acctA,
		PointsPerSecond:         decimal.Zero,
		LastUpdated:             100,
		BalancePar:              decimal.RequireFromString("-3"),
		RewardPoints:            decimal.Zero,
		PositiveInterestAccrued: decimal.Zero,
		NegativeInterestAccrued: decimal.RequireFromString("0.02"),
	})
	return bm
}

// ============================================================================
// Test: checkpoint encoding
// ============================================================================

func TestBalances_RoundTripPreservesDigest(t *testing.T) {
	bm := sampleBalances()

	decoded, err := DecodeBalances(EncodeBalances(bm))
	require.NoError(t, err)

	assert.Equal(t, bm.Len(), decoded.Len())
	assert.Equal(t, core.StateDigest(bm), core.StateDigest(decoded))
}

func TestBalances_RejectsBadRows(t *testing.T) {
	_, err := DecodeBalances([]BalanceRow{{AccountPath: "garbage"}})
	assert.Error(t, err)

	rows := EncodeBalances(sampleBalances())
	rows[0].EffectiveUser = "nope"
	_, err = DecodeBalances(rows)
	assert.Error(t, err)
}

func TestWatermarks_RoundTrip(t *testing.T) {
	key := ledger.NewBalanceKey(acctB, *uint256.NewInt(7), 2)
	in := map[ledger.BalanceKey]int64{key: 42}

	out, err := DecodeWatermarks(EncodeWatermarks(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCarry_RoundTrip(t *testing.T) {
	final := aggregator.NewFinalPoints()
	final.Credit(acctA, 0, big.NewInt(5))
	final.Credit(acctA, 3, big.NewInt(7))
	final.Credit(acctB, 0, big.NewInt(11))

	decoded, err := DecodeCarry(EncodeCarry(final))
	require.NoError(t, err)

	assert.Equal(t, int64(12), decoded.AccountToPoints[acctA].Int64())
	assert.Equal(t, int64(16), decoded.MarketToTotalPoints[0].Int64())

	empty, err := DecodeCarry(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

// ============================================================================
// Test: migrations
// ============================================================================

func TestVirtualBalances_RoundTrip(t *testing.T) {
	in := map[ledger.PoolHolderKey]decimal.Decimal{
		{Pool: acctB, Holder: acctA}: decimal.RequireFromString("4.5"),
		{Pool: acctA, Holder: acctB}: decimal.NewFromInt(2),
	}
	rows := EncodeVirtualBalances(in)
	require.Len(t, rows, 2)
	assert.Equal(t, acctA.Hex(), rows[0].Pool, "rows are ordered by pool")

	pm, err := DecodeVirtualBalances(rows, 500)
	require.NoError(t, err)
	snaps := pm[ledger.PoolHolderKey{Pool: acctB, Holder: acctA}]
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(500), snaps[0].Timestamp)
	assert.True(t, snaps[0].BalancePar.Equal(decimal.RequireFromString("4.5")))

	_, err = DecodeVirtualBalances([]VirtualBalanceRow{{Pool: "x", Holder: acctA.Hex()}}, 1)
	assert.Error(t, err)
}

func TestEmbeddedMigrations_Paired(t *testing.T) {
	m := NewMigrator(nil, zerolog.Nop())

	ups, err := ListMigrationFiles(m.fsys, ".up.sql")
	require.NoError(t, err)
	downs, err := ListMigrationFiles(m.fsys, ".down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, extractVersion(ups[i]), extractVersion(downs[i]))
	}
}

// ============================================================================
// Test: WithRetry
// ============================================================================

func TestWithRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 5}

	err := WithRetry(context.Background(), policy, zerolog.Nop(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnPermanent(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	policy := RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}

	err := WithRetry(context.Background(), policy, zerolog.Nop(), "test", func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUp(t *testing.T) {
	policy := RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}
	err := WithRetry(context.Background(), policy, zerolog.Nop(), "test", func(ctx context.Context) error {
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
}

func TestWithRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{Initial: time.Hour, Max: time.Hour}

	err := WithRetry(ctx, policy, zerolog.Nop(), "test", func(ctx context.Context) error {
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

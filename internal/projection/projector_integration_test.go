package projection_test

import (
	"context"
	"math/big"
	"testing"

	"RewardLedger/internal/distribution"
	"RewardLedger/internal/merkle"
	"RewardLedger/internal/persistence"
	"RewardLedger/internal/projection"
	"RewardLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalizedOutput(t *testing.T, epoch int64, amounts map[common.Address]*big.Int) *distribution.Output {
	t.Helper()
	tree, err := merkle.CalculateMerkleRootAndProofs(amounts)
	require.NoError(t, err)
	out := distribution.Build(distribution.Window{Epoch: epoch, StartTimestamp: 1, EndTimestamp: 2}, tree)
	require.NoError(t, out.Finalize(tree.Root))
	return out
}

func TestProjector_ProjectAndRebuild(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, zerolog.Nop()).Up(ctx))

	a, b := common.HexToAddress("0xa1"), common.HexToAddress("0xb2")
	out := finalizedOutput(t, 4, map[common.Address]*big.Int{a: big.NewInt(10), b: big.NewInt(20)})

	epochs := persistence.NewEpochStore(db)
	require.NoError(t, epochs.SaveDraft(ctx, out, []byte{1}))
	root, err := out.Root()
	require.NoError(t, err)
	require.NoError(t, epochs.SetRoot(ctx, 4, root))

	p := projection.NewProjector(db, zerolog.Nop())
	require.NoError(t, p.ProjectEpoch(ctx, out))
	require.NoError(t, p.ProjectEpoch(ctx, out), "re-projecting replaces rows")

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewards.distribution_rows WHERE epoch = 4`).Scan(&n))
	assert.Equal(t, 2, n)

	var amount string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT amount FROM rewards.distribution_rows WHERE epoch = 4 AND address = $1`,
		distribution.AddressKey(b)).Scan(&amount))
	assert.Equal(t, "20", amount)

	_, err = db.ExecContext(ctx, `DELETE FROM rewards.distribution_rows`)
	require.NoError(t, err)
	require.NoError(t, p.Rebuild(ctx))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewards.distribution_rows`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestProjector_RejectsDraft(t *testing.T) {
	tree, err := merkle.CalculateMerkleRootAndProofs(map[common.Address]*big.Int{common.HexToAddress("0xa1"): big.NewInt(1)})
	require.NoError(t, err)
	out := distribution.Build(distribution.Window{Epoch: 1}, tree)

	p := projection.NewProjector(nil, zerolog.Nop())
	assert.ErrorIs(t, p.ProjectEpoch(context.Background(), out), distribution.ErrNotFinalized)
}

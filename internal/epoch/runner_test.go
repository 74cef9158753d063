package epoch_test

import (
	"RewardLedger/internal/blobstore"
	"RewardLedger/internal/config"
	"RewardLedger/internal/distribution"
	"RewardLedger/internal/epoch"
	"RewardLedger/internal/ingestion"
	fpmath "RewardLedger/internal/math"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/persistence"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	pool  = common.HexToAddress("0x00000000000000000000000000000000000f0071")
)

// --- Fakes ---

// streamSource replays a fixed message log through the real collector.
type streamSource struct {
	msgs []ingestion.Message
	from []uint64
}

func (s *streamSource) publish(subject string, payload string) {
	s.msgs = append(s.msgs, ingestion.Message{
		Subject:  subject,
		Sequence: uint64(len(s.msgs) + 1),
		Data:     []byte(payload),
	})
}

func (s *streamSource) Fetch(ctx context.Context, window ingestion.Window, pools []common.Address, fromSequence uint64) (*ingestion.Batch, error) {
	s.from = append(s.from, fromSequence)
	c := ingestion.NewCollector(window, pools, nil, fromSequence)
	var pending []ingestion.Message
	for _, m := range s.msgs {
		if m.Sequence >= fromSequence {
			pending = append(pending, m)
		}
	}
	if _, err := c.Add(ctx, pending); err != nil {
		return nil, err
	}
	return c.Batch(), nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[int64][]byte
	err   error
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, cp *persistence.CheckpointData) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, err
	}
	if m.saved == nil {
		m.saved = make(map[int64][]byte)
	}
	m.saved[cp.Epoch] = data
	return len(data), nil
}

func (m *memCheckpoints) LoadCheckpointBefore(_ context.Context, epoch int64) (*persistence.CheckpointData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := int64(-1)
	for e := range m.saved {
		if e < epoch && e > best {
			best = e
		}
	}
	if best < 0 {
		return nil, nil
	}
	var cp persistence.CheckpointData
	if err := json.Unmarshal(m.saved[best], &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

type memEpochs struct {
	mu        sync.Mutex
	artifacts map[int64][]byte
	hashes    map[int64][]byte
}

func newMemEpochs() *memEpochs {
	return &memEpochs{artifacts: make(map[int64][]byte), hashes: make(map[int64][]byte)}
}

func (m *memEpochs) SaveDraft(_ context.Context, out *distribution.Output, stateHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.artifacts[out.Metadata.Epoch]; ok {
		prev, err := distribution.Unmarshal(data)
		if err != nil {
			return err
		}
		if prev.IsFinalized() {
			return distribution.ErrAlreadyFinalized
		}
	}
	data, err := out.Marshal()
	if err != nil {
		return err
	}
	m.artifacts[out.Metadata.Epoch] = data
	m.hashes[out.Metadata.Epoch] = stateHash
	return nil
}

func (m *memEpochs) SetRoot(ctx context.Context, epoch int64, root common.Hash) error {
	out, err := m.Get(ctx, epoch)
	if err != nil {
		return err
	}
	if err := out.Finalize(root); err != nil {
		return err
	}
	data, err := out.Marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[epoch] = data
	return nil
}

func (m *memEpochs) Get(_ context.Context, epoch int64) (*distribution.Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.artifacts[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", persistence.ErrEpochNotFound, epoch)
	}
	return distribution.Unmarshal(data)
}

type memIngest struct {
	records   map[int64][]persistence.IngestRecord
	forgotten []int64
}

func (m *memIngest) Record(_ context.Context, records []persistence.IngestRecord) error {
	if m.records == nil {
		m.records = make(map[int64][]persistence.IngestRecord)
	}
	for _, r := range records {
		m.records[r.Epoch] = append(m.records[r.Epoch], r)
	}
	return nil
}

func (m *memIngest) ForgetEpoch(_ context.Context, epoch int64) error {
	m.forgotten = append(m.forgotten, epoch)
	delete(m.records, epoch)
	return nil
}

type recordingProjector struct {
	projected []int64
}

func (p *recordingProjector) ProjectEpoch(_ context.Context, out *distribution.Output) error {
	if !out.IsFinalized() {
		return distribution.ErrNotFinalized
	}
	p.projected = append(p.projected, out.Metadata.Epoch)
	return nil
}

type recordingNotifier struct {
	notices []ingestion.FinalizedNotice
	failN   int
}

func (n *recordingNotifier) PublishFinalized(_ context.Context, notice ingestion.FinalizedNotice) error {
	if n.failN > 0 {
		n.failN--
		return errors.New("nats unavailable")
	}
	n.notices = append(n.notices, notice)
	return nil
}

// --- Harness ---

type harness struct {
	source      *streamSource
	checkpoints *memCheckpoints
	epochs      *memEpochs
	ingest      *memIngest
	blobs       *blobstore.MemoryStore
	projector   *recordingProjector
	notifier    *recordingNotifier
	metrics     *observability.Metrics
	health      *observability.HealthChecker
	runner      *epoch.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:      &streamSource{},
		checkpoints: &memCheckpoints{},
		epochs:      newMemEpochs(),
		ingest:      &memIngest{},
		blobs:       blobstore.NewMemoryStore(),
		projector:   &recordingProjector{},
		notifier:    &recordingNotifier{},
		metrics:     observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
		health:      observability.NewHealthChecker(),
	}
	h.runner = epoch.NewRunner(epoch.Deps{
		Source:      h.source,
		Checkpoints: h.checkpoints,
		Epochs:      h.epochs,
		Ingest:      h.ingest,
		Blobs:       h.blobs,
		Projector:   h.projector,
		Notifier:    h.notifier,
		Metrics:     h.metrics,
		Health:      h.health,
		Logger:      zerolog.Nop(),
	}, epoch.Options{
		Workers:    2,
		BlobPrefix: "rewards",
		Retry:      persistence.RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3},
	})
	return h
}

func (h *harness) deposit(id string, serial int64, owner common.Address, amount string, ts int64) {
	h.source.publish(ingestion.EventSubject(ingestion.KindDeposit), fmt.Sprintf(
		`{"id":%q,"serial_id":%d,"timestamp":%d,"account":{"owner":%q},"market":0,"amount_par":%q}`,
		id, serial, ts, owner.Hex(), amount))
}

func (h *harness) snapshot(id string, holder common.Address, balance string, ts int64) {
	h.source.publish(ingestion.SnapshotSubject(pool), fmt.Sprintf(
		`{"id":%q,"timestamp":%d,"pool":%q,"effective_user":%q,"balance_par":%q}`,
		id, ts, pool.Hex(), holder.Hex(), balance))
}

func program(t *testing.T, n, start, end int64, cumulative bool) *config.Program {
	t.Helper()
	p, err := config.ParseProgram([]byte(fmt.Sprintf(`
name: test
epoch: %d
start_timestamp: %d
end_timestamp: %d
mode: points
cumulative: %t
markets:
  - id: 0
    points_per_second: "1"
pools:
  - %q
`, n, start, end, cumulative, pool.Hex())))
	require.NoError(t, err)
	return p
}

func points(s string) *big.Int {
	return fpmath.ToFixedPoint(decimal.RequireFromString(s))
}

func amountOf(t *testing.T, out *distribution.Output, addr common.Address) *big.Int {
	t.Helper()
	_, amount, _, err := out.Entry(addr)
	require.NoError(t, err)
	return amount
}

// --- Tests ---

func TestRun_SingleEpoch(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	h.deposit("d2", 1, bob, "5", 1050)
	h.deposit("late", 2, alice, "1000", 1150)

	out, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	require.True(t, out.IsFinalized())
	assert.Equal(t, 0, points("1000").Cmp(amountOf(t, out, alice)))
	assert.Equal(t, 0, points("250").Cmp(amountOf(t, out, bob)))
	assert.Equal(t, 2, out.Metadata.TotalUsers)

	for _, addr := range []common.Address{alice, bob} {
		ok, err := out.VerifyUser(addr)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Artifact is in the blob store, byte-identical to the finalized output
	stored, err := h.blobs.Get(context.Background(), blobstore.ArtifactKey("rewards", 0))
	require.NoError(t, err)
	decoded, err := distribution.Unmarshal(stored)
	require.NoError(t, err)
	assert.Equal(t, *out.Metadata.MerkleRoot, *decoded.Metadata.MerkleRoot)

	assert.Equal(t, []int64{0}, h.projector.projected)
	require.Len(t, h.notifier.notices, 1)
	n := h.notifier.notices[0]
	assert.Equal(t, *out.Metadata.MerkleRoot, n.MerkleRoot)
	assert.Equal(t, "1", n.Version)
	assert.NotEmpty(t, n.StateHash)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EpochsFinalized))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.LastFinalizedEpoch))
	assert.Len(t, h.ingest.records[0], 2, "the late deposit belongs to the next epoch")
}

func TestRun_CarriesStateAcrossEpochs(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	h.deposit("d2", 2, alice, "10", 1150)

	_, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	out, err := h.runner.Run(context.Background(), program(t, 1, 1100, 1200, false))
	require.NoError(t, err)

	// 10 × 50s + 20 × 50s
	assert.Equal(t, 0, points("1500").Cmp(amountOf(t, out, alice)))
	assert.Equal(t, []uint64{0, 2}, h.source.from, "epoch 1 resumes after the message that ended epoch 0")

	cp, err := h.checkpoints.LoadCheckpointBefore(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, cp)
	prev, err := h.checkpoints.LoadCheckpointBefore(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, prev.StateHash, cp.PrevHash, "state hashes chain")
}

func TestRun_Cumulative(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)

	_, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, true))
	require.NoError(t, err)
	out, err := h.runner.Run(context.Background(), program(t, 1, 1100, 1200, true))
	require.NoError(t, err)

	assert.Equal(t, 0, points("2000").Cmp(amountOf(t, out, alice)))
}

func TestRun_PoolPointsReachHolders(t *testing.T) {
	h := newHarness(t)
	h.deposit("p1", 1, pool, "10", 1000)
	h.snapshot("s1", alice, "3", 1000)
	h.snapshot("s2", bob, "1", 1000)

	out, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	_, _, _, err = out.Entry(pool)
	assert.ErrorIs(t, err, distribution.ErrUnknownUser, "pools never claim")
	assert.Equal(t, 0, points("750").Cmp(amountOf(t, out, alice)))
	assert.Equal(t, 0, points("250").Cmp(amountOf(t, out, bob)))

	// Holder balances carry into the next epoch without new snapshots
	out, err = h.runner.Run(context.Background(), program(t, 1, 1100, 1200, false))
	require.NoError(t, err)
	assert.Equal(t, 0, points("750").Cmp(amountOf(t, out, alice)))
}

func TestRun_ConfiguredPoolWithoutSnapshots(t *testing.T) {
	h := newHarness(t)
	h.deposit("p1", 1, pool, "10", 1000)
	h.deposit("d1", 1, alice, "1", 1000)

	out, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	_, _, _, err = out.Entry(pool)
	assert.ErrorIs(t, err, distribution.ErrUnknownUser)
	assert.Equal(t, 0, points("100").Cmp(amountOf(t, out, alice)))
	assert.Equal(t, points("100").String(), out.Metadata.TotalAmount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PoolsSkipped))
}

func TestRun_PoolHoldersExitedKeepNoPayout(t *testing.T) {
	h := newHarness(t)
	h.deposit("p1", 1, pool, "10", 1000)
	h.deposit("d1", 1, alice, "1", 1000)
	h.snapshot("s1", alice, "3", 1000)
	h.snapshot("s2", alice, "0", 1050)

	out, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)
	// own 100 plus every pool point: alice was the only holder
	assert.Equal(t, 0, points("1100").Cmp(amountOf(t, out, alice)))

	// the pool keeps earning, but no holder is carried into epoch 1
	out, err = h.runner.Run(context.Background(), program(t, 1, 1100, 1200, false))
	require.NoError(t, err)

	_, _, _, err = out.Entry(pool)
	assert.ErrorIs(t, err, distribution.ErrUnknownUser, "pools never claim")
	assert.Equal(t, 0, points("100").Cmp(amountOf(t, out, alice)))
	assert.Equal(t, points("100").String(), out.Metadata.TotalAmount)
}

func TestRun_RejectsWindowGap(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)

	_, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), program(t, 1, 1120, 1200, false))
	assert.ErrorIs(t, err, epoch.ErrWindowGap)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EpochFailures.WithLabelValues("load")))
}

func TestCompute_RerunReplacesDraft(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	p := program(t, 0, 1000, 1100, false)

	first, err := h.runner.Compute(context.Background(), p)
	require.NoError(t, err)
	second, err := h.runner.Compute(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, first.StateHash, second.StateHash, "recomputing is deterministic")
	assert.Equal(t, first.Output.Metadata.TotalAmount, second.Output.Metadata.TotalAmount)
	assert.Equal(t, []int64{0, 0}, h.ingest.forgotten)
	assert.Len(t, h.ingest.records[0], 1)
	assert.Nil(t, second.Output.Metadata.MerkleRoot, "compute leaves the root unset")
}

func TestRun_AlreadyFinalRepublishes(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	p := program(t, 0, 1000, 1100, false)

	first, err := h.runner.Run(context.Background(), p)
	require.NoError(t, err)

	_, err = h.runner.Compute(context.Background(), p)
	assert.ErrorIs(t, err, distribution.ErrAlreadyFinalized)

	again, err := h.runner.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, *first.Metadata.MerkleRoot, *again.Metadata.MerkleRoot)
	assert.Equal(t, []int64{0, 0}, h.projector.projected)
	require.Len(t, h.notifier.notices, 2)
	assert.Equal(t, "2", h.notifier.notices[1].Version)
}

func TestFinalize_RetriesPublish(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	h.notifier.failN = 2

	_, err := h.runner.Run(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)
	assert.Len(t, h.notifier.notices, 1)
}

func TestFinalize_RejectsTamperedArtifact(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	h.deposit("d2", 1, bob, "10", 1000)
	_, err := h.runner.Compute(context.Background(), program(t, 0, 1000, 1100, false))
	require.NoError(t, err)

	out, err := h.epochs.Get(context.Background(), 0)
	require.NoError(t, err)
	entry := out.Users[distribution.AddressKey(alice)]
	entry.Proofs = []string{common.Hash{1}.Hex()}
	out.Users[distribution.AddressKey(alice)] = entry
	data, err := out.Marshal()
	require.NoError(t, err)
	h.epochs.artifacts[0] = data

	_, err = h.runner.Finalize(context.Background(), 0)
	assert.ErrorIs(t, err, epoch.ErrArtifactMismatch)
	assert.Empty(t, h.notifier.notices)
}

func TestFinalize_UnknownEpoch(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Finalize(context.Background(), 7)
	assert.ErrorIs(t, err, persistence.ErrEpochNotFound)
}

func TestCompute_CheckpointFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.deposit("d1", 1, alice, "10", 1000)
	h.checkpoints.err = errors.New("disk full")

	_, err := h.runner.Compute(context.Background(), program(t, 0, 1000, 1100, false))
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, h.ingest.records, "ingest records are written last")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistErrors.WithLabelValues("save_checkpoint")))
}

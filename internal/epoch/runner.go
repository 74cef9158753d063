package epoch

import (
	"RewardLedger/internal/aggregator"
	"RewardLedger/internal/blobstore"
	"RewardLedger/internal/config"
	"RewardLedger/internal/core"
	"RewardLedger/internal/distribution"
	"RewardLedger/internal/ingestion"
	"RewardLedger/internal/ledger"
	fpmath "RewardLedger/internal/math"
	"RewardLedger/internal/merkle"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrWindowGap        = errors.New("epoch: window does not start where the previous epoch ended")
	ErrArtifactMismatch = errors.New("epoch: stored artifact does not match its amounts")
)

// Source drains one epoch window of raw events and snapshots.
type Source interface {
	Fetch(ctx context.Context, window ingestion.Window, pools []common.Address, fromSequence uint64) (*ingestion.Batch, error)
}

type CheckpointStore interface {
	LoadCheckpointBefore(ctx context.Context, epoch int64) (*persistence.CheckpointData, error)
	SaveCheckpoint(ctx context.Context, cp *persistence.CheckpointData) (int, error)
}

type EpochStore interface {
	SaveDraft(ctx context.Context, out *distribution.Output, stateHash []byte) error
	SetRoot(ctx context.Context, epoch int64, root common.Hash) error
	Get(ctx context.Context, epoch int64) (*distribution.Output, error)
}

// IngestRecorder remembers which source messages an epoch consumed.
type IngestRecorder interface {
	Record(ctx context.Context, records []persistence.IngestRecord) error
	ForgetEpoch(ctx context.Context, epoch int64) error
}

type Projector interface {
	ProjectEpoch(ctx context.Context, out *distribution.Output) error
}

type Notifier interface {
	PublishFinalized(ctx context.Context, n ingestion.FinalizedNotice) error
}

// Deps wires a Runner. Notifier and Health may be nil.
type Deps struct {
	Source      Source
	Checkpoints CheckpointStore
	Epochs      EpochStore
	Ingest      IngestRecorder
	Blobs       blobstore.Store
	Projector   Projector
	Notifier    Notifier
	Metrics     *observability.Metrics
	Health      *observability.HealthChecker
	Logger      zerolog.Logger
}

// Options tunes a Runner.
type Options struct {
	Workers    int
	BlobPrefix string
	Retry      persistence.RetryPolicy
}

// Runner computes and finalizes epochs. One epoch runs at a time; a failure discards
// the epoch's in-memory state and leaves the previous checkpoint untouched.
type Runner struct {
	deps Deps
	opts Options
}

// Result is what Compute produced.
type Result struct {
	Output       *distribution.Output
	StateHash    [32]byte
	Stats        core.ProcessStats
	Report       aggregator.Report
	Changes      int // balance changes applied
	Messages     int // source messages consumed
	Duplicates   int
	NextSequence uint64
}

func NewRunner(deps Deps, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.Initial == 0 {
		opts.Retry = persistence.DefaultRetryPolicy
	}
	return &Runner{deps: deps, opts: opts}
}

// Run computes the program's epoch and finalizes it. An epoch that is already final is
// not recomputed: its artifact is re-uploaded, re-projected and re-announced.
func (r *Runner) Run(ctx context.Context, program *config.Program) (*distribution.Output, error) {
	start := time.Now()

	_, err := r.Compute(ctx, program)
	if err != nil && !errors.Is(err, distribution.ErrAlreadyFinalized) {
		return nil, err
	}
	if err != nil {
		r.deps.Logger.Info().Int64("epoch", program.Epoch).Msg("epoch already final, republishing")
	}

	out, err := r.Finalize(ctx, program.Epoch)
	if err != nil {
		return nil, err
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.EpochDuration.Observe(time.Since(start).Seconds())
	}
	return out, nil
}

// Compute runs the engine over the program's window and stores the draft artifact and
// the checkpoint the next epoch resumes from.
func (r *Runner) Compute(ctx context.Context, program *config.Program) (*Result, error) {
	log := r.deps.Logger.With().Int64("epoch", program.Epoch).Logger()

	existing, err := r.deps.Epochs.Get(ctx, program.Epoch)
	switch {
	case err == nil && existing.IsFinalized():
		return nil, fmt.Errorf("%w: epoch=%d", distribution.ErrAlreadyFinalized, program.Epoch)
	case err != nil && !errors.Is(err, persistence.ErrEpochNotFound):
		return nil, r.fail("load", err)
	}

	// A re-run consumes the same messages again
	if err := r.deps.Ingest.ForgetEpoch(ctx, program.Epoch); err != nil {
		return nil, r.fail("load", fmt.Errorf("forget ingest records: %w", err))
	}

	st, err := r.restore(ctx, program)
	if err != nil {
		return nil, r.fail("load", err)
	}

	pps := program.PointsPerSecond()
	if dropped := core.OpenEpoch(st.balances, pps); dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("dropped inert carried positions")
	}

	batch, err := r.deps.Source.Fetch(ctx,
		ingestion.Window{Epoch: program.Epoch, End: program.EndTimestamp},
		program.PoolAddresses(), st.nextSequence)
	if err != nil {
		return nil, r.fail("ingest", err)
	}
	for key, snaps := range batch.Pools {
		st.pools[key] = append(st.pools[key], snaps...)
	}

	processor := core.NewEventProcessor(st.validator, r.deps.Metrics, log)
	stats, err := processor.ProcessEventsParallel(
		st.balances, batch.Events, program.EndIndexes(), pps,
		program.EndTimestamp, program.Operation(), r.opts.Workers)
	if err != nil {
		return nil, r.fail("process", err)
	}

	aggStart := time.Now()
	vl, err := aggregator.CalculateVirtualLiquidityPoints(st.pools, program.StartTimestamp, program.EndTimestamp)
	if err != nil {
		return nil, r.fail("aggregate", err)
	}
	var carry *aggregator.FinalPoints
	if program.Cumulative {
		carry = st.carry
	}
	final := aggregator.CalculateFinalPoints(program.ReductionContext(), st.balances, st.pools, vl, carry)
	amounts, err := aggregator.CalculateRewardAmounts(final, program.RewardMode(), program.Budgets())
	if err != nil {
		return nil, r.fail("aggregate", err)
	}
	r.recordReduction(final, time.Since(aggStart))

	tree, err := r.buildTree(amounts)
	if err != nil {
		return nil, r.fail("merkle", err)
	}
	out := distribution.Build(program.Window(), tree)

	prevHash := st.hasher.GetPrevHash()
	stateHash := st.hasher.ComputeHash(program.Epoch, core.StateDigest(st.balances))

	cp := &persistence.CheckpointData{
		Epoch:        program.Epoch,
		EndTimestamp: program.EndTimestamp,
		StateHash:    stateHash[:],
		PrevHash:     prevHash[:],
		Balances:     persistence.EncodeBalances(st.balances),
		Watermarks:   persistence.EncodeWatermarks(processor.SequenceValidator().Watermarks()),
		Virtual:      persistence.EncodeVirtualBalances(aggregator.ClosingBalances(st.pools, program.EndTimestamp)),
		NextSequence: batch.NextSequence,
		CreatedAt:    time.Now().UTC(),
	}
	if program.Cumulative {
		cp.Carry = persistence.EncodeCarry(final)
	}

	if err := r.persistDraft(ctx, out, cp, batch.Records); err != nil {
		return nil, r.fail("persist", err)
	}

	res := &Result{
		Output:       out,
		StateHash:    stateHash,
		Stats:        stats,
		Report:       final.Report,
		Changes:      batch.Events.Count(),
		Messages:     len(batch.Records),
		Duplicates:   batch.Duplicates,
		NextSequence: batch.NextSequence,
	}
	log.Info().
		Int("messages", res.Messages).
		Int("changes", res.Changes).
		Int("users", out.Metadata.TotalUsers).
		Str("total_amount", out.Metadata.TotalAmount).
		Hex("state_hash", stateHash[:]).
		Uint64("next_sequence", batch.NextSequence).
		Msg("epoch computed")
	return res, nil
}

// Finalize writes the merkle root of a computed epoch. The root is rebuilt from the
// stored amounts and every stored proof is checked against it first.
func (r *Runner) Finalize(ctx context.Context, epoch int64) (*distribution.Output, error) {
	log := r.deps.Logger.With().Int64("epoch", epoch).Logger()

	out, err := r.deps.Epochs.Get(ctx, epoch)
	if err != nil {
		return nil, r.fail("finalize", err)
	}
	amounts, err := out.Amounts()
	if err != nil {
		return nil, r.fail("finalize", err)
	}
	tree, err := r.buildTree(amounts)
	if err != nil {
		return nil, r.fail("finalize", err)
	}
	if err := out.Finalize(tree.Root); err != nil {
		return nil, r.fail("finalize", err)
	}
	for _, user := range out.SortedUsers() {
		ok, err := out.VerifyUser(common.HexToAddress(user))
		if err != nil {
			return nil, r.fail("finalize", err)
		}
		if !ok {
			return nil, r.fail("finalize", fmt.Errorf("%w: epoch=%d user=%s", ErrArtifactMismatch, epoch, user))
		}
	}

	data, err := out.Marshal()
	if err != nil {
		return nil, r.fail("finalize", err)
	}
	key := blobstore.ArtifactKey(r.opts.BlobPrefix, epoch)
	var version string
	err = r.retry(ctx, "blob_put", func(ctx context.Context) error {
		var err error
		version, err = r.deps.Blobs.Put(ctx, key, data, "application/json")
		return err
	})
	r.recordBlobWrite(err)
	if err != nil {
		return nil, r.fail("upload", err)
	}

	err = r.retry(ctx, "set_root", func(ctx context.Context) error {
		if err := r.deps.Epochs.SetRoot(ctx, epoch, tree.Root); err != nil {
			if errors.Is(err, distribution.ErrAlreadyFinalized) {
				return persistence.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, r.fail("set_root", err)
	}

	err = r.retry(ctx, "project", func(ctx context.Context) error {
		return r.deps.Projector.ProjectEpoch(ctx, out)
	})
	if err != nil {
		return nil, r.fail("project", err)
	}

	if r.deps.Notifier != nil {
		notice := ingestion.FinalizedNotice{
			Epoch:       epoch,
			MerkleRoot:  tree.Root.Hex(),
			TotalAmount: out.Metadata.TotalAmount,
			TotalUsers:  out.Metadata.TotalUsers,
			ArtifactKey: key,
			Version:     version,
			StateHash:   r.stateHashOf(ctx, epoch),
			FinalizedAt: time.Now().UTC(),
		}
		err = r.retry(ctx, "publish", func(ctx context.Context) error {
			return r.deps.Notifier.PublishFinalized(ctx, notice)
		})
		if err != nil {
			return nil, r.fail("publish", err)
		}
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.EpochsFinalized.Inc()
		r.deps.Metrics.LastFinalizedEpoch.Set(float64(epoch))
	}
	if r.deps.Health != nil {
		r.deps.Health.SetLastFinalizedEpoch(epoch)
	}

	log.Info().
		Str("merkle_root", tree.Root.Hex()).
		Str("artifact_key", key).
		Str("artifact_version", version).
		Int("users", out.Metadata.TotalUsers).
		Msg("epoch finalized")
	return out, nil
}

// restored is the engine state an epoch starts from.
type restored struct {
	balances     *ledger.BalanceMap
	validator    *core.SequenceValidator
	carry        *aggregator.FinalPoints
	pools        ledger.PoolMap
	hasher       *core.StateHasher
	nextSequence uint64
}

func (r *Runner) restore(ctx context.Context, program *config.Program) (*restored, error) {
	st := &restored{
		balances:  ledger.NewBalanceMap(),
		validator: core.NewSequenceValidator(),
		pools:     make(ledger.PoolMap),
		hasher:    core.NewStateHasher(),
	}

	cp, err := r.deps.Checkpoints.LoadCheckpointBefore(ctx, program.Epoch)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		r.deps.Logger.Info().Int64("epoch", program.Epoch).Msg("no checkpoint, starting from genesis")
		return st, nil
	}
	if cp.EndTimestamp != program.StartTimestamp {
		return nil, fmt.Errorf("%w: checkpoint epoch=%d ends at %d, epoch=%d starts at %d",
			ErrWindowGap, cp.Epoch, cp.EndTimestamp, program.Epoch, program.StartTimestamp)
	}

	if st.balances, err = persistence.DecodeBalances(cp.Balances); err != nil {
		return nil, fmt.Errorf("checkpoint balances: %w", err)
	}
	watermarks, err := persistence.DecodeWatermarks(cp.Watermarks)
	if err != nil {
		return nil, fmt.Errorf("checkpoint watermarks: %w", err)
	}
	for key, serial := range watermarks {
		st.validator.SetLastSerial(key, serial)
	}
	if st.carry, err = persistence.DecodeCarry(cp.Carry); err != nil {
		return nil, err
	}
	if st.pools, err = persistence.DecodeVirtualBalances(cp.Virtual, cp.EndTimestamp); err != nil {
		return nil, err
	}

	var tip [32]byte
	copy(tip[:], cp.StateHash)
	st.hasher = core.RestoreStateHasher(tip)
	st.nextSequence = cp.NextSequence

	r.deps.Logger.Info().
		Int64("epoch", program.Epoch).
		Int64("checkpoint_epoch", cp.Epoch).
		Int("positions", st.balances.Len()).
		Uint64("from_sequence", cp.NextSequence).
		Msg("restored from checkpoint")
	return st, nil
}

// persistDraft stores the draft, then the checkpoint, then the ingest records. The
// epoch is only complete once all three are written; a re-run overwrites each.
func (r *Runner) persistDraft(ctx context.Context, out *distribution.Output, cp *persistence.CheckpointData, records []persistence.IngestRecord) error {
	err := r.retry(ctx, "save_draft", func(ctx context.Context) error {
		if err := r.deps.Epochs.SaveDraft(ctx, out, cp.StateHash); err != nil {
			if errors.Is(err, distribution.ErrAlreadyFinalized) {
				return persistence.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	cpStart := time.Now()
	var size int
	err = r.retry(ctx, "save_checkpoint", func(ctx context.Context) error {
		var err error
		size, err = r.deps.Checkpoints.SaveCheckpoint(ctx, cp)
		return err
	})
	if err != nil {
		return err
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.CheckpointsWritten.Inc()
		r.deps.Metrics.CheckpointDuration.Observe(time.Since(cpStart).Seconds())
		r.deps.Metrics.CheckpointSizeBytes.Set(float64(size))
	}

	return r.retry(ctx, "record_ingest", func(ctx context.Context) error {
		return r.deps.Ingest.Record(ctx, records)
	})
}

func (r *Runner) buildTree(amounts map[common.Address]*big.Int) (*merkle.Tree, error) {
	start := time.Now()
	tree, err := merkle.BuildTree(amounts, r.opts.Workers)
	if err != nil {
		return nil, err
	}
	r.deps.Logger.Debug().
		Int("leaves", len(tree.Leaves)).
		Int("depth", tree.Depth()).
		Msg("merkle tree built")
	if r.deps.Metrics != nil {
		r.deps.Metrics.MerkleLeaves.Set(float64(len(tree.Leaves)))
		r.deps.Metrics.MerkleBuildDuration.Observe(time.Since(start).Seconds())
	}
	return tree, nil
}

func (r *Runner) stateHashOf(ctx context.Context, epoch int64) string {
	cp, err := r.deps.Checkpoints.LoadCheckpointBefore(ctx, epoch+1)
	if err != nil || cp == nil || cp.Epoch != epoch {
		return ""
	}
	return fmt.Sprintf("0x%x", cp.StateHash)
}

func (r *Runner) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := persistence.WithRetry(ctx, r.opts.Retry, r.deps.Logger, op, fn)
	if err != nil && r.deps.Metrics != nil {
		r.deps.Metrics.PersistErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (r *Runner) fail(stage string, err error) error {
	if r.deps.Metrics != nil {
		r.deps.Metrics.EpochFailures.WithLabelValues(stage).Inc()
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func (r *Runner) recordReduction(final *aggregator.FinalPoints, elapsed time.Duration) {
	rep := final.Report
	r.deps.Logger.Info().
		Str("total_points", fpmath.FromFixedPoint(fpmath.Sum(final.AccountToPoints)).String()).
		Int("pools_devolved", rep.PoolsDevolved).
		Int("pools_skipped", rep.PoolsSkipped).
		Int("users_excluded", rep.UsersExcluded).
		Int("users_dropped", rep.UsersDropped).
		Int("users_remapped", rep.UsersRemapped).
		Msg("reduced final points")
	if r.deps.Metrics == nil {
		return
	}
	r.deps.Metrics.AggregateDuration.Observe(elapsed.Seconds())
	r.deps.Metrics.PoolsDevolved.Add(float64(rep.PoolsDevolved))
	r.deps.Metrics.PoolsSkipped.Add(float64(rep.PoolsSkipped))
	r.deps.Metrics.UsersExcluded.Add(float64(rep.UsersExcluded))
	r.deps.Metrics.PointsDropped.Add(float64(rep.UsersDropped))
}

func (r *Runner) recordBlobWrite(err error) {
	if r.deps.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.deps.Metrics.BlobWrites.WithLabelValues(status).Inc()
}

package core

import (
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/state"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProcessStats summarizes one processing run.
type ProcessStats struct {
	KeysTouched   int
	KeysCreated   int
	KeysPruned    int
	KeysClosed    int
	EventsApplied int
	PointsAccrued decimal.Decimal
}

// EventProcessor folds per-key event batches into the balance map and rolls every
// open position forward to the epoch end. Logically single-threaded.
type EventProcessor struct {
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger
}

func NewEventProcessor(
	sequenceValidator *SequenceValidator,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *EventProcessor {
	if sequenceValidator == nil {
		sequenceValidator = NewSequenceValidator()
	}
	return &EventProcessor{
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		logger:            logger,
	}
}

// SequenceValidator exposes the serial watermarks for checkpointing.
func (p *EventProcessor) SequenceValidator() *SequenceValidator {
	return p.sequenceValidator
}

// keyResult is the outcome of replaying one key's events.
type keyResult struct {
	key     ledger.BalanceKey
	acc     state.BalancePointsAccumulator
	keep    bool
	created bool
	applied int
	points  decimal.Decimal

	// filled by the parallel path
	lastSerial int64
	hasSerial  bool
}

// ProcessEventsUntilEndTimestamp applies events to balances and then closes out accrual
// for every surviving position at endTimestamp. On error balances is left untouched.
func (p *EventProcessor) ProcessEventsUntilEndTimestamp(
	balances *ledger.BalanceMap,
	events ledger.EventMap,
	endIndexByMarket map[ledger.MarketID]event.InterestIndex,
	pointsPerSecondByMarket map[ledger.MarketID]decimal.Decimal,
	endTimestamp int64,
	op event.InterestOperation,
) (ProcessStats, error) {
	start := time.Now()
	working := balances.Clone()
	validator := p.sequenceValidator.Clone()

	stats := ProcessStats{PointsAccrued: decimal.Zero}

	// Pass 1: replay each key's events in serial order
	for _, key := range events.SortedKeys() {
		existing, exists := working.Get(key)
		res, err := replayKey(key, existing, exists, events[key], pointsPerSecondByMarket, op, validator)
		if err != nil {
			p.recordFailure(err)
			return ProcessStats{}, err
		}
		stats.merge(res)
		commitKey(working, validator, res)
	}
	if stats.KeysPruned > 0 {
		p.logger.Debug().Int("pruned", stats.KeysPruned).Msg("pruned inert positions")
	}

	if err := p.closePositions(working, endIndexByMarket, endTimestamp, op, &stats); err != nil {
		p.recordFailure(err)
		return ProcessStats{}, err
	}

	balances.ReplaceWith(working)
	p.sequenceValidator = validator
	p.recordSuccess(stats, time.Since(start))

	p.logger.Info().
		Int("keys_touched", stats.KeysTouched).
		Int("keys_created", stats.KeysCreated).
		Int("keys_pruned", stats.KeysPruned).
		Int("keys_closed", stats.KeysClosed).
		Int("events_applied", stats.EventsApplied).
		Int64("end_timestamp", endTimestamp).
		Str("interest_operation", op.String()).
		Msg("processed events until end timestamp")

	return stats, nil
}

// closePositions is the second pass: every position in the map, touched this batch or
// not, accrues up to endTimestamp with a synthetic zero-delta event.
func (p *EventProcessor) closePositions(
	working *ledger.BalanceMap,
	endIndexByMarket map[ledger.MarketID]event.InterestIndex,
	endTimestamp int64,
	op event.InterestOperation,
	stats *ProcessStats,
) error {
	for _, key := range working.SortedKeys() {
		acc, _ := working.Get(key)

		index, ok := endIndexByMarket[key.Market]
		if !ok {
			index = event.UnitIndex(key.Market)
		}

		next, delta, err := state.Advance(acc, event.ClosingEvent(acc.EffectiveUser, index, endTimestamp), op)
		if err != nil {
			return fmt.Errorf("close %s at %d: %w", key.AccountPath(), endTimestamp, err)
		}
		working.Set(key, next)
		stats.KeysClosed++
		stats.PointsAccrued = stats.PointsAccrued.Add(delta)
	}
	return nil
}

// replayKey is pure with respect to the balance map: it returns the key's new state
// without writing it. The validator is advanced.
func replayKey(
	key ledger.BalanceKey,
	acc state.BalancePointsAccumulator,
	exists bool,
	keyEvents []event.BalanceChangeEvent,
	pointsPerSecondByMarket map[ledger.MarketID]decimal.Decimal,
	op event.InterestOperation,
	validator *SequenceValidator,
) (keyResult, error) {
	res := keyResult{key: key, points: decimal.Zero}
	if len(keyEvents) == 0 {
		res.acc, res.keep = acc, exists
		return res, nil
	}

	sorted := sortBySerial(keyEvents)

	for _, evt := range sorted {
		if err := validator.ValidateSerial(key, evt.SerialID); err != nil {
			return keyResult{}, err
		}

		if !exists {
			acc = state.NewBalancePointsAccumulator(evt, pointsPerSecond(pointsPerSecondByMarket, key.Market))
			exists = true
			res.created = true
			res.applied++
			continue
		}

		next, delta, err := state.Advance(acc, evt, op)
		if err != nil {
			return keyResult{}, fmt.Errorf("apply %s serial=%d: %w", key.AccountPath(), evt.SerialID, err)
		}
		acc = next
		res.applied++
		res.points = res.points.Add(delta)
	}

	res.acc = acc
	res.keep = !acc.IsInert()
	return res, nil
}

func commitKey(working *ledger.BalanceMap, validator *SequenceValidator, res keyResult) {
	if res.keep {
		working.Set(res.key, res.acc)
		return
	}
	working.Delete(res.key)
	validator.Forget(res.key)
}

// sortBySerial returns a copy ordered by serial id; serial id wins over timestamp and
// equal serial ids keep arrival order.
func sortBySerial(events []event.BalanceChangeEvent) []event.BalanceChangeEvent {
	sorted := make([]event.BalanceChangeEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SerialID < sorted[j].SerialID
	})
	return sorted
}

// pointsPerSecond treats a missing market config as zero weight.
func pointsPerSecond(byMarket map[ledger.MarketID]decimal.Decimal, market ledger.MarketID) decimal.Decimal {
	if pps, ok := byMarket[market]; ok {
		return pps
	}
	return decimal.Zero
}

// OpenEpoch prepares a carried-over balance map for a new accrual window: points and
// interest figures restart from zero, the current points-per-second weights apply, and
// positions left with a zero balance are dropped.
func OpenEpoch(balances *ledger.BalanceMap, pointsPerSecondByMarket map[ledger.MarketID]decimal.Decimal) int {
	dropped := 0
	for _, key := range balances.SortedKeys() {
		acc, _ := balances.Get(key)
		acc.RewardPoints = decimal.Zero
		acc.PositiveInterestAccrued = decimal.Zero
		acc.NegativeInterestAccrued = decimal.Zero
		acc.PointsPerSecond = pointsPerSecond(pointsPerSecondByMarket, key.Market)
		if acc.IsInert() {
			balances.Delete(key)
			dropped++
			continue
		}
		balances.Set(key, acc)
	}
	return dropped
}

func (s *ProcessStats) merge(res keyResult) {
	s.KeysTouched++
	s.EventsApplied += res.applied
	s.PointsAccrued = s.PointsAccrued.Add(res.points)
	if res.created {
		s.KeysCreated++
	}
	if !res.keep {
		s.KeysPruned++
	}
}

func (p *EventProcessor) recordSuccess(stats ProcessStats, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.EventsApplied.Add(float64(stats.EventsApplied))
	p.metrics.PositionsCreated.Add(float64(stats.KeysCreated))
	p.metrics.PositionsPruned.Add(float64(stats.KeysPruned))
	p.metrics.PositionsClosed.Add(float64(stats.KeysClosed))
	p.metrics.ProcessDuration.Observe(elapsed.Seconds())
}

func (p *EventProcessor) recordFailure(err error) {
	p.logger.Error().Err(err).Msg("event processing aborted")
	if p.metrics == nil {
		return
	}
	p.metrics.ProcessFailures.WithLabelValues(failureReason(err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, state.ErrOutOfOrderEvent):
		return "out_of_order"
	case errors.Is(err, state.ErrEffectiveUserMismatch):
		return "effective_user_mismatch"
	case errors.Is(err, state.ErrInvalidInterestOperation):
		return "invalid_interest_operation"
	default:
		return "other"
	}
}

package core

import (
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"
)

// ProcessEventsParallel is ProcessEventsUntilEndTimestamp with the first pass spread over
// a worker pool. Work is partitioned by balance key, so one key's events are never
// split across workers; each key gets its own validator view. The closing pass runs
// once, after every partition has finished.
func (p *EventProcessor) ProcessEventsParallel(
	balances *ledger.BalanceMap,
	events ledger.EventMap,
	endIndexByMarket map[ledger.MarketID]event.InterestIndex,
	pointsPerSecondByMarket map[ledger.MarketID]decimal.Decimal,
	endTimestamp int64,
	op event.InterestOperation,
	workers int,
) (ProcessStats, error) {
	if workers <= 1 {
		return p.ProcessEventsUntilEndTimestamp(balances, events, endIndexByMarket, pointsPerSecondByMarket, endTimestamp, op)
	}

	start := time.Now()
	working := balances.Clone()
	validator := p.sequenceValidator.Clone()

	keys := events.SortedKeys()
	results := make([]keyResult, len(keys))
	errs := make([]error, len(keys))

	pool := pond.NewPool(workers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	for i, key := range keys {
		existing, exists := working.Get(key)

		// Per-key validator seeded with this key's watermark only
		keyValidator := NewSequenceValidator()
		if last, ok := validator.GetLastSerial(key); ok {
			keyValidator.SetLastSerial(key, last)
		}

		group.Submit(func() {
			results[i], errs[i] = replayKey(key, existing, exists, events[key], pointsPerSecondByMarket, op, keyValidator)
			if errs[i] == nil {
				if last, ok := keyValidator.GetLastSerial(key); ok {
					results[i].lastSerial, results[i].hasSerial = last, true
				}
			}
		})
	}

	if err := group.Wait(); err != nil {
		return ProcessStats{}, fmt.Errorf("parallel replay: %w", err)
	}

	stats := ProcessStats{PointsAccrued: decimal.Zero}
	for i, res := range results {
		if errs[i] != nil {
			p.recordFailure(errs[i])
			return ProcessStats{}, errs[i]
		}
		if res.hasSerial {
			validator.SetLastSerial(res.key, res.lastSerial)
		}
		stats.merge(res)
		commitKey(working, validator, res)
	}

	if err := p.closePositions(working, endIndexByMarket, endTimestamp, op, &stats); err != nil {
		p.recordFailure(err)
		return ProcessStats{}, err
	}

	balances.ReplaceWith(working)
	p.sequenceValidator = validator
	p.recordSuccess(stats, time.Since(start))

	p.logger.Info().
		Int("workers", workers).
		Int("keys_touched", stats.KeysTouched).
		Int("events_applied", stats.EventsApplied).
		Int64("end_timestamp", endTimestamp).
		Msg("processed events in parallel")

	return stats, nil
}

package ingestion

import (
	"RewardLedger/internal/event"
	"RewardLedger/internal/ledger"
	"RewardLedger/internal/persistence"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Message is one source message as read off the stream.
type Message struct {
	Subject  string
	Sequence uint64 // stream sequence
	Data     []byte
}

// Deduper reports which idempotency keys an earlier run already consumed.
// persistence.IngestLog implements it.
type Deduper interface {
	SeenKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
}

// Window bounds one epoch's ingestion. Messages stamped after End stop the drain.
type Window struct {
	Epoch int64
	End   int64
}

// Batch is everything one epoch consumed from the source.
type Batch struct {
	Events     ledger.EventMap
	Pools      ledger.PoolMap
	Records    []persistence.IngestRecord
	Duplicates int
	Ignored    int // snapshots for pools outside the program

	// NextSequence is the first stream sequence the next epoch should read
	NextSequence uint64
}

// Collector assembles a Batch from ordered messages. It is not safe for concurrent use.
type Collector struct {
	window Window
	pools  map[common.Address]struct{} // empty = every pool
	dedup  Deduper
	seen   map[string]struct{}
	batch  *Batch
	done   bool
}

func NewCollector(window Window, pools []common.Address, dedup Deduper, fromSequence uint64) *Collector {
	c := &Collector{
		window: window,
		pools:  make(map[common.Address]struct{}, len(pools)),
		dedup:  dedup,
		seen:   make(map[string]struct{}),
		batch: &Batch{
			Events:       make(ledger.EventMap),
			Pools:        make(ledger.PoolMap),
			NextSequence: fromSequence,
		},
	}
	for _, p := range pools {
		c.pools[p] = struct{}{}
	}
	return c
}

type parsedMessage struct {
	msg       Message
	kind      string
	key       string
	timestamp int64
	evt       event.Event
	pool      common.Address
	snap      event.VirtualLiquiditySnapshot
}

// Add consumes msgs in order. It returns true once a message past the window end has
// been seen; that message and everything after it are left for the next epoch.
// A message that fails to parse aborts the batch.
func (c *Collector) Add(ctx context.Context, msgs []Message) (bool, error) {
	if c.done {
		return true, nil
	}

	parsed := make([]parsedMessage, 0, len(msgs))
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		p, err := parseMessage(m)
		if err != nil {
			return false, fmt.Errorf("stream seq %d: %w", m.Sequence, err)
		}
		parsed = append(parsed, p)
		keys = append(keys, p.key)
	}

	prior := map[string]struct{}{}
	if c.dedup != nil && len(keys) > 0 {
		var err error
		prior, err = c.dedup.SeenKeys(ctx, keys)
		if err != nil {
			return false, fmt.Errorf("dedup lookup: %w", err)
		}
	}

	for _, p := range parsed {
		if p.timestamp > c.window.End {
			c.batch.NextSequence = p.msg.Sequence
			c.done = true
			return true, nil
		}
		c.batch.NextSequence = p.msg.Sequence + 1

		if _, dup := prior[p.key]; dup {
			c.batch.Duplicates++
			continue
		}
		if _, dup := c.seen[p.key]; dup {
			c.batch.Duplicates++
			continue
		}
		c.seen[p.key] = struct{}{}

		if p.kind == KindSnapshot {
			if !c.wantsPool(p.pool) {
				c.batch.Ignored++
				continue
			}
			c.batch.Pools.Add(p.pool, p.snap)
		} else {
			c.batch.Events.AddEvent(p.evt)
		}
		c.batch.Records = append(c.batch.Records, persistence.IngestRecord{
			IdempotencyKey: p.key,
			Kind:           p.kind,
			Epoch:          c.window.Epoch,
			StreamSequence: p.msg.Sequence,
		})
	}
	return false, nil
}

// Batch returns the assembled batch.
func (c *Collector) Batch() *Batch {
	return c.batch
}

func (c *Collector) wantsPool(pool common.Address) bool {
	if len(c.pools) == 0 {
		return true
	}
	_, ok := c.pools[pool]
	return ok
}

func parseMessage(m Message) (parsedMessage, error) {
	kind, err := KindFromSubject(m.Subject)
	if err != nil {
		return parsedMessage{}, err
	}
	p := parsedMessage{msg: m, kind: kind}

	if kind == KindSnapshot {
		pool, snap, err := ParseSnapshot(m.Data)
		if err != nil {
			return parsedMessage{}, err
		}
		p.pool, p.snap = pool, snap
		p.key = KindSnapshot + ":" + snap.ID
		p.timestamp = snap.Timestamp
		return p, nil
	}

	evt, err := ParseEvent(kind, m.Data)
	if err != nil {
		return parsedMessage{}, err
	}
	p.evt = evt
	p.key = kind + ":" + evt.IdempotencyKey()
	p.timestamp = eventTimestamp(evt)
	return p, nil
}

// eventTimestamp reads the timestamp shared by every change of a raw event.
func eventTimestamp(evt event.Event) int64 {
	changes := evt.ToBalanceChanges()
	if len(changes) == 0 {
		return 0
	}
	return changes[0].Event.Timestamp
}

package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"RewardLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDeduper struct {
	seen map[string]struct{}
	err  error
}

func (d staticDeduper) SeenKeys(_ context.Context, keys []string) (map[string]struct{}, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := d.seen[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

func depositMsg(seq uint64, id string, ts int64) ingestion.Message {
	return ingestion.Message{
		Subject:  ingestion.EventSubject(ingestion.KindDeposit),
		Sequence: seq,
		Data: []byte(fmt.Sprintf(
			`{"id":%q,"serial_id":%d,"timestamp":%d,"account":{"owner":%q},"market":0,"amount_par":"1"}`,
			id, seq, ts, alice)),
	}
}

func snapshotMsg(seq uint64, id, poolAddr string, ts int64) ingestion.Message {
	return ingestion.Message{
		Subject:  ingestion.SnapshotSubject(common.HexToAddress(poolAddr)),
		Sequence: seq,
		Data: []byte(fmt.Sprintf(
			`{"id":%q,"timestamp":%d,"pool":%q,"effective_user":%q,"balance_par":"5"}`,
			id, ts, poolAddr, bob)),
	}
}

func TestCollector_StopsAtWindowEnd(t *testing.T) {
	c := ingestion.NewCollector(ingestion.Window{Epoch: 1, End: 100}, nil, nil, 1)

	done, err := c.Add(context.Background(), []ingestion.Message{
		depositMsg(1, "a", 10),
		snapshotMsg(2, "s", pool, 50),
		depositMsg(3, "b", 100),
		depositMsg(4, "c", 101),
		depositMsg(5, "d", 102),
	})
	require.NoError(t, err)
	assert.True(t, done)

	batch := c.Batch()
	assert.Equal(t, 2, batch.Events.Count())
	assert.Len(t, batch.Pools, 1)
	assert.Equal(t, uint64(4), batch.NextSequence, "the first message past the end starts the next epoch")
	require.Len(t, batch.Records, 3)
	assert.Equal(t, "deposit:a", batch.Records[0].IdempotencyKey)
	assert.Equal(t, "snapshot", batch.Records[1].Kind)
	assert.Equal(t, int64(1), batch.Records[2].Epoch)

	done, err = c.Add(context.Background(), []ingestion.Message{depositMsg(6, "e", 1)})
	require.NoError(t, err)
	assert.True(t, done, "a finished collector ignores further input")
	assert.Equal(t, 2, c.Batch().Events.Count())
}

func TestCollector_Dedupes(t *testing.T) {
	dedup := staticDeduper{seen: map[string]struct{}{"deposit:a": {}}}
	c := ingestion.NewCollector(ingestion.Window{Epoch: 2, End: 1000}, nil, dedup, 0)

	done, err := c.Add(context.Background(), []ingestion.Message{
		depositMsg(1, "a", 10),
		depositMsg(2, "b", 11),
		depositMsg(3, "b", 11),
	})
	require.NoError(t, err)
	assert.False(t, done)

	batch := c.Batch()
	assert.Equal(t, 1, batch.Events.Count())
	assert.Equal(t, 2, batch.Duplicates)
	assert.Equal(t, uint64(4), batch.NextSequence)
}

func TestCollector_FiltersPools(t *testing.T) {
	other := "0x00000000000000000000000000000000000000dd"
	c := ingestion.NewCollector(ingestion.Window{End: 1000}, []common.Address{common.HexToAddress(pool)}, nil, 0)

	_, err := c.Add(context.Background(), []ingestion.Message{
		snapshotMsg(1, "s1", pool, 10),
		snapshotMsg(2, "s2", other, 10),
	})
	require.NoError(t, err)

	batch := c.Batch()
	assert.Equal(t, []common.Address{common.HexToAddress(pool)}, batch.Pools.Pools())
	assert.Equal(t, 1, batch.Ignored)
}

func TestCollector_ParseErrorAborts(t *testing.T) {
	c := ingestion.NewCollector(ingestion.Window{End: 1000}, nil, nil, 0)
	_, err := c.Add(context.Background(), []ingestion.Message{
		{Subject: ingestion.EventSubject(ingestion.KindDeposit), Sequence: 9, Data: []byte(`{`)},
	})
	assert.ErrorContains(t, err, "stream seq 9")

	_, err = c.Add(context.Background(), []ingestion.Message{{Subject: "other.subject", Sequence: 10}})
	assert.ErrorIs(t, err, ingestion.ErrUnknownSubject)
}

func TestCollector_DeduperFailure(t *testing.T) {
	boom := errors.New("db down")
	c := ingestion.NewCollector(ingestion.Window{End: 1000}, nil, staticDeduper{err: boom}, 0)
	_, err := c.Add(context.Background(), []ingestion.Message{depositMsg(1, "a", 10)})
	assert.ErrorIs(t, err, boom)
}

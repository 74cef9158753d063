package ingestion

import (
	"RewardLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSource drains one epoch window of raw events and snapshots from a JetStream
// stream. It reads with an ordered consumer starting at the sequence the previous
// epoch stopped at, so no consumer state lives on the server.
type NATSSource struct {
	js        jetstream.JetStream
	stream    string
	batchSize int
	maxWait   time.Duration
	dedup     Deduper
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// SourceConfig configures a NATSSource.
type SourceConfig struct {
	Stream    string
	BatchSize int
	MaxWait   time.Duration
}

func NewNATSSource(js jetstream.JetStream, cfg SourceConfig, dedup Deduper, metrics *observability.Metrics, logger zerolog.Logger) *NATSSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Second
	}
	return &NATSSource{
		js:        js,
		stream:    cfg.Stream,
		batchSize: cfg.BatchSize,
		maxWait:   cfg.MaxWait,
		dedup:     dedup,
		metrics:   metrics,
		logger:    logger,
	}
}

// Fetch reads from fromSequence until the stream is drained or a message stamped after
// window.End is reached. fromSequence 0 reads from the start of the stream.
func (s *NATSSource) Fetch(ctx context.Context, window Window, pools []common.Address, fromSequence uint64) (*Batch, error) {
	stream, err := s.js.Stream(ctx, s.stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", s.stream, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", s.stream, err)
	}
	lastSeq := info.State.LastSeq

	collector := NewCollector(window, pools, s.dedup, fromSequence)
	if lastSeq == 0 || (fromSequence > 0 && fromSequence > lastSeq) {
		return collector.Batch(), nil
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{EventSubjectPrefix + ">", SnapshotSubjectPrefix + ">"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if fromSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = fromSequence
	}
	consumer, err := s.js.OrderedConsumer(ctx, s.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ordered consumer %s: %w", s.stream, err)
	}

	for {
		msgs, err := s.fetchBatch(consumer)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}

		done, err := collector.Add(ctx, msgs)
		if err != nil {
			if s.metrics != nil {
				s.metrics.IngestParseErrors.Inc()
			}
			return nil, err
		}
		if done || msgs[len(msgs)-1].Sequence >= lastSeq {
			break
		}
	}

	batch := collector.Batch()
	s.record(batch)
	s.logger.Info().
		Int64("epoch", window.Epoch).
		Int("events", batch.Events.Count()).
		Int("snapshots", snapshotCount(batch)).
		Int("duplicates", batch.Duplicates).
		Int("ignored", batch.Ignored).
		Uint64("next_sequence", batch.NextSequence).
		Msg("drained epoch window")
	return batch, nil
}

func (s *NATSSource) fetchBatch(consumer jetstream.Consumer) ([]Message, error) {
	batch, err := consumer.Fetch(s.batchSize, jetstream.FetchMaxWait(s.maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var msgs []Message
	for msg := range batch.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("message metadata: %w", err)
		}
		msgs = append(msgs, Message{
			Subject:  msg.Subject(),
			Sequence: md.Sequence.Stream,
			Data:     msg.Data(),
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return msgs, nil
}

func (s *NATSSource) record(batch *Batch) {
	if s.metrics == nil {
		return
	}
	for _, r := range batch.Records {
		s.metrics.IngestMessages.WithLabelValues(r.Kind).Inc()
	}
	s.metrics.IngestDuplicates.Add(float64(batch.Duplicates))
}

func snapshotCount(batch *Batch) int {
	n := 0
	for _, snaps := range batch.Pools {
		n += len(snaps)
	}
	return n
}

// EnsureStream creates the source stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{EventSubjectPrefix + ">", SnapshotSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	logger.Info().Str("stream", name).Msg("ensured source stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

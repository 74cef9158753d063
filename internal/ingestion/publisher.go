package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	FinalizedSubject = "rewards.epochs.finalized"
	NoticeStream     = "REWARDS_EPOCHS"
)

// FinalizedNotice announces a finalized epoch to downstream consumers (claim UI,
// on-chain root poster).
type FinalizedNotice struct {
	Epoch       int64     `json:"epoch"`
	MerkleRoot  string    `json:"merkle_root"`
	TotalAmount string    `json:"total_amount"`
	TotalUsers  int       `json:"total_users"`
	ArtifactKey string    `json:"artifact_key"`
	Version     string    `json:"artifact_version"`
	StateHash   string    `json:"state_hash"`
	FinalizedAt time.Time `json:"finalized_at"`
}

type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher emits finalized-epoch notices. Publishing happens after the artifact and
// the root are persisted.
type Publisher struct {
	js     jetStreamPublisher
	logger zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, logger zerolog.Logger) *Publisher {
	return &Publisher{js: js, logger: logger}
}

// PublishFinalized publishes n. The message id is derived from the epoch and root so a
// retried publish is deduplicated by the server.
func (p *Publisher) PublishFinalized(ctx context.Context, n FinalizedNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	msgID := fmt.Sprintf("epoch-%d-%s", n.Epoch, common.HexToHash(n.MerkleRoot).Hex())
	ack, err := p.js.Publish(ctx, FinalizedSubject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", FinalizedSubject, err)
	}

	p.logger.Info().
		Int64("epoch", n.Epoch).
		Str("merkle_root", n.MerkleRoot).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published finalized epoch")
	return nil
}

// EnsureNoticeStream creates the outbound notice stream.
func EnsureNoticeStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       NoticeStream,
		Subjects:   []string{"rewards.epochs.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create notice stream: %w", err)
	}
	logger.Info().Str("stream", NoticeStream).Msg("ensured notice stream")
	return nil
}

// EventPublisher is the indexer side: it publishes raw events and snapshots onto the
// source stream. Used by backfill tooling and tests.
type EventPublisher struct {
	js jetStreamPublisher
}

func NewEventPublisher(js jetstream.JetStream) *EventPublisher {
	return &EventPublisher{js: js}
}

// PublishEvent publishes a raw event payload of kind.
func (p *EventPublisher) PublishEvent(ctx context.Context, kind string, payload []byte) (uint64, error) {
	ack, err := p.js.Publish(ctx, EventSubject(kind), payload)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

// PublishSnapshot publishes a snapshot payload for pool.
func (p *EventPublisher) PublishSnapshot(ctx context.Context, pool common.Address, payload []byte) (uint64, error) {
	ack, err := p.js.Publish(ctx, SnapshotSubject(pool), payload)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

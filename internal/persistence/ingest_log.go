package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// IngestRecord marks one source message as consumed.
type IngestRecord struct {
	IdempotencyKey string
	Kind           string
	Epoch          int64
	StreamSequence uint64
}

// IngestLog records which source messages an epoch consumed, so JetStream
// redeliveries after a restart are not counted twice.
type IngestLog struct {
	db        *sql.DB
	batchSize int
}

func NewIngestLog(db *sql.DB, batchSize int) *IngestLog {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &IngestLog{db: db, batchSize: batchSize}
}

// IsDuplicate reports whether key was recorded by an earlier run.
func (l *IngestLog) IsDuplicate(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM rewards.ingest_log WHERE idempotency_key = $1 LIMIT 1`, key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SeenKeys returns the subset of keys already recorded.
func (l *IngestLog) SeenKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	if len(keys) == 0 {
		return seen, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT idempotency_key FROM rewards.ingest_log WHERE idempotency_key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		seen[k] = struct{}{}
	}
	return seen, rows.Err()
}

// Record writes records with multi-row INSERTs in batches. Existing keys are kept.
func (l *IngestLog) Record(ctx context.Context, records []IngestRecord) error {
	for start := 0; start < len(records); start += l.batchSize {
		end := start + l.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := l.writeBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (l *IngestLog) writeBatch(ctx context.Context, batch []IngestRecord) error {
	if len(batch) == 0 {
		return nil
	}

	query := `INSERT INTO rewards.ingest_log (idempotency_key, kind, epoch, stream_sequence) VALUES `
	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*4)

	for i, r := range batch {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, r.IdempotencyKey, r.Kind, r.Epoch, int64(r.StreamSequence))
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (idempotency_key) DO NOTHING"

	_, err := l.db.ExecContext(ctx, query, args...)
	return err
}

// ForgetEpoch drops the records of an epoch so it can be re-ingested.
func (l *IngestLog) ForgetEpoch(ctx context.Context, epoch int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM rewards.ingest_log WHERE epoch = $1`, epoch)
	return err
}

package projection

import (
	"RewardLedger/internal/distribution"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const defaultBatchSize = 500

// Projector writes a finalized epoch's per-user lines into rewards.distribution_rows,
// the table the query API reads proofs from. Rows are derived data: they can always
// be rebuilt from the artifacts in rewards.epochs.
type Projector struct {
	db        *sql.DB
	batchSize int
	logger    zerolog.Logger
}

func NewProjector(db *sql.DB, logger zerolog.Logger) *Projector {
	return &Projector{db: db, batchSize: defaultBatchSize, logger: logger}
}

// ProjectEpoch replaces the rows of out's epoch in one transaction.
func (p *Projector) ProjectEpoch(ctx context.Context, out *distribution.Output) error {
	if !out.IsFinalized() {
		return fmt.Errorf("%w: epoch=%d", distribution.ErrNotFinalized, out.Metadata.Epoch)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := projectEpochTx(ctx, tx, out, p.batchSize); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.logger.Info().
		Int64("epoch", out.Metadata.Epoch).
		Int("rows", len(out.Users)).
		Msg("projected distribution rows")
	return nil
}

func projectEpochTx(ctx context.Context, tx *sql.Tx, out *distribution.Output, batchSize int) error {
	epoch := out.Metadata.Epoch
	if _, err := tx.ExecContext(ctx, `DELETE FROM rewards.distribution_rows WHERE epoch = $1`, epoch); err != nil {
		return fmt.Errorf("clear rows epoch=%d: %w", epoch, err)
	}

	users := out.SortedUsers()
	for start := 0; start < len(users); start += batchSize {
		end := start + batchSize
		if end > len(users) {
			end = len(users)
		}
		if err := insertRows(ctx, tx, epoch, out, users[start:end]); err != nil {
			return fmt.Errorf("insert rows epoch=%d: %w", epoch, err)
		}
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, epoch int64, out *distribution.Output, users []string) error {
	if len(users) == 0 {
		return nil
	}

	query := `INSERT INTO rewards.distribution_rows (epoch, address, amount, proof) VALUES `
	values := make([]string, 0, len(users))
	args := make([]interface{}, 0, len(users)*4)

	for i, addr := range users {
		entry := out.Users[addr]
		proof, err := json.Marshal(entry.Proofs)
		if err != nil {
			return err
		}
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, epoch, addr, entry.Amount, proof)
	}

	_, err := tx.ExecContext(ctx, query+strings.Join(values, ", "), args...)
	return err
}

// Rebuild truncates the projection and replays every finalized artifact.
func (p *Projector) Rebuild(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE rewards.distribution_rows`); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT artifact FROM rewards.epochs WHERE merkle_root IS NOT NULL ORDER BY epoch`)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	var outputs []*distribution.Output
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return err
		}
		out, err := distribution.Unmarshal(data)
		if err != nil {
			rows.Close()
			return err
		}
		outputs = append(outputs, out)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, out := range outputs {
		if err := projectEpochTx(ctx, tx, out, p.batchSize); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.logger.Info().Int("epochs", len(outputs)).Msg("projection rebuild complete")
	return nil
}

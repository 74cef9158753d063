package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is exponential backoff with a cap and an attempt limit.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // 0 = until ctx is done
}

var DefaultRetryPolicy = RetryPolicy{
	Initial:     100 * time.Millisecond,
	Max:         30 * time.Second,
	MaxAttempts: 8,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithRetry runs fn until it succeeds, fails permanently, the attempts run out or ctx
// is cancelled. The last error is returned.
func WithRetry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	backoff := policy.Initial
	var err error

	for attempt := 0; policy.MaxAttempts == 0 || attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > policy.Max {
				backoff = policy.Max
			}
		}

		err = fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info().Str("op", op).Int("retries", attempt).Msg("succeeded after retries")
			}
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}

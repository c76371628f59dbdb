package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// RetryConfig bounds the retry of failed appends.
type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns 3 attempts between 50ms and 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// RetryingRepository retries keyed appends that failed with ErrWriteFailure.
// A retried keyed insert can at worst hit ErrDuplicateKey. Keyless appends
// are never retried because a second attempt could store a second row.
type RetryingRepository struct {
	next MessageRepository
	cfg  RetryConfig
}

// NewRetryingRepository wraps next.
func NewRetryingRepository(next MessageRepository, cfg RetryConfig) *RetryingRepository {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	return &RetryingRepository{next: next, cfg: cfg}
}

func (r *RetryingRepository) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.Multiplier = 2
	return b
}

func (r *RetryingRepository) Append(ctx context.Context, content, idempotencyKey string) (int64, error) {
	if idempotencyKey == "" {
		return r.next.Append(ctx, content, idempotencyKey)
	}

	l := log.Ctx(ctx)
	attempt := 0
	id, err := backoff.Retry(ctx, func() (int64, error) {
		attempt++
		id, err := r.next.Append(ctx, content, idempotencyKey)
		if err != nil && !errors.Is(err, ErrWriteFailure) {
			return 0, backoff.Permanent(err)
		}
		return id, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.Warn().Err(err).
				Str(log.FieldIdempotencyKey, idempotencyKey).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("append failed, retrying")
		}),
	)
	if err != nil && !errors.Is(err, ErrDuplicateKey) && !errors.Is(err, ErrWriteFailure) {
		// Context ended while waiting between attempts.
		err = fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return id, err
}

func (r *RetryingRepository) RangeAfter(ctx context.Context, offset int64) iter.Seq2[domain.Message, error] {
	return r.next.RangeAfter(ctx, offset)
}

func (r *RetryingRepository) ListAfter(ctx context.Context, offset int64, limit int) ([]domain.Message, error) {
	return r.next.ListAfter(ctx, offset, limit)
}

func (r *RetryingRepository) Latest(ctx context.Context) (int64, error) {
	return r.next.Latest(ctx)
}

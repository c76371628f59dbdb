package repository

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

type scriptedRepo struct {
	errs  []error
	calls int
}

func (s *scriptedRepo) Append(ctx context.Context, content, key string) (int64, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	return int64(s.calls), nil
}

func (s *scriptedRepo) RangeAfter(ctx context.Context, offset int64) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {}
}

func (s *scriptedRepo) ListAfter(ctx context.Context, offset int64, limit int) ([]domain.Message, error) {
	return nil, nil
}

func (s *scriptedRepo) Latest(ctx context.Context) (int64, error) { return 0, nil }

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingRepository(t *testing.T) {
	ioErr := errors.Join(ErrWriteFailure, errors.New("disk I/O error"))

	t.Run("recovers after transient failure", func(t *testing.T) {
		inner := &scriptedRepo{errs: []error{ioErr}}
		repo := NewRetryingRepository(inner, fastRetry())

		id, err := repo.Append(context.Background(), "a: b", "k1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("duplicate after retry is surfaced as duplicate", func(t *testing.T) {
		inner := &scriptedRepo{errs: []error{ioErr, ErrDuplicateKey}}
		repo := NewRetryingRepository(inner, fastRetry())

		_, err := repo.Append(context.Background(), "a: b", "k1")
		assert.ErrorIs(t, err, ErrDuplicateKey)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		inner := &scriptedRepo{errs: []error{ioErr, ioErr, ioErr, ioErr}}
		repo := NewRetryingRepository(inner, fastRetry())

		_, err := repo.Append(context.Background(), "a: b", "k1")
		assert.ErrorIs(t, err, ErrWriteFailure)
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("keyless appends are not retried", func(t *testing.T) {
		inner := &scriptedRepo{errs: []error{ioErr}}
		repo := NewRetryingRepository(inner, fastRetry())

		_, err := repo.Append(context.Background(), "b", "")
		assert.ErrorIs(t, err, ErrWriteFailure)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("duplicates are not retried", func(t *testing.T) {
		inner := &scriptedRepo{errs: []error{ErrDuplicateKey}}
		repo := NewRetryingRepository(inner, fastRetry())

		_, err := repo.Append(context.Background(), "a: b", "k1")
		assert.ErrorIs(t, err, ErrDuplicateKey)
		assert.Equal(t, 1, inner.calls)
	})
}

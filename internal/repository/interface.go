package repository

import (
	"context"
	"errors"
	"iter"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

var (
	// ErrDuplicateKey means the idempotency key is already stored. Callers
	// treat it as "already delivered".
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrWriteFailure wraps every other append failure. Nothing was written.
	ErrWriteFailure = errors.New("message write failed")
	// ErrReadFailure wraps errors yielded while streaming history.
	ErrReadFailure = errors.New("message read failed")
)

// MessageRepository is the append-only message log shared by all workers.
type MessageRepository interface {
	// Append stores content and returns the assigned id. An empty key is
	// stored as absent.
	Append(ctx context.Context, content, idempotencyKey string) (int64, error)
	// RangeAfter streams every message with id > offset in ascending order.
	// Each iteration runs a fresh query. A read error is yielded once and
	// ends the sequence.
	RangeAfter(ctx context.Context, offset int64) iter.Seq2[domain.Message, error]
	// ListAfter returns at most limit messages with id > offset.
	ListAfter(ctx context.Context, offset int64, limit int) ([]domain.Message, error)
	// Latest returns the highest stored id, or 0 for an empty log.
	Latest(ctx context.Context) (int64, error)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// GormMessageRepository implements MessageRepository using GORM.
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository creates a new GORM-based message repository.
func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

// Migrate creates the messages table and its unique index if absent.
// Sibling workers migrate at the same time on startup; whichever loses the
// CREATE race finds the table in place on the next attempt.
func (r *GormMessageRepository) Migrate() error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, r.db.AutoMigrate(&domain.MessageModel{})
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(5),
	)
	return err
}

// Append inserts one row. The unique index on idempotency_key is the only
// serialization point between concurrent writers, so a conflicting insert
// is turned into a no-op and reported as ErrDuplicateKey.
func (r *GormMessageRepository) Append(ctx context.Context, content, idempotencyKey string) (int64, error) {
	l := log.Ctx(ctx)

	model := domain.NewMessageModel(content, idempotencyKey)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) && idempotencyKey != "" {
			return 0, ErrDuplicateKey
		}
		l.Error().Err(result.Error).Str(log.FieldIdempotencyKey, idempotencyKey).Msg("failed to append message")
		return 0, fmt.Errorf("%w: %w", ErrWriteFailure, result.Error)
	}

	if result.RowsAffected == 0 {
		if idempotencyKey != "" {
			return 0, ErrDuplicateKey
		}
		return 0, fmt.Errorf("%w: no row inserted", ErrWriteFailure)
	}

	l.Debug().Int64(log.FieldMessageID, model.ID).Msg("message appended")
	return model.ID, nil
}

// RangeAfter streams history with a server-side cursor so replay of a long
// log does not load it into memory.
func (r *GormMessageRepository) RangeAfter(ctx context.Context, offset int64) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		rows, err := r.db.WithContext(ctx).
			Model(&domain.MessageModel{}).
			Where("id > ?", offset).
			Order("id ASC").
			Rows()
		if err != nil {
			yield(domain.Message{}, fmt.Errorf("%w: %w", ErrReadFailure, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var model domain.MessageModel
			if err := r.db.ScanRows(rows, &model); err != nil {
				yield(domain.Message{}, fmt.Errorf("%w: %w", ErrReadFailure, err))
				return
			}
			if !yield(model.ToDomain(), nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(domain.Message{}, fmt.Errorf("%w: %w", ErrReadFailure, err))
		}
	}
}

// ListAfter returns one page of history.
func (r *GormMessageRepository) ListAfter(ctx context.Context, offset int64, limit int) ([]domain.Message, error) {
	l := log.Ctx(ctx)

	if limit < 1 {
		limit = 50
	}

	var models []domain.MessageModel
	if err := r.db.WithContext(ctx).
		Where("id > ?", offset).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		l.Error().Err(err).Int64(log.FieldOffset, offset).Msg("failed to list messages from db")
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}

	messages := make([]domain.Message, len(models))
	for i := range models {
		messages[i] = models[i].ToDomain()
	}
	return messages, nil
}

// Latest returns the highest assigned id.
func (r *GormMessageRepository) Latest(ctx context.Context) (int64, error) {
	var latest int64
	if err := r.db.WithContext(ctx).
		Model(&domain.MessageModel{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&latest).Error; err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	return latest, nil
}

package service

import (
	"context"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/repository"
)

// Replayer delivers stored history to a single reconnecting session.
// It never writes and never publishes.
type Replayer struct {
	repo repository.MessageRepository
}

func NewReplayer(repo repository.MessageRepository) *Replayer {
	return &Replayer{repo: repo}
}

// Replay sends every message with id > offset to peer in ascending order.
// It returns how many were delivered and the id of the last one, or offset
// when none were. It stops at the first read or delivery error, which is
// returned.
func (r *Replayer) Replay(ctx context.Context, peer Peer, offset int64) (delivered int, last int64, err error) {
	last = offset
	for msg, readErr := range r.repo.RangeAfter(ctx, offset) {
		if readErr != nil {
			return delivered, last, readErr
		}
		if err = peer.Deliver(ctx, domain.NewChatMessageOut(msg)); err != nil {
			return delivered, last, err
		}
		delivered++
		last = msg.ID
	}
	return delivered, last, nil
}

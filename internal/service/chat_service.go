package service

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/weiawesome/wes-chat-relay/internal/audit"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/repository"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

type chatService struct {
	repo     repository.MessageRepository
	fanout   Publisher
	replayer *Replayer
	replays  sync.WaitGroup
}

func NewChatService(repo repository.MessageRepository, fanout Publisher) ChatService {
	return &chatService{
		repo:     repo,
		fanout:   fanout,
		replayer: NewReplayer(repo),
	}
}

func (s *chatService) Connect(ctx context.Context, peer Peer, handshake domain.Handshake) error {
	session := peer.UserSession()
	if err := session.Connect(handshake); err != nil {
		return err
	}

	audit.LogWithDetail(ctx, audit.ActionConnect, session.GetUsername(),
		strconv.FormatInt(session.GetLastSeenOffset(), 10), "client connected")

	if !session.BeginReplay() {
		return peer.ReleaseLive(ctx)
	}

	l := log.Ctx(ctx).With().
		Str(log.FieldConnectionID, peer.ConnectionID()).
		Int64(log.FieldOffset, session.GetLastSeenOffset()).
		Logger()
	replayCtx := log.WithLogger(peer.Context(), l)

	s.replays.Add(1)
	go func() {
		defer s.replays.Done()

		n, last, err := s.replayer.Replay(replayCtx, peer, session.GetLastSeenOffset())
		switch {
		case err == nil:
			l.Debug().Int("delivered", n).Int64(log.FieldMessageID, last).Msg("replay complete")
			if err := peer.Deliver(replayCtx, domain.NewSyncedMessage(last)); err != nil {
				l.Debug().Err(err).Msg("synced frame not delivered")
			}
		case errors.Is(err, hub.ErrClientClosed), errors.Is(err, context.Canceled):
			l.Debug().Int("delivered", n).Msg("replay halted by disconnect")
			return
		default:
			l.Warn().Err(err).Int("delivered", n).Msg("replay stopped")
		}

		if err := peer.ReleaseLive(replayCtx); err != nil {
			l.Debug().Err(err).Msg("live traffic not released")
		}
	}()
	return nil
}

func (s *chatService) Submit(ctx context.Context, peer Peer, msg domain.ChatMessageIn) SubmitResult {
	session := peer.UserSession()
	l := log.Ctx(ctx).With().
		Str(log.FieldConnectionID, peer.ConnectionID()).
		Str(log.FieldIdempotencyKey, msg.IdempotencyKey).
		Logger()

	if !session.IsConnected() {
		return SubmitResult{Outcome: OutcomeRejected, Err: domain.ErrInvalidTransition}
	}
	if msg.Body == "" {
		return SubmitResult{Outcome: OutcomeRejected, Err: ErrEmptyBody}
	}

	content := domain.FormatContent(session.GetUsername(), msg.Body)

	var result SubmitResult
	id, err := s.repo.Append(ctx, content, msg.IdempotencyKey)
	switch {
	case err == nil:
		result = SubmitResult{Outcome: OutcomeAccepted, MessageID: id}
	case errors.Is(err, repository.ErrDuplicateKey):
		result = SubmitResult{Outcome: OutcomeDuplicate, Err: err}
	default:
		l.Error().Err(err).Msg("message write failed, no ack sent")
		return SubmitResult{Outcome: OutcomeFailed, Err: err}
	}

	if err := peer.SendMessage(domain.NewAckMessage(msg)); err != nil {
		l.Debug().Err(err).Msg("ack not delivered")
	}

	if result.Outcome == OutcomeDuplicate {
		audit.LogWithDetail(ctx, audit.ActionDuplicate, session.GetUsername(), msg.IdempotencyKey, "duplicate message acknowledged")
		return result
	}

	out := domain.NewChatMessageOut(domain.Message{ID: id, Content: content})
	if err := s.fanout.Publish(ctx, domain.EventChatMessage, out); err != nil {
		l.Warn().Err(err).Int64(log.FieldMessageID, id).Msg("fanout publish failed")
		result.PublishErr = err
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, session.GetUsername(), strconv.FormatInt(id, 10), "message accepted")
	return result
}

func (s *chatService) Disconnect(ctx context.Context, peer Peer) {
	peer.Close()
	session := peer.UserSession()
	if session.Disconnect() {
		audit.Log(ctx, audit.ActionDisconnect, session.GetUsername(), "client disconnected")
	}
}

func (s *chatService) Wait() {
	s.replays.Wait()
}

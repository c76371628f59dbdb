package service

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

// ErrEmptyBody rejects submissions without text.
var ErrEmptyBody = errors.New("empty message body")

// Peer is one live connection as seen by the chat service. *hub.Client
// implements it.
type Peer interface {
	ConnectionID() string
	UserSession() *domain.Session
	// Context is cancelled when the connection goes away.
	Context() context.Context
	// SendMessage queues a frame without blocking.
	SendMessage(message interface{}) error
	// Deliver queues a frame, waiting for buffer space.
	Deliver(ctx context.Context, message interface{}) error
	// ReleaseLive lets live broadcasts through once history is delivered.
	ReleaseLive(ctx context.Context) error
	Close()
}

// Publisher fans an accepted message out to every worker.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// SubmitOutcome classifies a submission.
type SubmitOutcome int

const (
	// OutcomeAccepted: stored, acknowledged and published.
	OutcomeAccepted SubmitOutcome = iota
	// OutcomeDuplicate: key already stored, acknowledged only.
	OutcomeDuplicate
	// OutcomeFailed: write failed after retries, no acknowledgement.
	OutcomeFailed
	// OutcomeRejected: not accepted for writing, no acknowledgement.
	OutcomeRejected
)

func (o SubmitOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Acknowledged reports whether the sender was told to stop retrying.
func (o SubmitOutcome) Acknowledged() bool {
	return o == OutcomeAccepted || o == OutcomeDuplicate
}

// SubmitResult is the resolved state of one submission. PublishErr is only
// set for accepted messages whose fan-out failed; the log still holds them.
type SubmitResult struct {
	Outcome    SubmitOutcome
	MessageID  int64
	Err        error
	PublishErr error
}

type ChatService interface {
	// Connect moves the session to Connected and starts history replay
	// when the transport did not recover the connection. Live broadcasts
	// reach the peer only after the replay.
	Connect(ctx context.Context, peer Peer, handshake domain.Handshake) error
	// Submit writes, acknowledges and publishes, in that order.
	Submit(ctx context.Context, peer Peer, msg domain.ChatMessageIn) SubmitResult
	// Disconnect ends the session and halts any replay in progress.
	Disconnect(ctx context.Context, peer Peer)
	// Wait blocks until every replay started by Connect has finished.
	Wait()
}

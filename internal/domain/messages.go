package domain

// Websocket events. The names follow the original socket protocol so the
// bundled page stays a thin client.
const (
	EventChatMessage = "chat message"
	EventAck         = "ack"
	EventSession     = "session"
	EventSynced      = "synced"
	EventPing        = "ping"
	EventPong        = "pong"
	EventError       = "error"
)

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all websocket frames.
type BaseMessage struct {
	Event string `json:"event"`
}

// Client -> Server

// ChatMessageIn is a submission. AckID is echoed back on acknowledgement so
// the client can match it to its pending send.
type ChatMessageIn struct {
	Event          string `json:"event"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	AckID          int64  `json:"ackId,omitempty"`
}

// Server -> Client

// ChatMessageOut is both the live broadcast and the replayed history entry.
type ChatMessageOut struct {
	Event  string `json:"event"`
	Body   string `json:"body"`
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
}

// NewChatMessageOut renders a stored message for delivery.
func NewChatMessageOut(m Message) *ChatMessageOut {
	sender, body := SplitContent(m.Content)
	return &ChatMessageOut{
		Event:  EventChatMessage,
		Body:   body,
		ID:     m.ID,
		Sender: sender,
	}
}

type AckMessage struct {
	Event          string `json:"event"`
	AckID          int64  `json:"ackId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func NewAckMessage(in ChatMessageIn) *AckMessage {
	return &AckMessage{
		Event:          EventAck,
		AckID:          in.AckID,
		IdempotencyKey: in.IdempotencyKey,
	}
}

// SessionMessage is the first frame of every connection.
type SessionMessage struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connectionId"`
	PID          string `json:"pid,omitempty"`
	Recovered    bool   `json:"recovered"`
}

// SyncedMessage closes a history replay. Offset is the highest id the
// session is known to hold without gaps.
type SyncedMessage struct {
	Event  string `json:"event"`
	Offset int64  `json:"offset"`
}

func NewSyncedMessage(offset int64) *SyncedMessage {
	return &SyncedMessage{Event: EventSynced, Offset: offset}
}

type PongMessage struct {
	Event string `json:"event"`
}

type ErrorMessage struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Event:   EventError,
		Code:    code,
		Message: message,
	}
}

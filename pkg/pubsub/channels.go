package pubsub

import "fmt"

// Channel naming conventions for the chat relay.
const (
	// ChannelRoomFanout carries every accepted message of a room to all workers.
	ChannelRoomFanout = "chat:room:%s:fanout"

	// PatternRoomFanout matches the fan-out channel of every room.
	PatternRoomFanout = "chat:room:*:fanout"
)

// Event types carried on fan-out channels.
const (
	EventChatMessage = "chat message"
)

// RoomFanoutChannel returns the fan-out channel name for a room.
func RoomFanoutChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomFanout, roomID)
}

// subscriberBuffer is the per-subscription queue size shared by all drivers.
// Events beyond it are dropped; the durable log is the recovery path.
const subscriberBuffer = 256

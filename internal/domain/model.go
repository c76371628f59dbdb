package domain

// MessageModel is the GORM model for the messages table.
//
// IdempotencyKey is nullable: legacy senders store NULL, and NULLs never
// collide on the unique index.
type MessageModel struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey *string `gorm:"type:varchar(255);uniqueIndex:idx_messages_idempotency_key"`
	Content        string  `gorm:"type:text;not null"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "messages"
}

// ToDomain converts MessageModel to domain Message.
func (m *MessageModel) ToDomain() Message {
	msg := Message{ID: m.ID, Content: m.Content}
	if m.IdempotencyKey != nil {
		msg.IdempotencyKey = *m.IdempotencyKey
	}
	return msg
}

// NewMessageModel builds a row for insertion. An empty key is stored as NULL.
func NewMessageModel(content, idempotencyKey string) *MessageModel {
	model := &MessageModel{Content: content}
	if idempotencyKey != "" {
		key := idempotencyKey
		model.IdempotencyKey = &key
	}
	return model
}

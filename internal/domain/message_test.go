package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		sender  string
		body    string
	}{
		{name: "sender and body", content: "alice: hi", sender: "alice", body: "hi"},
		{name: "splits at first delimiter", content: "bob: a: b", sender: "bob", body: "a: b"},
		{name: "no delimiter", content: "hello", sender: "", body: "hello"},
		{name: "empty body", content: "carol: ", sender: "carol", body: ""},
		{name: "colon without space", content: "x:y", sender: "", body: "x:y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, body := SplitContent(tt.content)
			assert.Equal(t, tt.sender, sender)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestFormatContent(t *testing.T) {
	assert.Equal(t, "alice: hi", FormatContent("alice", "hi"))
	assert.Equal(t, "hi", FormatContent("", "hi"))

	sender, body := SplitContent(FormatContent("dave", "x: y"))
	assert.Equal(t, "dave", sender)
	assert.Equal(t, "x: y", body)
}

func TestNewMessageModel(t *testing.T) {
	keyed := NewMessageModel("alice: hi", "k1")
	require.NotNil(t, keyed.IdempotencyKey)
	assert.Equal(t, "k1", *keyed.IdempotencyKey)

	legacy := NewMessageModel("hi", "")
	assert.Nil(t, legacy.IdempotencyKey)

	legacy.ID = 7
	msg := legacy.ToDomain()
	assert.Equal(t, int64(7), msg.ID)
	assert.Empty(t, msg.IdempotencyKey)
	assert.Empty(t, msg.Sender())
	assert.Equal(t, "hi", msg.Body())
}

func TestChatMessageOutWireFormat(t *testing.T) {
	out := NewChatMessageOut(Message{ID: 3, Content: "alice: hi"})

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"chat message","body":"hi","id":3,"sender":"alice"}`, string(data))
}

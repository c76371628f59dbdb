package domain

import "strings"

// DefaultUsername is used when the handshake carries no username.
const DefaultUsername = "Anonymous"

// ContentDelimiter separates sender and body in stored content.
const ContentDelimiter = ": "

// Message is an entry of the durable log. It is immutable once stored.
type Message struct {
	ID             int64
	IdempotencyKey string // empty for legacy senders
	Content        string
}

// Sender returns the sender part of the stored content.
func (m Message) Sender() string {
	sender, _ := SplitContent(m.Content)
	return sender
}

// Body returns the body part of the stored content.
func (m Message) Body() string {
	_, body := SplitContent(m.Content)
	return body
}

// FormatContent builds the canonical "<sender>: <body>" form, or the raw body
// when the sender is unknown.
func FormatContent(sender, body string) string {
	if sender == "" {
		return body
	}
	return sender + ContentDelimiter + body
}

// SplitContent splits stored content at the first delimiter. Content without
// a delimiter has no sender.
func SplitContent(content string) (sender, body string) {
	sender, body, found := strings.Cut(content, ContentDelimiter)
	if !found {
		return "", content
	}
	return sender, body
}

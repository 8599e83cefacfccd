// Package model defines the core domain types for ChatLine.
package model

import "time"

// Message is one persisted direct message. It is never updated once stored.
type Message struct {
	ID        int64     `json:"id" yaml:"id"`
	Sender    string    `json:"sender" yaml:"sender"`
	Receiver  string    `json:"receiver" yaml:"receiver"`
	Body      string    `json:"body" yaml:"body"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Conversation is the derived, time-ordered set of messages exchanged
// between two users in either direction.
type Conversation struct {
	Participants [2]string `yaml:"participants"`
	Messages     []Message `yaml:"messages"`
}

// ConversationKey returns a key identifying the unordered pair {a, b}.
// ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	p := Participants(a, b)
	return p[0] + ":" + p[1]
}

// Between reports whether m belongs to the conversation of a and b.
func (m *Message) Between(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Participants returns the pair sorted so that equal pairs compare equal.
func Participants(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

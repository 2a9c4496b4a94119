package domain

import "strings"

const keySeparator = "|"

// ConversationKey identifies the conversation between two users, independent
// of who sent a message.
type ConversationKey string

// KeyFor returns the key of the conversation between a and b.
func KeyFor(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(a + keySeparator + b)
}

// Participants returns both user ids in sorted order.
func (k ConversationKey) Participants() (string, string) {
	a, b, _ := strings.Cut(string(k), keySeparator)
	return a, b
}

// Peer returns the participant that is not self.
func (k ConversationKey) Peer(self string) string {
	a, b := k.Participants()
	if a == self {
		return b
	}
	return a
}

// Has reports whether id takes part in the conversation.
func (k ConversationKey) Has(id string) bool {
	a, b := k.Participants()
	return a == id || b == id
}

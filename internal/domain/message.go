package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PendingPrefix marks ids assigned locally before server confirmation.
// Server-assigned ids never start with it.
const PendingPrefix = "local-"

// ErrIllegalTransition is returned when a delivery state change is not allowed.
var ErrIllegalTransition = errors.New("illegal delivery state transition")

// DeliveryState is the delivery status of a message.
type DeliveryState string

const (
	// StatePending marks an optimistic message awaiting confirmation.
	StatePending DeliveryState = "pending"
	// StateSent marks a server-confirmed message. It is terminal.
	StateSent DeliveryState = "sent"
	// StateFailed marks a send that errored or timed out.
	StateFailed DeliveryState = "failed"
)

// allowed lists the outgoing transitions of each state.
var allowed = map[DeliveryState][]DeliveryState{
	StatePending: {StateSent, StateFailed},
	StateFailed:  {StatePending},
}

// CanTransition reports whether s may move to next.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	for _, to := range allowed[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsPendingID reports whether id belongs to the local pending namespace.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}

// Message is a direct message between two users.
//
// The delivery state is unexported so it can only change through the
// transition methods.
type Message struct {
	ID          string
	PendingID   string
	SenderID    string
	RecipientID string
	Content     string
	CreatedAt   time.Time
	state       DeliveryState
}

// NewPending builds an optimistic message whose id is its pending id.
func NewPending(pendingID, senderID, recipientID, content string, createdAt time.Time) *Message {
	return &Message{
		ID:          pendingID,
		PendingID:   pendingID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   createdAt,
		state:       StatePending,
	}
}

// NewConfirmed builds a server-confirmed message.
func NewConfirmed(id, senderID, recipientID, content string, createdAt time.Time) *Message {
	return &Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   createdAt,
		state:       StateSent,
	}
}

// State returns the delivery state.
func (m *Message) State() DeliveryState {
	return m.state
}

// Key returns the conversation the message belongs to.
func (m *Message) Key() ConversationKey {
	return KeyFor(m.SenderID, m.RecipientID)
}

// Fail moves a pending message to failed.
func (m *Message) Fail() error {
	return m.transition(StateFailed)
}

// Requeue moves a failed message back to pending.
func (m *Message) Requeue() error {
	return m.transition(StatePending)
}

func (m *Message) transition(next DeliveryState) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	m.state = next
	return nil
}

// Clone returns a copy safe to hand to readers.
func (m *Message) Clone() Message {
	return *m
}

// Before reports whether m sorts before other: by creation time, then id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SameContent reports whether two messages carry the same sender, recipient
// and content, with creation times within tolerance of each other.
func (m *Message) SameContent(other *Message, tolerance time.Duration) bool {
	if m.SenderID != other.SenderID || m.RecipientID != other.RecipientID || m.Content != other.Content {
		return false
	}
	delta := m.CreatedAt.Sub(other.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}

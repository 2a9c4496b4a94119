// Package protocol defines the channel wire format shared by client and server.
package protocol

import (
	"strings"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
)

// Outbound events (client -> server).
const (
	EventJoin        = "join"
	EventMessageSend = "message:send"
	EventTyping      = "typing"
)

// Inbound events (server -> client).
const (
	EventPresence         = "presence"
	EventMessageIncoming  = "message:incoming"
	EventMessageConfirmed = "message:confirmed"
	EventMessageError     = "message:error"
	EventTypingUpdate     = "typing:update"
	EventError            = "error"
)

// JoinPayload announces the identity bound to a channel.
type JoinPayload struct {
	Identity domain.Identity `json:"identity"`
}

// Validate implements Validator.
func (p JoinPayload) Validate() error {
	if err := p.Identity.Validate(); err != nil {
		return invalid("join: %v", err)
	}
	return nil
}

// SendPayload is an outbound message carrying the client's pending id.
type SendPayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	PendingID   string `json:"pendingId"`
}

// Validate implements Validator.
func (p SendPayload) Validate() error {
	switch {
	case p.RecipientID == "":
		return invalid("message:send: missing recipientId")
	case !domain.ValidUserID(p.RecipientID):
		return invalid("message:send: invalid recipientId %q", p.RecipientID)
	case strings.TrimSpace(p.Content) == "":
		return invalid("message:send: missing content")
	case !domain.IsPendingID(p.PendingID):
		return invalid("message:send: pendingId %q outside pending namespace", p.PendingID)
	}
	return nil
}

// TypingPayload toggles the typing indicator shown to a recipient.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

// Validate implements Validator.
func (p TypingPayload) Validate() error {
	if p.RecipientID == "" {
		return invalid("typing: missing recipientId")
	}
	if !domain.ValidUserID(p.RecipientID) {
		return invalid("typing: invalid recipientId %q", p.RecipientID)
	}
	return nil
}

// PresencePayload is a complete roster snapshot.
type PresencePayload struct {
	OnlineIDs []string `json:"onlineIds"`
	Seq       uint64   `json:"seq,omitempty"`
}

// Validate implements Validator.
func (p PresencePayload) Validate() error {
	if p.OnlineIDs == nil {
		return invalid("presence: missing onlineIds")
	}
	return nil
}

// MessagePayload is a server-confirmed message.
type MessagePayload struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"`
}

// Validate implements Validator.
func (p MessagePayload) Validate() error {
	switch {
	case p.ID == "":
		return invalid("message: missing id")
	case domain.IsPendingID(p.ID):
		return invalid("message: id %q is not server-assigned", p.ID)
	case p.SenderID == "":
		return invalid("message: missing senderId")
	case p.RecipientID == "":
		return invalid("message: missing recipientId")
	case !domain.ValidUserID(p.SenderID) || !domain.ValidUserID(p.RecipientID):
		return invalid("message: invalid participant ids %q, %q", p.SenderID, p.RecipientID)
	case p.CreatedAt <= 0:
		return invalid("message: missing createdAt")
	}
	return nil
}

// ToDomain converts the payload into a confirmed message.
func (p MessagePayload) ToDomain() *domain.Message {
	return domain.NewConfirmed(p.ID, p.SenderID, p.RecipientID, p.Content, time.UnixMilli(p.CreatedAt))
}

// MessageFromDomain converts a message into its wire form.
func MessageFromDomain(m *domain.Message) MessagePayload {
	return MessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}

// ConfirmedPayload acknowledges a send, echoing the client's pending id.
type ConfirmedPayload struct {
	PendingID string          `json:"pendingId"`
	Message   *MessagePayload `json:"message"`
}

// Validate implements Validator.
func (p ConfirmedPayload) Validate() error {
	if p.PendingID == "" {
		return invalid("message:confirmed: missing pendingId")
	}
	if p.Message == nil {
		return invalid("message:confirmed: missing message")
	}
	return p.Message.Validate()
}

// SendErrorPayload reports a failed send.
type SendErrorPayload struct {
	PendingID string `json:"pendingId"`
	Reason    string `json:"reason"`
}

// Validate implements Validator.
func (p SendErrorPayload) Validate() error {
	if p.PendingID == "" {
		return invalid("message:error: missing pendingId")
	}
	return nil
}

// TypingUpdatePayload reports a peer's typing state.
type TypingUpdatePayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Validate implements Validator.
func (p TypingUpdatePayload) Validate() error {
	if p.UserID == "" {
		return invalid("typing:update: missing userId")
	}
	return nil
}

// ChannelErrorPayload rejects a frame at channel level.
type ChannelErrorPayload struct {
	Reason string `json:"reason"`
}

// Validate implements Validator.
func (p ChannelErrorPayload) Validate() error {
	return nil
}

// Package channel defines the messaging backend contract.
// A Channel is one tenant's connection to a messaging network: it streams the
// account's inbound events and carries sends, composing signals and deletes.
package channel

import (
	"context"
	"time"
)

// Message is an inbound event on a tenant's account.
type Message struct {
	// TenantID is the tenant whose account received the event.
	TenantID string

	// Source identifies the network (e.g., "matrix")
	Source string

	// ID is the network message identifier
	ID string

	// ChatID is the conversation identifier
	ChatID string

	// SenderID is the network sender identifier. It equals the tenant owner's
	// ID for messages the owner wrote from another device.
	SenderID string

	// Content is the message text
	Content string

	// IsGroup is true for conversations with more than two participants
	IsGroup bool

	// ReplyToOwner is true when the message replies to one of the owner's messages
	ReplyToOwner bool

	// Mentions lists the participant IDs mentioned in the message
	Mentions []string

	// Timestamp is when the network accepted the message
	Timestamp time.Time
}

// Response is an outgoing message.
type Response struct {
	ChatID  string
	Content string
	// ReplyTo optionally threads the response to a message ID
	ReplyTo string
}

// Channel is one tenant's messaging backend connection.
type Channel interface {
	// Name returns the network identifier (e.g., "matrix").
	Name() string

	// Start begins receiving events. Blocks until ctx is cancelled or the
	// connection fails irrecoverably.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers a message and returns its network ID.
	Send(ctx context.Context, resp Response) (string, error)

	// SetComposing turns the typing indicator on or off in a chat.
	SetComposing(ctx context.Context, chatID string, on bool) error

	// Delete removes a message, used to clean up owner commands.
	Delete(ctx context.Context, chatID, messageID string) error

	// Stop shuts the connection down.
	Stop() error
}

// MessageHandler is called for every inbound event.
type MessageHandler func(ctx context.Context, msg Message) error

// Credentials are what a Channel needs to act as a tenant's account.
type Credentials struct {
	TenantID string
	OwnerID  string
	Token    string
	Endpoint string // from the credential bundle
	Secret   string // from the credential bundle
}

// Factory opens a Channel for a tenant.
type Factory func(creds Credentials) (Channel, error)

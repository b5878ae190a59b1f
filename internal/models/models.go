// Package models defines the core data structures for FluxoDesk.
//
// It includes the conversation, contact and message types shared across modules,
// along with the inbound event contract consumed by the flow engine.
package models

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationStatusNew indicates a conversation that has not been handled yet.
	ConversationStatusNew ConversationStatus = "new"
	// ConversationStatusInProgress indicates a conversation being handled by the bot or an agent.
	ConversationStatusInProgress ConversationStatus = "in_progress"
	// ConversationStatusResolved indicates a closed conversation.
	ConversationStatusResolved ConversationStatus = "resolved"
	// ConversationStatusArchived indicates an archived conversation.
	ConversationStatusArchived ConversationStatus = "archived"
)

// SenderKind identifies who produced a logged message.
type SenderKind string

const (
	// SenderUser is the contact on the other end of the channel.
	SenderUser SenderKind = "user"
	// SenderBot is the flow engine itself.
	SenderBot SenderKind = "bot"
	// SenderAgent is a human operator.
	SenderAgent SenderKind = "agent"
)

// MediaKind identifies the transport call used for a media attachment.
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindDocument MediaKind = "document"
	MediaKindAudio    MediaKind = "audio"
)

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(k MediaKind) bool {
	switch k {
	case MediaKindImage, MediaKindVideo, MediaKindDocument, MediaKindAudio:
		return true
	default:
		return false
	}
}

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrNodeNotFound         = errors.New("flow node not found")
	ErrNoConnection         = errors.New("no usable connection for conversation")
	ErrRunawayGraph         = errors.New("iteration cap exceeded while executing flow")
	ErrStaleConversation    = errors.New("conversation was modified concurrently")
	ErrEmptyEvent           = errors.New("inbound event is missing a conversation reference")
)

// Contact is the read-only view of a contact consumed by the engine.
type Contact struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
	AltID string   `json:"alt_id,omitempty"` // alternate channel identifier, when it differs from phone
	Tags  []string `json:"tags,omitempty"`
}

// HasTag reports whether the contact currently holds the given tag.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Conversation is the engine's mutable view of a helpdesk conversation.
// The engine mutates it at node boundaries; creation and archival belong to
// external collaborators.
type Conversation struct {
	ID             string             `json:"id"`
	ContactID      string             `json:"contact_id"`
	ConnectionID   string             `json:"connection_id"`
	Status         ConversationStatus `json:"status"`
	IsBotActive    bool               `json:"is_bot_active"`
	ActiveFlowID   string             `json:"active_flow_id,omitempty"`
	KanbanColumnID string             `json:"kanban_column_id,omitempty"`
	QueueID        string             `json:"queue_id,omitempty"`
	AssignedTo     string             `json:"assigned_to,omitempty"`
	Continuation   *Continuation      `json:"continuation,omitempty"`
	// Version is bumped on every save; stale writes are rejected by the store.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is an append-only conversation log entry. The engine only appends.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	Sender         SenderKind `json:"sender"`
	Type           string     `json:"type,omitempty"`
	MediaURL       string     `json:"media_url,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// InboundEvent is the normalized inbound message contract consumed by the engine.
// MessageID is optional; when present it is used for duplicate-delivery detection.
type InboundEvent struct {
	ConversationID string `json:"conversationId"`
	MessageContent string `json:"messageContent"`
	ContactPhone   string `json:"contactPhone"`
	ConnectionID   string `json:"connectionId"`
	MessageID      string `json:"messageId,omitempty"`
}

// Response represents an incoming message received directly from a messaging
// transport (as opposed to the normalized HTTP contract).
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// EventResult describes the outcome of handling one inbound event. Err keeps
// the underlying error for errors.Is-based handling; Error carries its text
// over the wire.
type EventResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

// OkResult creates a successful event result with a path description.
func OkResult(message string) EventResult {
	return EventResult{Success: true, Message: message}
}

// FailResult creates a failed event result with an error description.
func FailResult(err error) EventResult {
	return EventResult{Success: false, Error: err.Error(), Err: err}
}

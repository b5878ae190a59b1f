// Package store provides storage backends for FluxoDesk.
//
// It exposes the persistence interface consumed by the flow engine and
// implements it over SQLite, PostgreSQL and an in-memory map (for tests and
// local development).
package store

import (
	"strings"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// Store is the persistence interface consumed by the flow engine.
//
// Conversations are read-then-written with optimistic versioning: SaveConversation
// rejects writes whose Version no longer matches the stored row with
// models.ErrStaleConversation. The message log is append-only. Flow definitions
// are read-only to the engine; SaveFlow exists for seeding and tests, authoring
// belongs to external collaborators.
type Store interface {
	GetConversation(id string) (*models.Conversation, error)
	// GetConversationByContact returns the most recent non-archived conversation
	// for a contact, or models.ErrConversationNotFound.
	GetConversationByContact(contactID string) (*models.Conversation, error)
	SaveConversation(c models.Conversation) error

	GetContact(id string) (*models.Contact, error)
	GetContactByPhone(phone string) (*models.Contact, error)
	SaveContact(c models.Contact) error

	AddMessage(m models.Message) error
	// ListMessages returns the conversation log in ascending timestamp order.
	ListMessages(conversationID string) ([]models.Message, error)
	CountMessages(conversationID string) (int, error)

	GetFlow(id string) (*models.FlowDefinition, error)
	// ListActiveFlows returns active flows ordered by ascending ordinal.
	ListActiveFlows() ([]models.FlowDefinition, error)
	SaveFlow(f models.FlowDefinition) error

	// RecordInbound inserts an inbound dedup record. Returns false if the
	// message id was already recorded (duplicate delivery).
	RecordInbound(messageID, conversationID string) (bool, error)
	// MarkProcessed sets the processed timestamp for a dedup record.
	MarkProcessed(messageID string) error
	// ForgetInbound removes a dedup record so a redelivery of the same
	// message id is treated as fresh. Called when handling fails after the
	// record was taken.
	ForgetInbound(messageID string) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings and
// "sqlite" otherwise (plain file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

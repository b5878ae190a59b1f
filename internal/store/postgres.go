// Package store provides storage backends for FluxoDesk.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/fluxodesk/fluxodesk/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, connection_id, status, is_bot_active, active_flow_id,
		kanban_column_id, queue_id, assigned_to, continuation, version, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *PostgresStore) GetConversationByContact(contactID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, connection_id, status, is_bot_active, active_flow_id,
		kanban_column_id, queue_id, assigned_to, continuation, version, created_at, updated_at
		FROM conversations WHERE contact_id = $1 AND status != 'archived'
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	return scanConversation(row)
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	continuation, err := marshalContinuation(c.Continuation)
	if err != nil {
		return err
	}
	now := time.Now()

	if c.Version == 0 {
		created := c.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := s.db.Exec(`INSERT INTO conversations
			(id, contact_id, connection_id, status, is_bot_active, active_flow_id, kanban_column_id,
			 queue_id, assigned_to, continuation, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
			c.ID, c.ContactID, c.ConnectionID, c.Status, c.IsBotActive, c.ActiveFlowID,
			c.KanbanColumnID, c.QueueID, c.AssignedTo, continuation, created, now)
		if err != nil {
			slog.Error("PostgresStore SaveConversation insert failed", "error", err, "conversation", c.ID)
			return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
		}
		return nil
	}

	res, err := s.db.Exec(`UPDATE conversations SET contact_id = $1, connection_id = $2, status = $3,
		is_bot_active = $4, active_flow_id = $5, kanban_column_id = $6, queue_id = $7, assigned_to = $8,
		continuation = $9, version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`,
		c.ContactID, c.ConnectionID, c.Status, c.IsBotActive, c.ActiveFlowID,
		c.KanbanColumnID, c.QueueID, c.AssignedTo, continuation, now, c.ID, c.Version)
	if err != nil {
		slog.Error("PostgresStore SaveConversation update failed", "error", err, "conversation", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conversation update for %s: %w", c.ID, err)
	}
	if affected == 0 {
		slog.Warn("PostgresStore SaveConversation stale write rejected", "conversation", c.ID, "version", c.Version)
		return models.ErrStaleConversation
	}
	return nil
}

func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, alt_id, tags FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

func (s *PostgresStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, alt_id, tags FROM contacts
		WHERE phone = $1 OR alt_id = $1 LIMIT 1`, phone)
	return scanContact(row)
}

func (s *PostgresStore) SaveContact(c models.Contact) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal contact tags: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, name, phone, alt_id, tags) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone,
		alt_id = EXCLUDED.alt_id, tags = EXCLUDED.tags`,
		c.ID, c.Name, c.Phone, c.AltID, string(tags))
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contact", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, content, sender, type, media_url, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.Content, m.Sender, m.Type, m.MediaURL, m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversation", m.ConversationID)
		return fmt.Errorf("failed to insert message for conversation %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, content, sender, type, media_url, timestamp
		FROM messages WHERE conversation_id = $1 ORDER BY timestamp ASC`, conversationID)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversation", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) CountMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetFlow(id string) (*models.FlowDefinition, error) {
	var graph string
	var f models.FlowDefinition
	err := s.db.QueryRow(`SELECT id, name, active, ordinal, graph FROM flows WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Active, &f.Ordinal, &graph)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flow %s: %w", id, err)
	}
	if err := unmarshalGraph(graph, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListActiveFlows() ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(`SELECT id, name, active, ordinal, graph FROM flows
		WHERE active = TRUE ORDER BY ordinal ASC`)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.FlowDefinition
	for rows.Next() {
		var graph string
		var f models.FlowDefinition
		if err := rows.Scan(&f.ID, &f.Name, &f.Active, &f.Ordinal, &graph); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		if err := unmarshalGraph(graph, &f); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func (s *PostgresStore) SaveFlow(f models.FlowDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	graph, err := marshalGraph(&f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, active, ordinal, graph) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active,
		ordinal = EXCLUDED.ordinal, graph = EXCLUDED.graph`,
		f.ID, f.Name, f.Active, f.Ordinal, graph)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flow", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) RecordInbound(messageID, conversationID string) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO inbound_dedup (message_id, conversation_id, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`, messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time checks that both SQL stores implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)

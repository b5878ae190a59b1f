// Package store provides storage backends for FluxoDesk.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/fluxodesk/fluxodesk/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, connection_id, status, is_bot_active, active_flow_id,
		kanban_column_id, queue_id, assigned_to, continuation, version, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) GetConversationByContact(contactID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, contact_id, connection_id, status, is_bot_active, active_flow_id,
		kanban_column_id, queue_id, assigned_to, continuation, version, created_at, updated_at
		FROM conversations WHERE contact_id = ? AND status != 'archived'
		ORDER BY updated_at DESC LIMIT 1`, contactID)
	return scanConversation(row)
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
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
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			c.ID, c.ContactID, c.ConnectionID, c.Status, c.IsBotActive, c.ActiveFlowID,
			c.KanbanColumnID, c.QueueID, c.AssignedTo, continuation, created, now)
		if err != nil {
			slog.Error("SQLiteStore SaveConversation insert failed", "error", err, "conversation", c.ID)
			return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
		}
		return nil
	}

	res, err := s.db.Exec(`UPDATE conversations SET contact_id = ?, connection_id = ?, status = ?,
		is_bot_active = ?, active_flow_id = ?, kanban_column_id = ?, queue_id = ?, assigned_to = ?,
		continuation = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.ContactID, c.ConnectionID, c.Status, c.IsBotActive, c.ActiveFlowID,
		c.KanbanColumnID, c.QueueID, c.AssignedTo, continuation, now, c.ID, c.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation update failed", "error", err, "conversation", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conversation update for %s: %w", c.ID, err)
	}
	if affected == 0 {
		slog.Warn("SQLiteStore SaveConversation stale write rejected", "conversation", c.ID, "version", c.Version)
		return models.ErrStaleConversation
	}
	return nil
}

func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, alt_id, tags FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

func (s *SQLiteStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, alt_id, tags FROM contacts
		WHERE phone = ? OR alt_id = ? LIMIT 1`, phone, phone)
	return scanContact(row)
}

func (s *SQLiteStore) SaveContact(c models.Contact) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal contact tags: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, name, phone, alt_id, tags) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone,
		alt_id = excluded.alt_id, tags = excluded.tags`,
		c.ID, c.Name, c.Phone, c.AltID, string(tags))
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contact", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, content, sender, type, media_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.Sender, m.Type, m.MediaURL, m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversation", m.ConversationID)
		return fmt.Errorf("failed to insert message for conversation %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, content, sender, type, media_url, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversation", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) CountMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.FlowDefinition, error) {
	var graph string
	var f models.FlowDefinition
	err := s.db.QueryRow(`SELECT id, name, active, ordinal, graph FROM flows WHERE id = ?`, id).
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

func (s *SQLiteStore) ListActiveFlows() ([]models.FlowDefinition, error) {
	rows, err := s.db.Query(`SELECT id, name, active, ordinal, graph FROM flows
		WHERE active = 1 ORDER BY ordinal ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err)
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

func (s *SQLiteStore) SaveFlow(f models.FlowDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	graph, err := marshalGraph(&f)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, active, ordinal, graph) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active,
		ordinal = excluded.ordinal, graph = excluded.graph`,
		f.ID, f.Name, f.Active, f.Ordinal, graph)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flow", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordInbound(messageID, conversationID string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO inbound_dedup (message_id, conversation_id, received_at)
		VALUES (?, ?, ?)`, messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ForgetInbound(messageID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

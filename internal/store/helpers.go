package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// marshalContinuation serializes a continuation for a nullable column.
func marshalContinuation(c *models.Continuation) (interface{}, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal continuation: %w", err)
	}
	return string(data), nil
}

// scanConversation scans a conversation from a single sql.Row.
func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var continuation sql.NullString
	err := row.Scan(
		&c.ID, &c.ContactID, &c.ConnectionID, &c.Status, &c.IsBotActive, &c.ActiveFlowID,
		&c.KanbanColumnID, &c.QueueID, &c.AssignedTo, &continuation, &c.Version,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation failed: %w", err)
	}
	if continuation.Valid && continuation.String != "" {
		var cont models.Continuation
		if err := json.Unmarshal([]byte(continuation.String), &cont); err != nil {
			return nil, fmt.Errorf("failed to unmarshal continuation: %w", err)
		}
		c.Continuation = &cont
	}
	return &c, nil
}

// scanContact scans a contact from a single sql.Row.
func scanContact(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	var tags string
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.AltID, &tags)
	if err == sql.ErrNoRows {
		return nil, models.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact failed: %w", err)
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contact tags: %w", err)
		}
	}
	return &c, nil
}

// collectMessages drains message rows into a slice.
func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &m.Type, &m.MediaURL, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

// graph is the JSON shape of the nodes/edges column in the flows table.
type graph struct {
	Nodes []models.FlowNode `json:"nodes"`
	Edges []models.FlowEdge `json:"edges"`
}

func marshalGraph(f *models.FlowDefinition) (string, error) {
	data, err := json.Marshal(graph{Nodes: f.Nodes, Edges: f.Edges})
	if err != nil {
		return "", fmt.Errorf("failed to marshal flow graph: %w", err)
	}
	return string(data), nil
}

func unmarshalGraph(data string, f *models.FlowDefinition) error {
	var g graph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return fmt.Errorf("failed to unmarshal flow graph for %s: %w", f.ID, err)
	}
	f.Nodes = g.Nodes
	f.Edges = g.Edges
	return nil
}

// Package models defines the flow graph structures executed by the engine.
package models

import (
	"errors"
	"fmt"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeMessage   NodeType = "message"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeMenu      NodeType = "menu"
	NodeTypeAI        NodeType = "ai"
	NodeTypeCondition NodeType = "condition"
	NodeTypeCRM       NodeType = "crm"
	NodeTypeWhatsApp  NodeType = "whatsapp"
	NodeTypeTransfer  NodeType = "transfer"
	NodeTypeEnd       NodeType = "end"
)

// TriggerKind identifies how a trigger node matches an inbound event.
type TriggerKind string

const (
	// TriggerNewConversation fires when the conversation is brand-new.
	TriggerNewConversation TriggerKind = "new_conversation"
	// TriggerKeyword fires when the message contains any of a comma-separated keyword list.
	TriggerKeyword TriggerKind = "keyword"
	// TriggerPhrase fires when the message contains the full phrase as a substring.
	TriggerPhrase TriggerKind = "phrase"
)

// TransferKind identifies which routing field a transfer node updates.
type TransferKind string

const (
	TransferKindQueue TransferKind = "queue"
	TransferKindAgent TransferKind = "agent"
	// TransferKindWhatsApp hands off without updating any routing field.
	TransferKindWhatsApp TransferKind = "whatsapp"
)

// DelayUnit is the wall-clock unit of a delay node.
type DelayUnit string

const (
	DelayUnitSeconds DelayUnit = "seconds"
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
)

// Duration converts an amount in this unit to a time.Duration.
func (u DelayUnit) Duration(amount int) time.Duration {
	switch u {
	case DelayUnitMinutes:
		return time.Duration(amount) * time.Minute
	case DelayUnitHours:
		return time.Duration(amount) * time.Hour
	default:
		return time.Duration(amount) * time.Second
	}
}

// Validation errors for flow graphs.
var (
	ErrMissingNodeConfig = errors.New("node is missing the configuration for its type")
	ErrEmptyMenuOptions  = errors.New("menu node has no options")
	ErrEmptyNodeID       = errors.New("node id cannot be empty")
)

// FlowDefinition is a named directed graph of nodes and edges representing one
// automated conversation script. Read-only to the engine.
type FlowDefinition struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Active bool       `json:"active"`
	// Ordinal is the explicit priority used when several flows could match the
	// same inbound event; lower values are tried first.
	Ordinal int        `json:"ordinal"`
	Nodes   []FlowNode `json:"nodes"`
	Edges   []FlowEdge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (f *FlowDefinition) NodeByID(id string) *FlowNode {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// FlowNode is a typed unit of behavior within a flow. Immutable within one execution.
type FlowNode struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config NodeConfig `json:"config"`
}

// FlowEdge is a directed connection between two nodes. Label selects a branch:
// a menu option id, or a condition outcome ("yes"/"no").
type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// NodeConfig is a discriminated union of per-type node configurations. Exactly
// the member matching the node's type is set; the rest are nil. Validated when
// the graph is loaded, not at execution time.
type NodeConfig struct {
	Trigger   *TriggerConfig   `json:"trigger,omitempty"`
	Message   *MessageConfig   `json:"message,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Menu      *MenuConfig      `json:"menu,omitempty"`
	AI        *AIConfig        `json:"ai,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	CRM       *CRMConfig       `json:"crm,omitempty"`
	Channel   *ChannelConfig   `json:"channel,omitempty"`
	Transfer  *TransferConfig  `json:"transfer,omitempty"`
	End       *EndConfig       `json:"end,omitempty"`
}

// TriggerConfig configures how a trigger node matches inbound events.
type TriggerConfig struct {
	Kind TriggerKind `json:"kind"`
	// Keywords is a comma-separated list for TriggerKeyword.
	Keywords string `json:"keywords,omitempty"`
	// Phrase is the full phrase for TriggerPhrase.
	Phrase string `json:"phrase,omitempty"`
}

// MessageConfig configures an outbound message node. Content may reference
// {{name}} and {{phone}} which are substituted from the contact.
type MessageConfig struct {
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
}

// DelayConfig configures a wall-clock delay node.
type DelayConfig struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// MenuOption is one selectable option of a menu node. ID doubles as the branch
// label on the outgoing edge taken when the option is chosen.
type MenuOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MenuConfig configures a menu node.
type MenuConfig struct {
	Title   string       `json:"title"`
	Options []MenuOption `json:"options"`
}

// AIConfig configures an ai node and is snapshotted into the continuation when
// the node suspends.
type AIConfig struct {
	Enabled       bool    `json:"enabled"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int64   `json:"max_tokens,omitempty"`
	KnowledgeBase string  `json:"knowledge_base,omitempty"`
	UseOwnKey     bool    `json:"use_own_key,omitempty"`
	OwnKey        string  `json:"own_key,omitempty"`
}

// ConditionField selects the compared field for message-kind conditions.
type ConditionField string

const (
	ConditionFieldMessage      ConditionField = "message"
	ConditionFieldContactName  ConditionField = "contact_name"
	ConditionFieldContactPhone ConditionField = "contact_phone"
)

// ConditionKind identifies the predicate evaluated by a condition node.
type ConditionKind string

const (
	ConditionKindMessage       ConditionKind = "message"
	ConditionKindTag           ConditionKind = "tag"
	ConditionKindKanban        ConditionKind = "kanban"
	ConditionKindBusinessHours ConditionKind = "business_hours"
	ConditionKindDayOfWeek     ConditionKind = "day_of_week"
	ConditionKindMessageCount  ConditionKind = "message_count"
)

// StringOperator compares a selected text field against a configured value.
type StringOperator string

const (
	OperatorContains   StringOperator = "contains"
	OperatorEquals     StringOperator = "equals"
	OperatorNotEquals  StringOperator = "not_equals"
	OperatorStartsWith StringOperator = "starts_with"
	OperatorEndsWith   StringOperator = "ends_with"
)

// CountOperator compares the conversation message count against a threshold.
type CountOperator string

const (
	CountGreater       CountOperator = "greater"
	CountLess          CountOperator = "less"
	CountEquals        CountOperator = "equals"
	CountGreaterEquals CountOperator = "greater_equals"
	CountLessEquals    CountOperator = "less_equals"
)

// ConditionConfig configures a condition node. Only the fields relevant to Kind
// are consulted.
type ConditionConfig struct {
	Kind           ConditionKind  `json:"kind"`
	Field          ConditionField `json:"field,omitempty"`
	Operator       StringOperator `json:"operator,omitempty"`
	Value          string         `json:"value,omitempty"`
	Tag            string         `json:"tag,omitempty"`
	KanbanColumnID string         `json:"kanban_column_id,omitempty"`
	StartTime      string         `json:"start_time,omitempty"` // "HH:MM"
	EndTime        string         `json:"end_time,omitempty"`   // "HH:MM"
	Days           []int          `json:"days,omitempty"`       // 0=Sunday..6=Saturday
	CountOperator  CountOperator  `json:"count_operator,omitempty"`
	Threshold      int            `json:"threshold,omitempty"`
}

// CRMConfig configures a crm node: the kanban column written onto the conversation.
type CRMConfig struct {
	KanbanColumnID string `json:"kanban_column_id"`
}

// ChannelConfig configures a whatsapp channel-anchor node. It has no runtime
// side effect; the trigger resolver consults it for connection routing.
type ChannelConfig struct {
	ConnectionID string `json:"connection_id,omitempty"`
}

// TransferConfig configures a transfer node.
type TransferConfig struct {
	Kind    TransferKind `json:"kind"`
	QueueID string       `json:"queue_id,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Message string       `json:"message,omitempty"`
}

// EndConfig configures an end node.
type EndConfig struct {
	Message      string `json:"message,omitempty"`
	MarkResolved bool   `json:"mark_resolved"`
}

// Validate checks that the node carries the configuration matching its type.
// Unrecognized node types are allowed: the interpreter treats them as pass-through.
func (n *FlowNode) Validate() error {
	if n.ID == "" {
		return ErrEmptyNodeID
	}
	switch n.Type {
	case NodeTypeTrigger:
		if n.Config.Trigger == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeMessage:
		if n.Config.Message == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeDelay:
		if n.Config.Delay == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeMenu:
		if n.Config.Menu == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
		if len(n.Config.Menu.Options) == 0 {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyMenuOptions)
		}
	case NodeTypeAI:
		if n.Config.AI == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeCondition:
		if n.Config.Condition == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeCRM:
		if n.Config.CRM == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeTransfer:
		if n.Config.Transfer == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	case NodeTypeEnd:
		if n.Config.End == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingNodeConfig)
		}
	}
	return nil
}

// Validate checks every node of the flow graph.
func (f *FlowDefinition) Validate() error {
	for i := range f.Nodes {
		if err := f.Nodes[i].Validate(); err != nil {
			return fmt.Errorf("flow %s: %w", f.ID, err)
		}
	}
	return nil
}

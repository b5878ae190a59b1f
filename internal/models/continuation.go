// Package models defines the persisted continuation state for suspended flows.
package models

// ContinuationKind discriminates the suspended state of a conversation.
type ContinuationKind string

const (
	// ContinuationMenu means the flow is waiting for a menu answer.
	ContinuationMenu ContinuationKind = "menu"
	// ContinuationAI means the flow is waiting for the next AI conversation turn.
	ContinuationAI ContinuationKind = "ai"
)

// Continuation is the persisted resumable state of a paused flow. It is a
// tagged union: exactly the member matching Kind is set. A conversation is
// inside a paused flow iff its Continuation is non-nil.
type Continuation struct {
	Kind ContinuationKind  `json:"kind"`
	Menu *MenuContinuation `json:"menu,omitempty"`
	AI   *AIContinuation   `json:"ai,omitempty"`
}

// MenuContinuation records a suspended menu node and the options it presented.
type MenuContinuation struct {
	NodeID  string       `json:"node_id"`
	Title   string       `json:"title,omitempty"`
	Options []MenuOption `json:"options"`
}

// AIContinuation records a suspended ai node with a snapshot of its
// configuration, so later turns use the settings in effect at suspension time.
type AIContinuation struct {
	NodeID string   `json:"node_id"`
	Config AIConfig `json:"config"`
}

// NewMenuContinuation builds an AwaitingMenu continuation.
func NewMenuContinuation(nodeID, title string, options []MenuOption) *Continuation {
	return &Continuation{
		Kind: ContinuationMenu,
		Menu: &MenuContinuation{NodeID: nodeID, Title: title, Options: options},
	}
}

// NewAIContinuation builds an AwaitingAI continuation.
func NewAIContinuation(nodeID string, cfg AIConfig) *Continuation {
	return &Continuation{
		Kind: ContinuationAI,
		AI:   &AIContinuation{NodeID: nodeID, Config: cfg},
	}
}

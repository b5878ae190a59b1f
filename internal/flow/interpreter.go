// Package flow implements the chatbot flow execution engine: trigger
// resolution, condition evaluation, menu matching, the node-by-node
// interpreter and the suspension/resume manager driving it all.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/genai"
	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/store"
	"github.com/google/uuid"
)

// Constants for interpreter limits
const (
	// MaxIterations caps a single graph walk to guard against cyclic or
	// misconfigured graphs.
	MaxIterations = 50
	// MaxDelay is the hard ceiling for delay nodes, so an inbound transport
	// connection is never held open indefinitely.
	MaxDelay = 30 * time.Second
	// HistoryTurns is how many prior log entries feed an AI turn.
	HistoryTurns = 10
)

// Messenger is the outbound transport surface the interpreter needs.
type Messenger interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, caption, mediaURL string, kind models.MediaKind) error
}

// Interpreter walks flow graphs node by node, mutating the conversation at
// node boundaries. Send and AI failures are swallowed into safe defaults so
// the walk continues; only lookup failures and the iteration cap abort it.
type Interpreter struct {
	store     store.Store
	messenger Messenger
	ai        genai.ClientInterface
}

// NewInterpreter creates a flow interpreter.
func NewInterpreter(st store.Store, messenger Messenger, ai genai.ClientInterface) *Interpreter {
	return &Interpreter{store: st, messenger: messenger, ai: ai}
}

// execState carries the mutable context of one graph walk.
type execState struct {
	conv    *models.Conversation
	contact *models.Contact
	flow    *models.FlowDefinition
	message string
}

// Execute walks the flow from startID until a suspend or halt node, a graph
// terminus, or the iteration cap. Side effects already performed are not
// rolled back; exceeding the cap returns models.ErrRunawayGraph.
func (it *Interpreter) Execute(ctx context.Context, st *execState, startID string) error {
	current := st.flow.NodeByID(startID)
	if current == nil {
		slog.Error("Interpreter start node not found", "flow", st.flow.ID, "node", startID)
		return models.ErrNodeNotFound
	}

	for i := 0; i < MaxIterations; i++ {
		slog.Debug("Interpreter executing node", "flow", st.flow.ID, "node", current.ID, "type", current.Type, "iteration", i)
		branch := ""
		switch current.Type {
		case models.NodeTypeTrigger, models.NodeTypeWhatsApp:
			// Routing markers: no runtime side effect.
		case models.NodeTypeMessage:
			it.runMessage(ctx, st, current.Config.Message)
		case models.NodeTypeDelay:
			if err := it.runDelay(ctx, current.Config.Delay); err != nil {
				return err
			}
		case models.NodeTypeMenu:
			it.runMenu(ctx, st, current)
			return nil
		case models.NodeTypeAI:
			suspended := it.runAI(ctx, st, current)
			if suspended {
				return nil
			}
		case models.NodeTypeCondition:
			branch = it.runCondition(st, current.Config.Condition)
		case models.NodeTypeCRM:
			st.conv.KanbanColumnID = current.Config.CRM.KanbanColumnID
			slog.Debug("Interpreter moved conversation on kanban", "conversation", st.conv.ID, "column", st.conv.KanbanColumnID)
		case models.NodeTypeTransfer:
			it.runTransfer(ctx, st, current.Config.Transfer)
			return nil
		case models.NodeTypeEnd:
			it.runEnd(ctx, st, current.Config.End)
			return nil
		default:
			// Unrecognized node types fail open through the default edge.
			slog.Warn("Interpreter passing through unrecognized node type", "flow", st.flow.ID, "node", current.ID, "type", current.Type)
		}

		edge := nextEdge(st.flow.Edges, current.ID, branch)
		if edge == nil {
			slog.Debug("Interpreter reached graph terminus", "flow", st.flow.ID, "node", current.ID)
			return nil
		}
		next := st.flow.NodeByID(edge.Target)
		if next == nil {
			slog.Warn("Interpreter edge targets missing node", "flow", st.flow.ID, "edge", edge.ID, "target", edge.Target)
			return nil
		}
		current = next
	}

	slog.Warn("Interpreter iteration cap exceeded, aborting walk", "flow", st.flow.ID, "conversation", st.conv.ID, "cap", MaxIterations)
	return models.ErrRunawayGraph
}

// nextEdge returns the first edge out of currentID whose label equals branch
// when one is supplied, else the first edge out of currentID regardless of
// label. Multiple unlabeled edges are ambiguous; first-found wins.
func nextEdge(edges []models.FlowEdge, currentID, branch string) *models.FlowEdge {
	for i := range edges {
		if edges[i].Source != currentID {
			continue
		}
		if branch != "" && edges[i].Label != branch {
			continue
		}
		return &edges[i]
	}
	return nil
}

func (it *Interpreter) runMessage(ctx context.Context, st *execState, cfg *models.MessageConfig) {
	content := substituteVariables(cfg.Content, st.contact)
	if cfg.MediaURL != "" && models.IsValidMediaKind(cfg.MediaKind) {
		it.sendMediaAndLog(ctx, st, content, cfg.MediaURL, cfg.MediaKind)
		return
	}
	it.sendAndLog(ctx, st, content)
}

func (it *Interpreter) runDelay(ctx context.Context, cfg *models.DelayConfig) error {
	d := cfg.Unit.Duration(cfg.Amount)
	if d > MaxDelay {
		slog.Debug("Delay clamped to ceiling", "requested", d, "ceiling", MaxDelay)
		d = MaxDelay
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (it *Interpreter) runMenu(ctx context.Context, st *execState, node *models.FlowNode) {
	cfg := node.Config.Menu
	it.sendAndLog(ctx, st, RenderMenu(cfg.Title, cfg.Options))
	st.conv.Continuation = models.NewMenuContinuation(node.ID, cfg.Title, cfg.Options)
	slog.Debug("Interpreter suspended awaiting menu answer", "conversation", st.conv.ID, "node", node.ID, "options", len(cfg.Options))
}

// runAI produces one AI turn. Returns true when the walk suspends (node has
// no outgoing edge); a disabled node advances through the default edge.
func (it *Interpreter) runAI(ctx context.Context, st *execState, node *models.FlowNode) bool {
	cfg := node.Config.AI
	if !cfg.Enabled {
		slog.Debug("AI node disabled, passing through", "flow", st.flow.ID, "node", node.ID)
		return false
	}

	reply := it.ai.Respond(ctx, buildAIRequest(*cfg, st.message, it.history(st)))
	it.sendAndLog(ctx, st, reply)

	if nextEdge(st.flow.Edges, node.ID, "") != nil {
		return false
	}
	st.conv.Continuation = models.NewAIContinuation(node.ID, *cfg)
	slog.Debug("Interpreter suspended awaiting next AI turn", "conversation", st.conv.ID, "node", node.ID)
	return true
}

func (it *Interpreter) runCondition(st *execState, cfg *models.ConditionConfig) string {
	count, err := it.store.CountMessages(st.conv.ID)
	if err != nil {
		slog.Error("Failed to count messages for condition", "conversation", st.conv.ID, "error", err)
	}
	result := Evaluate(*cfg, ConditionContext{
		MessageText:    st.message,
		ContactName:    st.contact.Name,
		ContactPhone:   st.contact.Phone,
		Tags:           st.contact.Tags,
		KanbanColumnID: st.conv.KanbanColumnID,
		MessageCount:   count,
		Now:            time.Now(),
	})
	slog.Debug("Condition evaluated", "conversation", st.conv.ID, "kind", cfg.Kind, "result", result)
	if result {
		return "yes"
	}
	return "no"
}

func (it *Interpreter) runTransfer(ctx context.Context, st *execState, cfg *models.TransferConfig) {
	if cfg.Message != "" {
		it.sendAndLog(ctx, st, substituteVariables(cfg.Message, st.contact))
	}
	st.conv.IsBotActive = false
	st.conv.ActiveFlowID = ""
	st.conv.Continuation = nil
	st.conv.Status = models.ConversationStatusInProgress
	switch cfg.Kind {
	case models.TransferKindQueue:
		st.conv.QueueID = cfg.QueueID
	case models.TransferKindAgent:
		st.conv.AssignedTo = cfg.AgentID
	case models.TransferKindWhatsApp:
		// Hands off without touching any routing field.
	}
	slog.Info("Conversation transferred to human handling", "conversation", st.conv.ID, "kind", cfg.Kind)
}

func (it *Interpreter) runEnd(ctx context.Context, st *execState, cfg *models.EndConfig) {
	if cfg.Message != "" {
		it.sendAndLog(ctx, st, substituteVariables(cfg.Message, st.contact))
	}
	st.conv.IsBotActive = false
	st.conv.Continuation = nil
	if cfg.MarkResolved {
		st.conv.Status = models.ConversationStatusResolved
	} else {
		st.conv.Status = models.ConversationStatusInProgress
	}
	slog.Info("Flow ended", "conversation", st.conv.ID, "resolved", cfg.MarkResolved)
}

// history builds the last AI turns oldest-first from the conversation log,
// excluding the inbound message currently being handled.
func (it *Interpreter) history(st *execState) []genai.Turn {
	msgs, err := it.store.ListMessages(st.conv.ID)
	if err != nil {
		slog.Error("Failed to fetch history for AI turn", "conversation", st.conv.ID, "error", err)
		return nil
	}
	if n := len(msgs); n > 0 && msgs[n-1].Sender == models.SenderUser && msgs[n-1].Content == st.message {
		msgs = msgs[:n-1]
	}
	if len(msgs) > HistoryTurns {
		msgs = msgs[len(msgs)-HistoryTurns:]
	}
	turns := make([]genai.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleAssistant
		if m.Sender == models.SenderUser {
			role = genai.RoleUser
		}
		turns = append(turns, genai.Turn{Role: role, Content: m.Content})
	}
	return turns
}

func buildAIRequest(cfg models.AIConfig, userMessage string, history []genai.Turn) genai.Request {
	return genai.Request{
		SystemPrompt:  cfg.SystemPrompt,
		UserMessage:   userMessage,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		KnowledgeBase: cfg.KnowledgeBase,
		UseOwnKey:     cfg.UseOwnKey,
		OwnKey:        cfg.OwnKey,
		History:       history,
	}
}

// sendAndLog sends a bot text message and appends it to the conversation log.
// Send failures are logged and execution proceeds as if sent.
func (it *Interpreter) sendAndLog(ctx context.Context, st *execState, content string) {
	if content == "" {
		return
	}
	if err := it.messenger.SendMessage(ctx, st.contact.Phone, content); err != nil {
		slog.Error("Outbound send failed, continuing", "conversation", st.conv.ID, "error", err)
	}
	it.logBotMessage(st, content, "", "")
}

func (it *Interpreter) sendMediaAndLog(ctx context.Context, st *execState, caption, mediaURL string, kind models.MediaKind) {
	if err := it.messenger.SendMedia(ctx, st.contact.Phone, caption, mediaURL, kind); err != nil {
		slog.Error("Outbound media send failed, continuing", "conversation", st.conv.ID, "error", err, "kind", kind)
	}
	it.logBotMessage(st, caption, string(kind), mediaURL)
}

func (it *Interpreter) logBotMessage(st *execState, content, msgType, mediaURL string) {
	err := it.store.AddMessage(models.Message{
		ID:             uuid.NewString(),
		ConversationID: st.conv.ID,
		Content:        content,
		Sender:         models.SenderBot,
		Type:           msgType,
		MediaURL:       mediaURL,
		Timestamp:      time.Now(),
	})
	if err != nil {
		slog.Error("Failed to append bot message to log", "conversation", st.conv.ID, "error", err)
	}
}

// substituteVariables replaces {{name}} and {{phone}} in message content.
func substituteVariables(content string, contact *models.Contact) string {
	content = strings.ReplaceAll(content, "{{name}}", contact.Name)
	content = strings.ReplaceAll(content, "{{phone}}", contact.Phone)
	return content
}

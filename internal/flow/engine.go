package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/genai"
	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/store"
	"github.com/google/uuid"
)

// HandoffAck is sent when a contact leaves a suspended AI session with an
// exit keyword.
const HandoffAck = "Certo! Vou te transferir para um de nossos atendentes. Aguarde um momento."

// exitKeywords end a suspended AI session (case-insensitive, exact or
// substring).
var exitKeywords = []string{"sair", "menu", "atendente", "humano", "voltar", "encerrar"}

// Engine handles one inbound event synchronously end-to-end: it inspects the
// persisted continuation, branches into AI-continuation, menu-resume or fresh
// trigger resolution, runs the interpreter, and persists the updated
// conversation. Events for the same conversation are serialized in-process;
// the version column rejects stale writes across processes.
type Engine struct {
	store  store.Store
	interp *Interpreter
	locks  *conversationLocks
}

// NewEngine creates a flow engine.
func NewEngine(st store.Store, messenger Messenger, ai genai.ClientInterface) *Engine {
	return &Engine{
		store:  st,
		interp: NewInterpreter(st, messenger, ai),
		locks:  newConversationLocks(),
	}
}

// HandleInbound processes one normalized inbound event and returns a summary
// of the path taken. Lookup failures abort; node-local failures inside the
// walk are swallowed into safe defaults.
//
// The duplicate-delivery guard, keyed by the optional inbound message id, only
// sticks when handling succeeds: a failed event releases its dedup record so
// the upstream's retry of the same message id goes through.
func (e *Engine) HandleInbound(ctx context.Context, event models.InboundEvent) models.EventResult {
	if event.ConversationID == "" {
		return models.FailResult(models.ErrEmptyEvent)
	}

	recorded := false
	if event.MessageID != "" {
		fresh, err := e.store.RecordInbound(event.MessageID, event.ConversationID)
		if err != nil {
			slog.Error("Inbound dedup check failed, proceeding", "message_id", event.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Duplicate inbound event ignored", "message_id", event.MessageID, "conversation", event.ConversationID)
			return models.OkResult("duplicate event ignored")
		} else {
			recorded = true
		}
	}

	result := e.process(ctx, event)

	if recorded {
		if result.Success {
			if err := e.store.MarkProcessed(event.MessageID); err != nil {
				slog.Warn("Failed to mark inbound event processed", "message_id", event.MessageID, "error", err)
			}
		} else if err := e.store.ForgetInbound(event.MessageID); err != nil {
			slog.Error("Failed to release dedup record for failed event", "message_id", event.MessageID, "error", err)
		}
	}
	return result
}

func (e *Engine) process(ctx context.Context, event models.InboundEvent) models.EventResult {
	unlock := e.locks.lock(event.ConversationID)
	defer unlock()

	conv, err := e.store.GetConversation(event.ConversationID)
	if err != nil {
		slog.Error("Conversation lookup failed", "conversation", event.ConversationID, "error", err)
		return models.FailResult(err)
	}
	contact, err := e.store.GetContact(conv.ContactID)
	if err != nil {
		slog.Error("Contact lookup failed", "contact", conv.ContactID, "error", err)
		return models.FailResult(err)
	}

	connectionID := event.ConnectionID
	if connectionID == "" {
		connectionID = conv.ConnectionID
	}
	if connectionID == "" {
		slog.Error("No usable connection for inbound event", "conversation", conv.ID)
		return models.FailResult(models.ErrNoConnection)
	}

	isNew := conv.Status == models.ConversationStatusNew

	e.logUserMessage(conv.ID, event.MessageContent)

	if !conv.IsBotActive {
		slog.Debug("Bot inactive for conversation, message logged only", "conversation", conv.ID)
		return models.OkResult("bot inactive, message logged")
	}

	st := &execState{conv: conv, contact: contact, message: event.MessageContent}

	var result models.EventResult
	switch {
	case conv.Continuation == nil:
		result = e.resolveAndRun(ctx, st, isNew, connectionID)
	case conv.Continuation.Kind == models.ContinuationAI:
		result = e.continueAI(ctx, st)
	case conv.Continuation.Kind == models.ContinuationMenu:
		result = e.resumeMenu(ctx, st, isNew, connectionID)
	default:
		slog.Warn("Unknown continuation kind, clearing and re-resolving", "conversation", conv.ID, "kind", conv.Continuation.Kind)
		conv.Continuation = nil
		result = e.resolveAndRun(ctx, st, isNew, connectionID)
	}

	if !result.Success {
		return result
	}

	conv.UpdatedAt = time.Now()
	if err := e.store.SaveConversation(*conv); err != nil {
		slog.Error("Failed to persist conversation after walk", "conversation", conv.ID, "error", err)
		return models.FailResult(err)
	}
	return result
}

// resolveAndRun handles an event with no persisted continuation: trigger
// resolution followed by a fresh graph walk.
func (e *Engine) resolveAndRun(ctx context.Context, st *execState, isNew bool, connectionID string) models.EventResult {
	flows, err := e.store.ListActiveFlows()
	if err != nil {
		slog.Error("Failed to list active flows", "error", err)
		return models.FailResult(err)
	}

	flowDef, trigger := ResolveTrigger(flows, st.message, isNew, connectionID)
	if flowDef == nil {
		slog.Debug("No trigger matched inbound event", "conversation", st.conv.ID)
		return models.OkResult("no trigger matched")
	}

	st.flow = flowDef
	st.conv.ActiveFlowID = flowDef.ID
	return e.run(ctx, st, trigger.ID, "trigger matched, flow executed")
}

// continueAI handles an event while the conversation is suspended on an AI
// node. Exit keywords end the session; anything else is the next AI turn with
// the configuration snapshot taken at suspension time.
func (e *Engine) continueAI(ctx context.Context, st *execState) models.EventResult {
	if isExitKeyword(st.message) {
		st.conv.Continuation = nil
		st.conv.IsBotActive = false
		e.interp.sendAndLog(ctx, st, HandoffAck)
		slog.Info("Contact exited AI session", "conversation", st.conv.ID)
		return models.OkResult("assistant session ended, handed off")
	}

	cfg := st.conv.Continuation.AI.Config
	reply := e.interp.ai.Respond(ctx, buildAIRequest(cfg, st.message, e.interp.history(st)))
	e.interp.sendAndLog(ctx, st, reply)
	// Continuation stays in place: the session is open-ended.
	return models.OkResult("assistant turn continued")
}

// resumeMenu handles an event while the conversation is suspended on a menu
// node: a matched option resumes the flow through its branch; otherwise a
// trigger phrase interrupts the paused flow, and failing that the menu is
// re-sent with an invalid-option notice.
func (e *Engine) resumeMenu(ctx context.Context, st *execState, isNew bool, connectionID string) models.EventResult {
	cont := st.conv.Continuation.Menu

	if opt := MatchOption(st.message, cont.Options); opt != nil {
		flowDef, err := e.store.GetFlow(st.conv.ActiveFlowID)
		if err != nil {
			slog.Error("Active flow missing for menu resume", "conversation", st.conv.ID, "flow", st.conv.ActiveFlowID, "error", err)
			st.conv.Continuation = nil
			return e.resolveAndRun(ctx, st, isNew, connectionID)
		}
		st.flow = flowDef
		st.conv.Continuation = nil

		edge := nextEdge(flowDef.Edges, cont.NodeID, opt.ID)
		if edge == nil {
			slog.Debug("Menu option has no outgoing branch", "conversation", st.conv.ID, "node", cont.NodeID, "option", opt.ID)
			return models.OkResult("menu option processed, flow ended")
		}
		return e.run(ctx, st, edge.Target, "menu option processed")
	}

	// A trigger phrase typed instead of a menu answer interrupts the paused flow.
	flows, err := e.store.ListActiveFlows()
	if err != nil {
		slog.Error("Failed to list active flows", "error", err)
		return models.FailResult(err)
	}
	if flowDef, trigger := ResolveTrigger(flows, st.message, isNew, connectionID); flowDef != nil {
		slog.Debug("Trigger interrupted paused menu", "conversation", st.conv.ID, "flow", flowDef.ID)
		st.flow = flowDef
		st.conv.Continuation = nil
		st.conv.ActiveFlowID = flowDef.ID
		return e.run(ctx, st, trigger.ID, "trigger interrupted paused flow")
	}

	e.interp.sendAndLog(ctx, st, InvalidOptionNotice+"\n\n"+RenderMenu(cont.Title, cont.Options))
	return models.OkResult("invalid menu option, menu re-sent")
}

// run executes the interpreter and maps walk errors into the event result.
// A runaway graph aborts the walk but not the request: side effects already
// performed stand, and the event is reported handled.
func (e *Engine) run(ctx context.Context, st *execState, startID string, okMessage string) models.EventResult {
	if err := e.interp.Execute(ctx, st, startID); err != nil {
		if errors.Is(err, models.ErrRunawayGraph) {
			return models.OkResult("flow aborted at iteration cap")
		}
		return models.FailResult(err)
	}
	return models.OkResult(okMessage)
}

func (e *Engine) logUserMessage(conversationID, content string) {
	err := e.store.AddMessage(models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Sender:         models.SenderUser,
		Timestamp:      time.Now(),
	})
	if err != nil {
		slog.Error("Failed to append user message to log", "conversation", conversationID, "error", err)
	}
}

func isExitKeyword(message string) bool {
	lowered := strings.ToLower(strings.TrimSpace(message))
	for _, kw := range exitKeywords {
		if lowered == kw || strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

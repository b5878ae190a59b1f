package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

func TestHandleInbound_EndToEndWelcomeFlow(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	// "oi" on a new conversation: trigger → welcome message → menu suspend.
	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1",
		MessageContent: "oi",
		ConnectionID:   "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(messenger.Sent) != 2 {
		t.Fatalf("expected welcome message plus menu, got %d sends: %+v", len(messenger.Sent), messenger.Sent)
	}
	if messenger.Sent[0].Body != "Bem-vindo" {
		t.Errorf("first send should be the welcome message, got %q", messenger.Sent[0].Body)
	}
	if !strings.Contains(messenger.Sent[1].Body, "1. Suporte") || !strings.Contains(messenger.Sent[1].Body, "2. Vendas") {
		t.Errorf("second send should be the rendered menu, got %q", messenger.Sent[1].Body)
	}

	conv := mustGetConversation(t, st, "conv-1")
	if conv.Continuation == nil || conv.Continuation.Kind != models.ContinuationMenu {
		t.Fatal("expected a persisted menu continuation")
	}
	if conv.ActiveFlowID != "flow-welcome" {
		t.Errorf("expected active flow bound, got %q", conv.ActiveFlowID)
	}

	// Follow-up "1" resumes through opt_1 into the end node.
	result = engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1",
		MessageContent: "1",
		ConnectionID:   "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if last := messenger.Sent[len(messenger.Sent)-1]; last.Body != "Obrigado" {
		t.Errorf("expected closing message, got %q", last.Body)
	}

	conv = mustGetConversation(t, st, "conv-1")
	if conv.Continuation != nil {
		t.Error("continuation should be cleared after the menu answer")
	}
	if conv.Status != models.ConversationStatusResolved {
		t.Errorf("expected status resolved, got %s", conv.Status)
	}
	if conv.IsBotActive {
		t.Error("end node must deactivate the bot")
	}
}

func TestHandleInbound_InvalidMenuAnswerResendsMenu(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "oi", ConnectionID: "conn-1",
	})
	messenger.Sent = nil

	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "xyzzy", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(messenger.Sent) != 1 {
		t.Fatalf("expected the menu re-sent once, got %d", len(messenger.Sent))
	}
	body := messenger.Sent[0].Body
	if !strings.HasPrefix(body, InvalidOptionNotice) {
		t.Errorf("re-sent menu should carry the invalid-option notice, got %q", body)
	}
	if !strings.Contains(body, "1. Suporte") {
		t.Errorf("re-sent menu should repeat the options, got %q", body)
	}

	conv := mustGetConversation(t, st, "conv-1")
	if conv.Continuation == nil || conv.Continuation.Kind != models.ContinuationMenu {
		t.Error("continuation must stay in place after an invalid answer")
	}
}

func TestHandleInbound_TriggerInterruptsPausedMenu(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}
	other := models.FlowDefinition{
		ID: "flow-boleto", Active: true, Ordinal: 2,
		Nodes: []models.FlowNode{
			{ID: "bt", Type: models.NodeTypeTrigger, Config: models.NodeConfig{
				Trigger: &models.TriggerConfig{Kind: models.TriggerKeyword, Keywords: "boleto"},
			}},
			{ID: "bm", Type: models.NodeTypeMessage, Config: models.NodeConfig{
				Message: &models.MessageConfig{Content: "Segue seu boleto."},
			}},
		},
		Edges: []models.FlowEdge{{ID: "be", Source: "bt", Target: "bm"}},
	}
	if err := st.SaveFlow(other); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "oi", ConnectionID: "conn-1",
	})
	messenger.Sent = nil

	// A trigger phrase typed instead of a menu answer interrupts the paused flow.
	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "quero meu boleto", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "Segue seu boleto." {
		t.Fatalf("expected the interrupting flow to run, got %+v", messenger.Sent)
	}
	conv := mustGetConversation(t, st, "conv-1")
	if conv.ActiveFlowID != "flow-boleto" {
		t.Errorf("expected the new flow bound, got %q", conv.ActiveFlowID)
	}
	if conv.Continuation != nil {
		t.Error("old menu continuation should be cleared by the interrupt")
	}
}

func TestHandleInbound_AISessionContinuesAndExits(t *testing.T) {
	engine, st, messenger, ai := newTestEngine(t)
	aiFlow := models.FlowDefinition{
		ID: "flow-ai", Active: true,
		Nodes: []models.FlowNode{
			{ID: "t", Type: models.NodeTypeTrigger, Config: models.NodeConfig{
				Trigger: &models.TriggerConfig{Kind: models.TriggerKeyword, Keywords: "ajuda"},
			}},
			{ID: "a", Type: models.NodeTypeAI, Config: models.NodeConfig{
				AI: &models.AIConfig{Enabled: true, SystemPrompt: "Atenda bem.", Temperature: 0.5},
			}},
		},
		Edges: []models.FlowEdge{{ID: "e", Source: "t", Target: "a"}},
	}
	if err := st.SaveFlow(aiFlow); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	ai.Reply = "como posso ajudar?"
	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "preciso de ajuda", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	conv := mustGetConversation(t, st, "conv-1")
	if conv.Continuation == nil || conv.Continuation.Kind != models.ContinuationAI {
		t.Fatal("edge-less ai node must persist an AwaitingAI continuation")
	}

	// Next turn rides the persisted config snapshot; continuation stays.
	result = engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "qual o horário de vocês?", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(ai.Requests) != 2 {
		t.Fatalf("expected 2 AI calls, got %d", len(ai.Requests))
	}
	if ai.Requests[1].SystemPrompt != "Atenda bem." || ai.Requests[1].Temperature != 0.5 {
		t.Errorf("AI turn should use the persisted config snapshot, got %+v", ai.Requests[1])
	}
	conv = mustGetConversation(t, st, "conv-1")
	if conv.Continuation == nil || conv.Continuation.Kind != models.ContinuationAI {
		t.Fatal("AI session should stay suspended between turns")
	}

	// "sair" ends the session: continuation cleared, bot off, hand-off ack sent.
	result = engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "sair", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	conv = mustGetConversation(t, st, "conv-1")
	if conv.Continuation != nil {
		t.Error("exit keyword must clear the continuation")
	}
	if conv.IsBotActive {
		t.Error("exit keyword must deactivate the bot")
	}
	if last := messenger.Sent[len(messenger.Sent)-1]; last.Body != HandoffAck {
		t.Errorf("expected hand-off acknowledgement, got %q", last.Body)
	}
	if len(ai.Requests) != 2 {
		t.Errorf("exit keyword must not produce another AI call, got %d", len(ai.Requests))
	}
}

func TestHandleInbound_DuplicateEventIgnored(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	event := models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "oi", ConnectionID: "conn-1", MessageID: "wamid-1",
	}
	first := engine.HandleInbound(context.Background(), event)
	if !first.Success {
		t.Fatalf("expected success, got %+v", first)
	}
	sendsAfterFirst := len(messenger.Sent)

	second := engine.HandleInbound(context.Background(), event)
	if !second.Success || second.Message != "duplicate event ignored" {
		t.Fatalf("expected duplicate to be ignored, got %+v", second)
	}
	if len(messenger.Sent) != sendsAfterFirst {
		t.Errorf("duplicate delivery must not produce new sends, got %d vs %d", len(messenger.Sent), sendsAfterFirst)
	}
}

func TestHandleInbound_FailedEventAllowsRedelivery(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("failed to seed flow: %v", err)
	}

	event := models.InboundEvent{
		ConversationID: "conv-2", MessageContent: "oi", ConnectionID: "conn-1", MessageID: "wamid-2",
	}
	first := engine.HandleInbound(context.Background(), event)
	if first.Success {
		t.Fatal("event for a missing conversation must fail")
	}

	// The conversation shows up later (created by a lagging upstream). The
	// retry of the same message id must run, not be dropped as a duplicate.
	if err := st.SaveConversation(models.Conversation{
		ID: "conv-2", ContactID: "contact-1", ConnectionID: "conn-1",
		Status: models.ConversationStatusNew, IsBotActive: true,
	}); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}

	second := engine.HandleInbound(context.Background(), event)
	if !second.Success {
		t.Fatalf("redelivery after a failed attempt should be handled, got %+v", second)
	}
	if second.Message == "duplicate event ignored" {
		t.Fatal("redelivery after a failed attempt must not count as a duplicate")
	}
	if len(messenger.Sent) == 0 {
		t.Error("redelivered event should run the flow")
	}
}

func TestHandleInbound_BotInactiveOnlyLogs(t *testing.T) {
	engine, st, messenger, _ := newTestEngine(t)
	conv := mustGetConversation(t, st, "conv-1")
	conv.IsBotActive = false
	if err := st.SaveConversation(*conv); err != nil {
		t.Fatalf("failed to deactivate bot: %v", err)
	}

	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "oi", ConnectionID: "conn-1",
	})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(messenger.Sent) != 0 {
		t.Errorf("inactive bot must not send, got %+v", messenger.Sent)
	}
	count, err := st.CountMessages("conv-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("inbound message should still be logged, got %d entries", count)
	}
}

func TestHandleInbound_MissingConversationAborts(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "nope", MessageContent: "oi", ConnectionID: "conn-1",
	})
	if result.Success {
		t.Fatal("missing conversation must abort the request")
	}
	if !strings.Contains(result.Error, "conversation not found") {
		t.Errorf("unexpected error: %q", result.Error)
	}
}

func TestHandleInbound_EmptyEventRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	result := engine.HandleInbound(context.Background(), models.InboundEvent{MessageContent: "oi"})
	if result.Success {
		t.Fatal("event without a conversation id must be rejected")
	}
}

func TestHandleInbound_NoTriggerMatched(t *testing.T) {
	engine, _, messenger, _ := newTestEngine(t)
	result := engine.HandleInbound(context.Background(), models.InboundEvent{
		ConversationID: "conv-1", MessageContent: "bom dia", ConnectionID: "conn-1",
	})
	if !result.Success || result.Message != "no trigger matched" {
		t.Fatalf("expected a no-match result, got %+v", result)
	}
	if len(messenger.Sent) != 0 {
		t.Errorf("no trigger means no sends, got %+v", messenger.Sent)
	}
}

package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/store"
)

func newTestInterpreter(t *testing.T) (*Interpreter, *store.InMemoryStore, *mockMessenger, *mockAI) {
	t.Helper()
	st := store.NewInMemoryStore()
	messenger := &mockMessenger{}
	ai := &mockAI{}
	return NewInterpreter(st, messenger, ai), st, messenger, ai
}

func testState(flow *models.FlowDefinition, message string) *execState {
	return &execState{
		conv:    &models.Conversation{ID: "conv-1", ContactID: "contact-1", Status: models.ConversationStatusInProgress, IsBotActive: true},
		contact: &models.Contact{ID: "contact-1", Name: "Maria", Phone: "5511999998888"},
		flow:    flow,
		message: message,
	}
}

func TestExecute_MessageSubstitutesVariables(t *testing.T) {
	it, _, messenger, _ := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f",
		Nodes: []models.FlowNode{
			{ID: "m", Type: models.NodeTypeMessage, Config: models.NodeConfig{
				Message: &models.MessageConfig{Content: "Olá {{name}}, confirmamos o número {{phone}}."},
			}},
		},
	}

	if err := it.Execute(context.Background(), testState(f, "oi"), "m"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messenger.Sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(messenger.Sent))
	}
	want := "Olá Maria, confirmamos o número 5511999998888."
	if messenger.Sent[0].Body != want {
		t.Errorf("substitution failed: got %q", messenger.Sent[0].Body)
	}
}

func TestExecute_SendFailureDoesNotAbortWalk(t *testing.T) {
	it, _, messenger, _ := newTestInterpreter(t)
	messenger.FailSends = true
	f := &models.FlowDefinition{
		ID: "f",
		Nodes: []models.FlowNode{
			{ID: "m1", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "primeira"}}},
			{ID: "m2", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "segunda"}}},
		},
		Edges: []models.FlowEdge{{ID: "e", Source: "m1", Target: "m2"}},
	}

	if err := it.Execute(context.Background(), testState(f, "oi"), "m1"); err != nil {
		t.Fatalf("send failures must not surface: %v", err)
	}
	if len(messenger.Sent) != 2 {
		t.Errorf("walk should continue past a failed send, got %d sends", len(messenger.Sent))
	}
}

func TestExecute_RunawayGraphAborts(t *testing.T) {
	it, _, messenger, _ := newTestInterpreter(t)
	// Two message nodes in a cycle.
	f := &models.FlowDefinition{
		ID: "f_cycle",
		Nodes: []models.FlowNode{
			{ID: "a", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "a"}}},
			{ID: "b", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "b"}}},
		},
		Edges: []models.FlowEdge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	err := it.Execute(context.Background(), testState(f, "oi"), "a")
	if !errors.Is(err, models.ErrRunawayGraph) {
		t.Fatalf("expected ErrRunawayGraph, got %v", err)
	}
	if len(messenger.Sent) != MaxIterations {
		t.Errorf("expected exactly %d sends before the cap, got %d", MaxIterations, len(messenger.Sent))
	}
}

func TestExecute_ConditionBranches(t *testing.T) {
	it, _, messenger, _ := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f_cond",
		Nodes: []models.FlowNode{
			{ID: "c", Type: models.NodeTypeCondition, Config: models.NodeConfig{
				Condition: &models.ConditionConfig{Kind: models.ConditionKindMessage, Operator: models.OperatorContains, Value: "boleto"},
			}},
			{ID: "yes", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "segue o boleto"}}},
			{ID: "no", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "não entendi"}}},
		},
		Edges: []models.FlowEdge{
			{ID: "e_yes", Source: "c", Target: "yes", Label: "yes"},
			{ID: "e_no", Source: "c", Target: "no", Label: "no"},
		},
	}

	if err := it.Execute(context.Background(), testState(f, "quero meu boleto"), "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "segue o boleto" {
		t.Fatalf("expected the yes branch, got %+v", messenger.Sent)
	}

	messenger.Sent = nil
	if err := it.Execute(context.Background(), testState(f, "outra coisa"), "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "não entendi" {
		t.Fatalf("expected the no branch, got %+v", messenger.Sent)
	}
}

func TestExecute_CRMWritesKanbanColumn(t *testing.T) {
	it, _, _, _ := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f_crm",
		Nodes: []models.FlowNode{
			{ID: "k", Type: models.NodeTypeCRM, Config: models.NodeConfig{CRM: &models.CRMConfig{KanbanColumnID: "col-atendimento"}}},
		},
	}
	st := testState(f, "oi")
	if err := it.Execute(context.Background(), st, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.conv.KanbanColumnID != "col-atendimento" {
		t.Errorf("expected kanban column written, got %q", st.conv.KanbanColumnID)
	}
}

func TestExecute_TransferKinds(t *testing.T) {
	cases := []struct {
		name string
		cfg  models.TransferConfig
		chk  func(t *testing.T, c *models.Conversation)
	}{
		{
			name: "agent sets assigned_to",
			cfg:  models.TransferConfig{Kind: models.TransferKindAgent, AgentID: "agent-x"},
			chk: func(t *testing.T, c *models.Conversation) {
				if c.AssignedTo != "agent-x" {
					t.Errorf("expected assigned_to agent-x, got %q", c.AssignedTo)
				}
			},
		},
		{
			name: "queue sets queue_id",
			cfg:  models.TransferConfig{Kind: models.TransferKindQueue, QueueID: "queue-vendas"},
			chk: func(t *testing.T, c *models.Conversation) {
				if c.QueueID != "queue-vendas" {
					t.Errorf("expected queue_id queue-vendas, got %q", c.QueueID)
				}
			},
		},
		{
			name: "whatsapp updates no routing field",
			cfg:  models.TransferConfig{Kind: models.TransferKindWhatsApp},
			chk: func(t *testing.T, c *models.Conversation) {
				if c.QueueID != "" || c.AssignedTo != "" {
					t.Errorf("whatsapp transfer must not touch routing fields: %+v", c)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it, _, _, _ := newTestInterpreter(t)
			f := &models.FlowDefinition{
				ID: "f_tr",
				Nodes: []models.FlowNode{
					{ID: "t", Type: models.NodeTypeTransfer, Config: models.NodeConfig{Transfer: &tc.cfg}},
				},
			}
			st := testState(f, "oi")
			if err := it.Execute(context.Background(), st, "t"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st.conv.IsBotActive {
				t.Error("transfer must deactivate the bot")
			}
			if st.conv.Status != models.ConversationStatusInProgress {
				t.Errorf("transfer must leave status in_progress, got %s", st.conv.Status)
			}
			if st.conv.ActiveFlowID != "" || st.conv.Continuation != nil {
				t.Error("transfer must clear active flow and continuation")
			}
			tc.chk(t, st.conv)
		})
	}
}

func TestExecute_DelayHonorsCancellation(t *testing.T) {
	it, _, _, _ := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f_delay",
		Nodes: []models.FlowNode{
			{ID: "d", Type: models.NodeTypeDelay, Config: models.NodeConfig{Delay: &models.DelayConfig{Amount: 10, Unit: models.DelayUnitSeconds}}},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := it.Execute(ctx, testState(f, "oi"), "d"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation to surface, got %v", err)
	}
}

func TestExecute_UnknownTypeFailsOpen(t *testing.T) {
	it, _, messenger, _ := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f_unknown",
		Nodes: []models.FlowNode{
			{ID: "x", Type: "webhook"},
			{ID: "m", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "depois"}}},
		},
		Edges: []models.FlowEdge{{ID: "e", Source: "x", Target: "m"}},
	}
	if err := it.Execute(context.Background(), testState(f, "oi"), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "depois" {
		t.Errorf("unknown type should advance via default edge, got %+v", messenger.Sent)
	}
}

func TestExecute_AINodeHistoryAndSuspension(t *testing.T) {
	it, st, messenger, ai := newTestInterpreter(t)
	// Seed more history than the window keeps.
	for i := 0; i < 12; i++ {
		sender := models.SenderUser
		if i%2 == 1 {
			sender = models.SenderBot
		}
		err := st.AddMessage(models.Message{
			ID:             "m" + string(rune('a'+i)),
			ConversationID: "conv-1",
			Content:        "turno " + string(rune('a'+i)),
			Sender:         sender,
			Timestamp:      time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("failed to seed history: %v", err)
		}
	}

	ai.Reply = "posso ajudar sim"
	f := &models.FlowDefinition{
		ID: "f_ai",
		Nodes: []models.FlowNode{
			{ID: "a", Type: models.NodeTypeAI, Config: models.NodeConfig{
				AI: &models.AIConfig{Enabled: true, SystemPrompt: "Atenda bem."},
			}},
		},
	}
	state := testState(f, "me ajuda?")
	if err := it.Execute(context.Background(), state, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "posso ajudar sim" {
		t.Fatalf("expected AI reply sent, got %+v", messenger.Sent)
	}
	if state.conv.Continuation == nil || state.conv.Continuation.Kind != models.ContinuationAI {
		t.Fatal("ai node without outgoing edge must persist an AwaitingAI continuation")
	}
	if state.conv.Continuation.AI.NodeID != "a" {
		t.Errorf("continuation should record the suspended node, got %q", state.conv.Continuation.AI.NodeID)
	}

	if len(ai.Requests) != 1 {
		t.Fatalf("expected 1 AI request, got %d", len(ai.Requests))
	}
	req := ai.Requests[0]
	if req.UserMessage != "me ajuda?" {
		t.Errorf("current turn should ride UserMessage, got %q", req.UserMessage)
	}
	if len(req.History) != HistoryTurns {
		t.Fatalf("expected history capped at %d turns, got %d", HistoryTurns, len(req.History))
	}
	// Oldest-first: the first retained turn is the 3rd seeded message.
	if req.History[0].Content != "turno c" {
		t.Errorf("history should be oldest-first within the window, got %q", req.History[0].Content)
	}
}

func TestExecute_DisabledAINodePassesThrough(t *testing.T) {
	it, _, messenger, ai := newTestInterpreter(t)
	f := &models.FlowDefinition{
		ID: "f_ai_off",
		Nodes: []models.FlowNode{
			{ID: "a", Type: models.NodeTypeAI, Config: models.NodeConfig{AI: &models.AIConfig{Enabled: false}}},
			{ID: "m", Type: models.NodeTypeMessage, Config: models.NodeConfig{Message: &models.MessageConfig{Content: "seguiu"}}},
		},
		Edges: []models.FlowEdge{{ID: "e", Source: "a", Target: "m"}},
	}
	state := testState(f, "oi")
	if err := it.Execute(context.Background(), state, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ai.Requests) != 0 {
		t.Error("disabled ai node must not call the adapter")
	}
	if len(messenger.Sent) != 1 || messenger.Sent[0].Body != "seguiu" {
		t.Errorf("disabled ai node should advance via default edge, got %+v", messenger.Sent)
	}
	if state.conv.Continuation != nil {
		t.Error("disabled ai node must not suspend")
	}
}

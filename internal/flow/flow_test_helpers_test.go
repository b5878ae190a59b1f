package flow

import (
	"context"
	"testing"

	"github.com/fluxodesk/fluxodesk/internal/genai"
	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/store"
)

// mockMessenger records outbound sends for assertions.
type mockMessenger struct {
	Sent      []sentMessage
	FailSends bool
}

type sentMessage struct {
	To       string
	Body     string
	MediaURL string
	Kind     models.MediaKind
}

func (m *mockMessenger) SendMessage(ctx context.Context, to string, body string) error {
	m.Sent = append(m.Sent, sentMessage{To: to, Body: body})
	if m.FailSends {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *mockMessenger) SendMedia(ctx context.Context, to string, caption, mediaURL string, kind models.MediaKind) error {
	m.Sent = append(m.Sent, sentMessage{To: to, Body: caption, MediaURL: mediaURL, Kind: kind})
	return nil
}

// mockAI returns a fixed reply and records requests.
type mockAI struct {
	Reply    string
	Requests []genai.Request
}

func (m *mockAI) Respond(ctx context.Context, req genai.Request) string {
	m.Requests = append(m.Requests, req)
	if m.Reply == "" {
		return "resposta da IA"
	}
	return m.Reply
}

// newTestEngine wires an engine over an in-memory store with one contact and
// one conversation ready to receive events.
func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore, *mockMessenger, *mockAI) {
	t.Helper()
	st := store.NewInMemoryStore()
	messenger := &mockMessenger{}
	ai := &mockAI{}

	if err := st.SaveContact(models.Contact{ID: "contact-1", Name: "Maria", Phone: "5511999998888"}); err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	if err := st.SaveConversation(models.Conversation{
		ID:           "conv-1",
		ContactID:    "contact-1",
		ConnectionID: "conn-1",
		Status:       models.ConversationStatusNew,
		IsBotActive:  true,
	}); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}

	return NewEngine(st, messenger, ai), st, messenger, ai
}

func mustGetConversation(t *testing.T, st store.Store, id string) *models.Conversation {
	t.Helper()
	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("failed to load conversation %s: %v", id, err)
	}
	return conv
}

// welcomeFlow is the end-to-end fixture: trigger(keyword "oi") → message →
// menu(Suporte, Vendas) → (opt_1) end("Obrigado", resolved).
func welcomeFlow() models.FlowDefinition {
	return models.FlowDefinition{
		ID:     "flow-welcome",
		Name:   "Boas-vindas",
		Active: true,
		Nodes: []models.FlowNode{
			{ID: "n_trigger", Type: models.NodeTypeTrigger, Config: models.NodeConfig{
				Trigger: &models.TriggerConfig{Kind: models.TriggerKeyword, Keywords: "oi, olá"},
			}},
			{ID: "n_msg", Type: models.NodeTypeMessage, Config: models.NodeConfig{
				Message: &models.MessageConfig{Content: "Bem-vindo"},
			}},
			{ID: "n_menu", Type: models.NodeTypeMenu, Config: models.NodeConfig{
				Menu: &models.MenuConfig{Title: "Como podemos ajudar?", Options: []models.MenuOption{
					{ID: "opt_1", Label: "Suporte"},
					{ID: "opt_2", Label: "Vendas"},
				}},
			}},
			{ID: "n_end", Type: models.NodeTypeEnd, Config: models.NodeConfig{
				End: &models.EndConfig{Message: "Obrigado", MarkResolved: true},
			}},
		},
		Edges: []models.FlowEdge{
			{ID: "e1", Source: "n_trigger", Target: "n_msg"},
			{ID: "e2", Source: "n_msg", Target: "n_menu"},
			{ID: "e3", Source: "n_menu", Target: "n_end", Label: "opt_1"},
		},
	}
}

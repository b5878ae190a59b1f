package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/models"
	"github.com/fluxodesk/fluxodesk/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the buffer size for the response channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel sends
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // access to the underlying client for event handling
	responses chan models.Response
	done      chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	// Only a full Client can deliver inbound events; a mock sender cannot.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates a WhatsApp recipient phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendMessage sends a text message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	return s.client.SendMessage(ctx, to, body)
}

// SendMedia sends a media attachment through the WhatsApp client.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, caption, mediaURL string, kind models.MediaKind) error {
	return s.client.SendMedia(ctx, to, caption, mediaURL, kind)
}

// Start begins forwarding inbound WhatsApp events onto the response channel.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil {
		slog.Debug("WhatsAppService has no event-capable client, skipping event handler")
		return nil
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if msg.Info.IsFromMe || msg.Info.IsGroup {
			return
		}
		body := msg.Message.GetConversation()
		if body == "" {
			body = msg.Message.GetExtendedTextMessage().GetText()
		}
		if body == "" {
			return
		}

		response := models.Response{
			From:      msg.Info.Sender.User,
			Body:      body,
			MessageID: string(msg.Info.ID),
			Time:      msg.Info.Timestamp.Unix(),
		}
		select {
		case s.responses <- response:
			slog.Debug("WhatsAppService forwarded inbound message", "from", response.From, "body_length", len(body))
		case <-time.After(DefaultChannelTimeout):
			slog.Warn("WhatsAppService response channel full, dropping inbound message", "from", response.From)
		case <-s.done:
		}
	})
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Debug("WhatsAppService Stop invoked")
	close(s.done)
	return nil
}

// Responses returns the channel of incoming contact responses.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// Package messaging provides the pluggable outbound transport abstraction for
// FluxoDesk and its WhatsApp and Twilio implementations.
package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// Service defines a pluggable message delivery abstraction.
// It supports sending text and media messages, and provides a channel of
// incoming responses for transports that receive them directly.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// This allows each transport to implement its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends a media attachment; each kind maps to a distinct transport call.
	SendMedia(ctx context.Context, to string, caption, mediaURL string, kind models.MediaKind) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming contact responses.
	Responses() <-chan models.Response
}

// canonicalizePhone strips formatting from a phone-number recipient and
// validates that a plausible number remains.
func canonicalizePhone(recipient string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '+', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(recipient))

	if cleaned == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if len(cleaned) < 8 || len(cleaned) > 15 {
		return "", fmt.Errorf("recipient %q is not a plausible phone number", recipient)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("recipient %q contains non-digit characters", recipient)
		}
	}
	return cleaned, nil
}

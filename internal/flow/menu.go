package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// InvalidOptionNotice prefixes a re-sent menu after an unmatched answer.
const InvalidOptionNotice = "Opção inválida. Por favor, escolha uma das opções abaixo:"

// MatchOption resolves a contact's answer against the presented options:
// a 1-based ordinal first, then a case-insensitive exact label match, then a
// case-insensitive substring match in either direction (first in list order).
// Returns nil when nothing matches.
func MatchOption(input string, options []models.MenuOption) *models.MenuOption {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(options) {
		return &options[n-1]
	}

	lowered := strings.ToLower(trimmed)
	for i := range options {
		if strings.ToLower(options[i].Label) == lowered {
			return &options[i]
		}
	}
	for i := range options {
		label := strings.ToLower(options[i].Label)
		if strings.Contains(label, lowered) || strings.Contains(lowered, label) {
			return &options[i]
		}
	}
	return nil
}

// RenderMenu formats a menu as a numbered list for the outbound transport.
func RenderMenu(title string, options []models.MenuOption) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt.Label)
	}
	return strings.TrimRight(b.String(), "\n")
}

package flow

import (
	"log/slog"
	"strings"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// ResolveTrigger selects the starting (flow, trigger node) pair for a fresh
// inbound message. Flows must already be ordered by ascending ordinal; the
// first match wins — ordering is a real priority. Returns (nil, nil) when
// nothing matches.
func ResolveTrigger(flows []models.FlowDefinition, message string, isNew bool, connectionID string) (*models.FlowDefinition, *models.FlowNode) {
	lowered := strings.ToLower(message)
	for i := range flows {
		f := &flows[i]
		for j := range f.Nodes {
			node := &f.Nodes[j]
			if node.Type != models.NodeTypeTrigger || node.Config.Trigger == nil {
				continue
			}
			if !anchorAllows(f, node.ID, connectionID) {
				slog.Debug("Trigger skipped by channel anchor", "flow", f.ID, "node", node.ID, "connection", connectionID)
				continue
			}
			if triggerMatches(node.Config.Trigger, lowered, isNew) {
				slog.Debug("Trigger matched", "flow", f.ID, "node", node.ID, "kind", node.Config.Trigger.Kind)
				return f, node
			}
		}
	}
	return nil, nil
}

// anchorAllows checks the upstream whatsapp channel-anchor nodes of a trigger.
// When at least one anchor names a connection id, the trigger only fires for a
// matching inbound connection.
func anchorAllows(f *models.FlowDefinition, triggerID, connectionID string) bool {
	anchored := false
	for _, e := range f.Edges {
		if e.Target != triggerID {
			continue
		}
		src := f.NodeByID(e.Source)
		if src == nil || src.Type != models.NodeTypeWhatsApp {
			continue
		}
		if src.Config.Channel == nil || src.Config.Channel.ConnectionID == "" {
			continue
		}
		anchored = true
		if src.Config.Channel.ConnectionID == connectionID {
			return true
		}
	}
	return !anchored
}

func triggerMatches(cfg *models.TriggerConfig, loweredMessage string, isNew bool) bool {
	switch cfg.Kind {
	case models.TriggerNewConversation:
		return isNew
	case models.TriggerKeyword:
		for _, kw := range strings.Split(cfg.Keywords, ",") {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(loweredMessage, kw) {
				return true
			}
		}
		return false
	case models.TriggerPhrase:
		phrase := strings.ToLower(strings.TrimSpace(cfg.Phrase))
		return phrase != "" && strings.Contains(loweredMessage, phrase)
	default:
		return false
	}
}

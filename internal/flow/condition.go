package flow

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

// localZone is the fixed business timezone used by time-based conditions.
var localZone = time.FixedZone("UTC-3", -3*60*60)

// ConditionContext is the ephemeral evaluation context assembled per condition
// node. It is never persisted.
type ConditionContext struct {
	MessageText    string
	ContactName    string
	ContactPhone   string
	Tags           []string
	KanbanColumnID string
	MessageCount   int
	Now            time.Time
}

// Evaluate applies a condition node's predicate to the context. It is a pure
// function; unknown kinds fall back to message-field comparison.
func Evaluate(cfg models.ConditionConfig, ctx ConditionContext) bool {
	switch cfg.Kind {
	case models.ConditionKindTag:
		for _, t := range ctx.Tags {
			if t == cfg.Tag {
				return true
			}
		}
		return false
	case models.ConditionKindKanban:
		return ctx.KanbanColumnID == cfg.KanbanColumnID
	case models.ConditionKindBusinessHours:
		return evaluateBusinessHours(cfg, ctx.Now)
	case models.ConditionKindDayOfWeek:
		day := int(ctx.Now.In(localZone).Weekday())
		for _, d := range cfg.Days {
			if d == day {
				return true
			}
		}
		return false
	case models.ConditionKindMessageCount:
		return evaluateCount(cfg.CountOperator, ctx.MessageCount, cfg.Threshold)
	default:
		return evaluateField(cfg, ctx)
	}
}

func evaluateField(cfg models.ConditionConfig, ctx ConditionContext) bool {
	var field string
	switch cfg.Field {
	case models.ConditionFieldContactName:
		field = ctx.ContactName
	case models.ConditionFieldContactPhone:
		field = ctx.ContactPhone
	default:
		field = ctx.MessageText
	}
	field = strings.ToLower(field)
	value := strings.ToLower(cfg.Value)

	switch cfg.Operator {
	case models.OperatorEquals:
		return field == value
	case models.OperatorNotEquals:
		return field != value
	case models.OperatorStartsWith:
		return strings.HasPrefix(field, value)
	case models.OperatorEndsWith:
		return strings.HasSuffix(field, value)
	default: // contains
		return strings.Contains(field, value)
	}
}

func evaluateBusinessHours(cfg models.ConditionConfig, now time.Time) bool {
	start, okStart := parseClock(cfg.StartTime)
	end, okEnd := parseClock(cfg.EndTime)
	if !okStart || !okEnd {
		slog.Warn("Condition business_hours has unparsable bounds", "start", cfg.StartTime, "end", cfg.EndTime)
		return false
	}
	local := now.In(localZone)
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute <= end
}

// parseClock parses "HH:MM" into minute-of-day.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func evaluateCount(op models.CountOperator, count, threshold int) bool {
	switch op {
	case models.CountLess:
		return count < threshold
	case models.CountEquals:
		return count == threshold
	case models.CountGreaterEquals:
		return count >= threshold
	case models.CountLessEquals:
		return count <= threshold
	default: // greater
		return count > threshold
	}
}

package events

import "time"

// Event enumerates notification topics.
type Event string

const (
	EventStartup         Event = "startup"
	EventEntryPlaced     Event = "entry_placed"
	EventBracketDegraded Event = "bracket_degraded"
	EventTargetReached   Event = "target_reached"
	EventLossCapHit      Event = "loss_cap_hit"
	EventDailyReset      Event = "daily_reset"
	EventError           Event = "error"
	EventPositionClosed  Event = "position_closed"
	EventCommand         Event = "command"
	EventCycle           Event = "cycle"
)

// Level orders notifications by urgency. Sinks may drop levels below their threshold.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelAlert
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelAlert:
		return "alert"
	default:
		return "info"
	}
}

// Notification is the payload carried on the bus.
type Notification struct {
	Type    Event          `json:"type"`
	Level   Level          `json:"level"`
	Symbol  string         `json:"symbol,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// New builds a notification stamped with the current time.
func New(t Event, level Level, symbol, msg string) Notification {
	return Notification{Type: t, Level: level, Symbol: symbol, Message: msg, At: time.Now().UTC()}
}

// With returns a copy carrying an extra field.
func (n Notification) With(key string, v any) Notification {
	fields := make(map[string]any, len(n.Fields)+1)
	for k, val := range n.Fields {
		fields[k] = val
	}
	fields[key] = v
	n.Fields = fields
	return n
}

// Publisher is what components need to emit notifications.
type Publisher interface {
	Emit(n Notification)
}

package aio

// EventCategory is a process-wide static descriptor; its pointer identity
// plus an Event's ID forms a stable tag. Categories are allocated once, as
// package-level vars, and compared by pointer, never by the string, which
// exists only for debugging.
type EventCategory struct {
	name string
}

func NewEventCategory(name string) *EventCategory { return &EventCategory{name: name} }

func (c *EventCategory) String() string { return c.name }

// Event is the small, process-wide notification value delivered to actors
// and CompletionHandlers. Payload is intentionally `any`, but equality and
// dispatch never depend on it, only on (Category, ID).
type Event struct {
	Category *EventCategory
	ID       int
	Payload  any
}

// Is reports whether the event matches the given category/id pair.
func (e Event) Is(cat *EventCategory, id int) bool {
	return e.Category == cat && e.ID == id
}

// categoryReactor is the built-in category for Reactor/actor lifecycle
// events (Kill, Start, Timer, TimerCanceled). Connection/RPC-specific
// events live in their own categories defined by the rpc package.
var categoryReactor = NewEventCategory("aio.reactor")

const (
	EventKill = iota
	EventStart
	EventTimer
	EventTimerCanceled
	EventStop
)

func ReactorEvent(id int, payload any) Event {
	return Event{Category: categoryReactor, ID: id, Payload: payload}
}

func KillEvent() Event           { return ReactorEvent(EventKill, nil) }
func StartEvent() Event          { return ReactorEvent(EventStart, nil) }
func StopEvent() Event           { return ReactorEvent(EventStop, nil) }
func TimerFiredEvent(h any) Event { return ReactorEvent(EventTimer, h) }

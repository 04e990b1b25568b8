package aio

// ActorId is a stable, process-wide identity for an actor registered with a
// Manager: (Index, Unique). Index is the slot in the Manager's row table;
// Unique is bumped every time the slot is reused, so a notification
// addressed to (i, u) is delivered only while the slot at i still holds u;
// anything sent to a stale occupant is silently ignored.
type ActorId struct {
	Index  uint32
	Unique uint32
}

// Valid reports whether this id refers to a real registration.
func (id ActorId) Valid() bool { return id.Unique != 0 }

// Less orders ActorIds lexicographically by (Index, Unique). Connection
// pools use this order to pick a deterministic winner when several members
// race for promotion.
func (id ActorId) Less(o ActorId) bool {
	if id.Index != o.Index {
		return id.Index < o.Index
	}
	return id.Unique < o.Unique
}

// ReactorContext is passed to every Actor/CompletionHandler callback. It
// carries the reactor's current event, wall-clock "now", and two error
// slots: SysErr (raw OS/TLS error, for diagnostics) and Err (the
// domain-taxonomy error user code branches on).
type ReactorContext struct {
	Reactor *Reactor
	Event   Event
	NowNano int64
	SysErr  error
	Err     error
}

// ClearError resets both error slots; every I/O primitive must do this on
// entry and set them only on failure.
func (c *ReactorContext) ClearError() {
	c.SysErr = nil
	c.Err = nil
}

func (c *ReactorContext) setError(domainErr, sysErr error) {
	c.Err = domainErr
	c.SysErr = sysErr
}

// Actor is the capability set every reactor-owned unit of work implements:
// it receives events and is told when it is about to be removed.
type Actor interface {
	OnEvent(ctx *ReactorContext, ev Event)
	PostStopHook()
}

// IdentityBinder is implemented by actors that need the ActorId the
// Manager assigned them. Reactor.StartActor calls BindIdentity before it
// delivers the start event, so even a failure inside the start path can
// tear the actor down by id.
type IdentityBinder interface {
	BindIdentity(id ActorId)
}

// actorSlot is one row of a Reactor's actor table.
type actorSlot struct {
	actor    Actor
	id       ActorId
	stopping bool
}

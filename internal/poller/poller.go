// Package poller wraps one OS readiness demultiplexer (epoll on Linux,
// kqueue on BSD/Darwin) behind a small register/modify/deregister/wait/wake
// contract. Registrations are slot-indexed so one Poller can back many
// independent CompletionHandlers.
package poller

import "errors"

// ErrClosed is returned by Modify for a slot that is not (or no longer)
// registered.
var ErrClosed = errors.New("poller: closed")

// Interest is a bitmask of readiness conditions to watch for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Events is a bitmask of readiness conditions reported by Wait.
type Events uint8

const (
	EventRecv Events = 1 << iota
	EventSend
	EventError
	EventHangup
	EventClear // poller-internal wake, not a real fd event
)

// Readiness is one (slot, events) pair produced by Wait.
type Readiness struct {
	Slot   int32
	Events Events
}

// Poller is the OS demultiplexer contract.
type Poller interface {
	// Register adds fd to the poller with the given initial interest,
	// returning a stable slot used by Modify/Deregister. Idempotent: a
	// second Register for the same fd updates interest instead of adding
	// a duplicate registration.
	Register(fd int, initial Interest) (slot int32, err error)
	// Modify changes the watched interest for a previously registered slot.
	Modify(slot int32, interest Interest) error
	// Deregister removes a slot from the poller. Safe to call more than
	// once for the same slot.
	Deregister(slot int32) error
	// Wait blocks up to timeout (negative means block indefinitely, zero
	// means don't block) for readiness, appending results to dst and
	// returning the extended slice.
	Wait(timeoutNanos int64, dst []Readiness) ([]Readiness, error)
	// Wake causes a concurrent or future Wait to return promptly. Safe to
	// call from any goroutine, idempotent: many concurrent Wake calls
	// coalesce into at most one extra wakeup per outstanding Wait.
	Wake() error
	// Close releases OS resources. Safe to call more than once.
	Close() error
}

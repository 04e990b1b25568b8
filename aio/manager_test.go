package aio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingActor counts events it receives and whether PostStopHook
// fired.
type recordingActor struct {
	events []Event
	stopped bool
}

func (a *recordingActor) OnEvent(ctx *ReactorContext, ev Event) { a.events = append(a.events, ev) }
func (a *recordingActor) PostStopHook()                         { a.stopped = true }

// TestManagerNotifyStaleUnique: a notification addressed to a
// stale (index, unique) pair must return false, while the live occupant of
// the same index still accepts notifications.
func TestManagerNotifyStaleUnique(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()

	m := NewManager()
	svc := m.RegisterService("test")

	a1 := &recordingActor{}
	id1 := m.RegisterActor(svc, a1, r, 0)
	require.True(t, id1.Valid())

	require.True(t, m.Notify(id1, StartEvent()))

	// release simulates the Reactor's end-of-tick teardown, bumping Unique
	// on reuse of the same row.
	m.release(id1)

	a2 := &recordingActor{}
	id2 := m.RegisterActor(svc, a2, r, 0)
	require.Equal(t, id1.Index, id2.Index)
	require.NotEqual(t, id1.Unique, id2.Unique)

	// The stale id must never reach a2's slot.
	require.False(t, m.Notify(id1, StartEvent()))
	require.True(t, m.Notify(id2, StartEvent()))
}

// TestManagerNotifyAfterRelease: once an actor's row has been released,
// further notifications to its id return false.
func TestManagerNotifyAfterRelease(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()

	m := NewManager()
	svc := m.RegisterService("test")
	a := &recordingActor{}
	id := m.RegisterActor(svc, a, r, 0)

	m.release(id)

	require.False(t, m.Notify(id, StartEvent()))
}

// TestManagerVisitRunsInline verifies Visit delivers the live Actor to f
// without requiring Notify's enqueue/dispatch round trip.
func TestManagerVisitRunsInline(t *testing.T) {
	r, err := NewReactor(0)
	require.NoError(t, err)
	defer r.Close()

	m := NewManager()
	svc := m.RegisterService("test")
	a := &recordingActor{}
	id := m.RegisterActor(svc, a, r, 0)

	var visited Actor
	ok := m.Visit(id, func(act Actor) { visited = act })
	require.True(t, ok)
	require.Equal(t, Actor(a), visited)

	m.release(id)
	ok = m.Visit(id, func(act Actor) { t.Fatal("must not run against a released row") })
	require.False(t, ok)
}

func TestActorIdLessOrdersByIndexThenUnique(t *testing.T) {
	require.True(t, ActorId{Index: 1, Unique: 5}.Less(ActorId{Index: 2, Unique: 1}))
	require.True(t, ActorId{Index: 3, Unique: 1}.Less(ActorId{Index: 3, Unique: 2}))
	require.False(t, ActorId{Index: 3, Unique: 2}.Less(ActorId{Index: 3, Unique: 1}))
}

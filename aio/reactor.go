package aio

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solidgo/aio/internal/poller"
	"github.com/solidgo/aio/internal/timerheap"
)

type notification struct {
	localSlot uint32
	id        ActorId
	event     Event
}

// Reactor is a single-goroutine event loop owning a Poller, a TimeStore, a
// slab of CompletionHandlers, a slab of Actors, a FIFO of posted callbacks,
// and a mutex-guarded inbound notification queue. The loop multiplexes
// poller readiness, expired timers, cross-actor notifications, posted
// callbacks, and shutdown; everything runs on the one goroutine that owns
// the reactor.
type Reactor struct {
	index  uint32
	poller poller.Poller
	timers *timerheap.Store

	actors     map[uint32]*actorSlot
	nextActor  uint32
	freeActors []uint32

	completions map[int32]*completionHandler

	timerCallbacks map[int32]func(ctx *ReactorContext)

	posted []func()

	inboxMu sync.Mutex
	inbox   []notification

	extMu sync.Mutex
	ext   []func()

	toStop []uint32

	timerSlotSeq int32

	die     chan struct{}
	dieOnce sync.Once
	wakeCh  chan struct{}
}

func NewReactor(index uint32) (*Reactor, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		index:          index,
		poller:         p,
		timers:         timerheap.New(),
		actors:         make(map[uint32]*actorSlot),
		completions:    make(map[int32]*completionHandler),
		timerCallbacks: make(map[int32]func(ctx *ReactorContext)),
		die:            make(chan struct{}),
		wakeCh:         make(chan struct{}, 1),
	}, nil
}

func (r *Reactor) Index() uint32 { return r.index }

// Post schedules f to run on this reactor's goroutine before the next
// readiness/timer pass. Callbacks posted in the same step run to completion
// before further events are processed.
func (r *Reactor) Post(f func()) {
	r.posted = append(r.posted, f)
}

// PostExternal schedules f to run on this reactor's goroutine; unlike Post,
// it is safe to call from any goroutine (the Scheduler uses it to install
// new actors from whichever goroutine called StartActor).
func (r *Reactor) PostExternal(f func()) {
	r.extMu.Lock()
	r.ext = append(r.ext, f)
	r.extMu.Unlock()
	_ = r.poller.Wake()
}

func (r *Reactor) drainExternal() {
	r.extMu.Lock()
	batch := r.ext
	r.ext = nil
	r.extMu.Unlock()
	for _, f := range batch {
		f()
	}
}

func (r *Reactor) runPosted() {
	for len(r.posted) > 0 {
		f := r.posted[0]
		r.posted = r.posted[1:]
		f()
	}
	r.posted = r.posted[:0]
}

// bindCompletion/unbindCompletion maintain the pollerSlot -> handler table
// used by the readiness pass of the main loop.
func (r *Reactor) bindCompletion(slot int32, h *completionHandler) {
	r.completions[slot] = h
}
func (r *Reactor) unbindCompletion(slot int32) {
	delete(r.completions, slot)
}

// addTimer/cancelTimer expose the reactor's TimeStore to Timer handles.
func (r *Reactor) addTimer(deadline time.Time, cb func(ctx *ReactorContext)) (timerheap.Handle, int32) {
	slot := r.allocTimerSlot()
	r.timerCallbacks[slot] = cb
	return r.timers.Add(slot, deadline.UnixNano()), slot
}

func (r *Reactor) allocTimerSlot() int32 {
	r.timerSlotSeq++
	return r.timerSlotSeq
}

// cancelTimer removes slot from the heap and returns whatever callback was
// still pending for it, so the caller (Timer.Cancel) can invoke it with a
// synthesized error instead of silently dropping it.
func (r *Reactor) cancelTimer(h timerheap.Handle, slot int32) func(ctx *ReactorContext) {
	r.timers.Cancel(h)
	cb := r.timerCallbacks[slot]
	delete(r.timerCallbacks, slot)
	return cb
}

// StartActor installs actor into this reactor's slab and delivers
// startEvent to it like any other notification. Must be called from the
// reactor's own goroutine or via PostExternal from another.
func (r *Reactor) StartActor(manager *Manager, serviceIndex uint32, actor Actor, startEvent Event) ActorId {
	localSlot := r.allocActorSlot()
	id := manager.RegisterActor(serviceIndex, actor, r, localSlot)
	r.actors[localSlot] = &actorSlot{actor: actor, id: id}
	if b, ok := actor.(IdentityBinder); ok {
		b.BindIdentity(id)
	}
	ctx := &ReactorContext{Reactor: r, Event: startEvent, NowNano: time.Now().UnixNano()}
	actor.OnEvent(ctx, startEvent)
	return id
}

func (r *Reactor) allocActorSlot() uint32 {
	if n := len(r.freeActors); n > 0 {
		s := r.freeActors[n-1]
		r.freeActors = r.freeActors[:n-1]
		return s
	}
	s := r.nextActor
	r.nextActor++
	return s
}

// Kill requests that the actor identified by id stop: it is delivered a
// Kill event and is responsible for draining outstanding callbacks and
// calling PostStop.
func (r *Reactor) Kill(manager *Manager, id ActorId) bool {
	return manager.Notify(id, KillEvent())
}

// PostStop marks an actor (by its local slot) to be torn down at the end of
// the current tick.
func (r *Reactor) PostStop(localSlot uint32) {
	r.toStop = append(r.toStop, localSlot)
}

// PostStopSelf resolves id to its local actor slot and schedules it for
// teardown, for actors (like rpc.Connection) that only keep the ActorId the
// Manager gave them and not the Reactor-internal slot number.
func (r *Reactor) PostStopSelf(id ActorId) {
	for slot, s := range r.actors {
		if s.id == id {
			r.PostStop(slot)
			return
		}
	}
}

func (r *Reactor) enqueueNotification(localSlot uint32, id ActorId, ev Event) {
	r.inboxMu.Lock()
	r.inbox = append(r.inbox, notification{localSlot: localSlot, id: id, event: ev})
	r.inboxMu.Unlock()
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
	_ = r.poller.Wake()
}

// Close stops the reactor loop and releases its Poller.
func (r *Reactor) Close() error {
	r.dieOnce.Do(func() { close(r.die) })
	return r.poller.Close()
}

// Run executes the main loop until Close is called. It is meant to be the
// body of the one goroutine Scheduler.Start spawns per reactor.
func (r *Reactor) Run(manager *Manager) {
	var readiness []poller.Readiness
	for {
		select {
		case <-r.die:
			return
		default:
		}

		// step 1: compute timeout
		timeout := int64(-1)
		if deadline, ok := r.timers.NextDeadline(); ok {
			now := time.Now().UnixNano()
			if deadline <= now {
				timeout = 0
			} else {
				timeout = deadline - now
			}
		}

		// step 2: wait for readiness
		readiness = readiness[:0]
		var err error
		readiness, err = r.poller.Wait(timeout, readiness)
		if err != nil {
			log.Debug().Err(err).Uint32("reactor", r.index).Msg("poller wait error")
		}

		select {
		case <-r.die:
			return
		default:
		}

		now := time.Now().UnixNano()

		// step 3: drain the inbound notification queue
		r.inboxMu.Lock()
		batch := r.inbox
		r.inbox = nil
		r.inboxMu.Unlock()
		select {
		case <-r.wakeCh:
		default:
		}

		// drain externally-posted work (new actors from Scheduler.StartActor,
		// etc.) alongside the notification batch.
		r.drainExternal()

		// step 4: dispatch notifications, dropping stale ones
		for _, n := range batch {
			slot, ok := r.actors[n.localSlot]
			if !ok || slot.id.Unique != n.id.Unique {
				continue
			}
			ctx := &ReactorContext{Reactor: r, Event: n.event, NowNano: now}
			slot.actor.OnEvent(ctx, n.event)
		}
		// step 5: run callbacks posted during step 4
		r.runPosted()

		// step 6: readiness events
		for _, rd := range readiness {
			h, ok := r.completions[rd.Slot]
			if !ok {
				continue
			}
			h.lastEvents = rd.Events
			if h.onEvent != nil {
				ctx := &ReactorContext{Reactor: r, NowNano: now}
				h.onEvent(ctx, rd.Events)
			}
		}
		r.runPosted()

		// step 7: expired timers
		expired := r.timers.PopExpired(now)
		for _, slot := range expired {
			cb, ok := r.timerCallbacks[slot]
			if !ok {
				continue
			}
			delete(r.timerCallbacks, slot)
			ctx := &ReactorContext{Reactor: r, Event: TimerFiredEvent(slot), NowNano: now}
			cb(ctx)
		}
		r.runPosted()

		// step 8: finalize actors marked post_stop this tick
		if len(r.toStop) > 0 {
			toStop := r.toStop
			r.toStop = nil
			for _, localSlot := range toStop {
				slot, ok := r.actors[localSlot]
				if !ok {
					continue
				}
				delete(r.actors, localSlot)
				r.freeActors = append(r.freeActors, localSlot)
				slot.actor.PostStopHook()
				manager.release(slot.id)
			}
		}
		// step 9: loop
	}
}

package aio

import (
	"sync"
	"sync/atomic"
	"time"
)

const managerShardCount = 32

// managerRow is one row of the Manager's process-wide actor registry. Go
// has no weak pointers, so the row holds the Actor directly and relies on
// the release() call in Reactor.Run's end-of-tick teardown to drop the reference the moment the
// actor is removed; callers are only ever handed the ActorId, never the
// Actor pointer itself.
type managerRow struct {
	actor        Actor
	reactor      *Reactor
	localSlot    uint32
	serviceIndex uint32
	unique       uint32
	stopped      bool
}

type managerShard struct {
	mu   sync.Mutex
	rows []managerRow
}

// Manager is the process-wide actor registry behind a partitioned mutex
// scheme: one mutex per shard of rows, so Notify calls for unrelated actors
// never contend.
type Manager struct {
	shards  [managerShardCount]managerShard
	rowSeq  uint32
	freeMu  sync.Mutex
	freeIdx []uint32

	svcMu    sync.Mutex
	services []string
}

func NewManager() *Manager {
	return &Manager{}
}

// RegisterService reserves a service_index for a named RPC/actor service.
func (m *Manager) RegisterService(name string) uint32 {
	m.svcMu.Lock()
	defer m.svcMu.Unlock()
	m.services = append(m.services, name)
	return uint32(len(m.services) - 1)
}

func (m *Manager) allocRow() uint32 {
	m.freeMu.Lock()
	if n := len(m.freeIdx); n > 0 {
		idx := m.freeIdx[n-1]
		m.freeIdx = m.freeIdx[:n-1]
		m.freeMu.Unlock()
		return idx
	}
	m.freeMu.Unlock()
	return atomic.AddUint32(&m.rowSeq, 1) - 1
}

// RegisterActor inserts actor into the registry as owned by reactor at
// localSlot, returning a stable ActorId whose Unique is bumped relative to
// whatever previously occupied this row.
func (m *Manager) RegisterActor(serviceIndex uint32, actor Actor, reactor *Reactor, localSlot uint32) ActorId {
	idx := m.allocRow()
	sh := &m.shards[idx%managerShardCount]
	pos := idx / managerShardCount

	sh.mu.Lock()
	defer sh.mu.Unlock()
	for uint32(len(sh.rows)) <= pos {
		sh.rows = append(sh.rows, managerRow{})
	}
	next := sh.rows[pos].unique + 1
	if next == 0 {
		next = 1
	}
	sh.rows[pos] = managerRow{
		actor:        actor,
		reactor:      reactor,
		localSlot:    localSlot,
		serviceIndex: serviceIndex,
		unique:       next,
		stopped:      false,
	}
	return ActorId{Index: idx, Unique: next}
}

// Notify delivers ev to the actor identified by id, returning true iff the
// slot at id.Index currently holds id.Unique and the actor is not stopped.
// A stale id (slot reused, or actor already stopped) silently returns
// false.
func (m *Manager) Notify(id ActorId, ev Event) bool {
	sh := &m.shards[id.Index%managerShardCount]
	pos := id.Index / managerShardCount

	sh.mu.Lock()
	if pos >= uint32(len(sh.rows)) {
		sh.mu.Unlock()
		return false
	}
	row := &sh.rows[pos]
	if row.unique != id.Unique || row.stopped || row.reactor == nil {
		sh.mu.Unlock()
		return false
	}
	reactor := row.reactor
	localSlot := row.localSlot
	sh.mu.Unlock()

	reactor.enqueueNotification(localSlot, id, ev)
	return true
}

// Visit locks the row, and if id is still live, runs f inline against the
// live Actor, used to deliver buffers across reactors without a second
// heap allocation. f must not block.
func (m *Manager) Visit(id ActorId, f func(Actor)) bool {
	sh := &m.shards[id.Index%managerShardCount]
	pos := id.Index / managerShardCount

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if pos >= uint32(len(sh.rows)) {
		return false
	}
	row := &sh.rows[pos]
	if row.unique != id.Unique || row.stopped {
		return false
	}
	f(row.actor)
	return true
}

// release marks id's row stopped and frees its index for reuse, called by
// the owning Reactor once PostStopHook has run (step 8 of the main loop).
func (m *Manager) release(id ActorId) {
	sh := &m.shards[id.Index%managerShardCount]
	pos := id.Index / managerShardCount

	sh.mu.Lock()
	if pos < uint32(len(sh.rows)) {
		row := &sh.rows[pos]
		if row.unique == id.Unique {
			row.stopped = true
			row.actor = nil
			row.reactor = nil
		}
	}
	sh.mu.Unlock()

	m.freeMu.Lock()
	m.freeIdx = append(m.freeIdx, id.Index)
	m.freeMu.Unlock()
}

// StopService broadcasts Kill to every live actor of serviceIndex and
// blocks until the registry shows none remaining for that service.
func (m *Manager) StopService(serviceIndex uint32) {
	for {
		pending := 0
		for i := range m.shards {
			sh := &m.shards[i]
			sh.mu.Lock()
			for pos := range sh.rows {
				row := &sh.rows[pos]
				if row.stopped || row.serviceIndex != serviceIndex || row.reactor == nil {
					continue
				}
				id := ActorId{Index: uint32(pos)*managerShardCount + uint32(i), Unique: row.unique}
				reactor, localSlot := row.reactor, row.localSlot
				sh.mu.Unlock()
				reactor.enqueueNotification(localSlot, id, KillEvent())
				sh.mu.Lock()
				pending++
			}
			sh.mu.Unlock()
		}
		if pending == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

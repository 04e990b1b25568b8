package aio

import "sync/atomic"

// Scheduler is a fixed set of Reactors with round-robin actor placement,
// one event-loop goroutine each.
type Scheduler struct {
	manager  *Manager
	reactors []*Reactor
	next     uint64
}

// NewScheduler creates n Reactors bound to manager. Start must be called
// before any StartActor.
func NewScheduler(manager *Manager, n int) (*Scheduler, error) {
	s := &Scheduler{manager: manager}
	for i := 0; i < n; i++ {
		r, err := NewReactor(uint32(i))
		if err != nil {
			for _, prev := range s.reactors {
				prev.Close()
			}
			return nil, err
		}
		s.reactors = append(s.reactors, r)
	}
	return s, nil
}

// Start spawns one goroutine per Reactor running its event loop.
func (s *Scheduler) Start() {
	for _, r := range s.reactors {
		go r.Run(s.manager)
	}
}

// Stop closes every Reactor, releasing their Pollers.
func (s *Scheduler) Stop() {
	for _, r := range s.reactors {
		r.Close()
	}
}

// pick selects a Reactor by round robin. Round robin is simpler to reason
// about than lowest-load under concurrent StartActor calls from multiple
// goroutines.
func (s *Scheduler) pick() *Reactor {
	i := atomic.AddUint64(&s.next, 1) - 1
	return s.reactors[i%uint64(len(s.reactors))]
}

// StartActor picks a reactor, registers actor in the Manager, and posts
// startEvent onto that reactor.
func (s *Scheduler) StartActor(serviceIndex uint32, actor Actor, startEvent Event) ActorId {
	r := s.pick()
	var id ActorId
	done := make(chan struct{})
	r.PostExternal(func() {
		id = r.StartActor(s.manager, serviceIndex, actor, startEvent)
		close(done)
	})
	<-done
	return id
}

// Reactors exposes the underlying slice for callers that need direct
// access (e.g. the RPC Service picking a reactor for a new Connection).
func (s *Scheduler) Reactors() []*Reactor { return s.reactors }

func (s *Scheduler) Manager() *Manager { return s.manager }

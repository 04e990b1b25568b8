package rpc

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/solidgo/aio/aio"
)

// resolverPool bounds how many concurrent Resolver.Resolve calls may run
// at once. Resolution is blocking work, so it runs on offloaded goroutines
// gated by a fixed-size semaphore; a burst of first-sends to many distinct
// peers can't spawn an unbounded number of resolver goroutines.
type resolverPool struct {
	sem *semaphore.Weighted
}

func newResolverPool(maxConcurrent int64) *resolverPool {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &resolverPool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// resolve runs resolver.Resolve(name) on an offloaded goroutine and
// delivers the outcome back onto reactor's own goroutine via PostExternal,
// never blocking the reactor loop itself on name resolution.
func (rp *resolverPool) resolve(reactor *aio.Reactor, resolver Resolver, name string, fn func(addrs []string, err error)) {
	go func() {
		if err := rp.sem.Acquire(context.Background(), 1); err != nil {
			reactor.PostExternal(func() { fn(nil, err) })
			return
		}
		addrs, err := resolver.Resolve(name)
		rp.sem.Release(1)
		reactor.PostExternal(func() { fn(addrs, err) })
	}()
}

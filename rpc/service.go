package rpc

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/solidgo/aio/aio"
)

// dialTimeout bounds the blocking net.Dial a TLS dial offloads to a
// goroutine. SecureConnect only handshakes an already-open net.Conn;
// establishing that net.Conn for the TLS case falls outside aio.Stream's
// non-blocking connect machinery, so it is done the way any other blocking
// call in this codebase is: offloaded, never on a reactor goroutine.
const dialTimeout = 5 * time.Second

// defaultResolverConcurrency bounds concurrent Resolver.Resolve calls
// across the whole Service.
const defaultResolverConcurrency = 8

// Service is the process-wide front door: one Scheduler of Reactors, one
// Manager, one named ConnectionPool per peer, an accept loop driven by an
// aio.Listener, and a dial path driven by the injected Resolver.
type Service struct {
	cfg       Configuration
	scheduler *aio.Scheduler
	manager   *aio.Manager
	serviceID uint32
	resolver  Resolver
	onRequest RequestHandler
	relay     *RelayEngine
	resolvers *resolverPool
	listener  *aio.Listener

	nextReactor uint64

	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

// NewService wires a Service over an already-built Scheduler. resolver and
// onRequest may be nil (a nil resolver means this Service can only accept
// connections, never dial out; a nil onRequest silently drops
// peer-initiated requests).
func NewService(cfg Configuration, scheduler *aio.Scheduler, resolver Resolver, onRequest RequestHandler) *Service {
	manager := scheduler.Manager()
	s := &Service{
		cfg:       cfg,
		scheduler: scheduler,
		manager:   manager,
		serviceID: manager.RegisterService("rpc"),
		resolver:  resolver,
		onRequest: onRequest,
		resolvers: newResolverPool(defaultResolverConcurrency),
		pools:     make(map[string]*ConnectionPool),
	}
	s.relay = NewRelayEngine(manager, s.lookupPool)
	return s
}

// Start validates cfg and, if a ListenerAddress was configured, binds it
// and begins accepting.
func (s *Service) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.cfg.ListenerAddress == "" {
		return nil
	}
	r := s.pickReactor()
	l, err := aio.NewListener(r, "tcp", s.cfg.ListenerAddress)
	if err != nil {
		return errors.Wrap(err, "rpc: listen")
	}
	s.listener = l
	r.PostExternal(func() { s.acceptLoop(r) })
	return nil
}

// ListenAddr reports the bound listener address, resolving an ephemeral
// ":0" port to the one the kernel assigned. Returns nil if this Service
// was not configured with a ListenerAddress.
func (s *Service) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, stops every pool (which kills its member
// connections and fails anything still pending), and blocks until every
// Connection actor this Service started has torn down.
func (s *Service) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()
	for _, p := range pools {
		p.Stop()
	}
	s.manager.StopService(s.serviceID)
}

// Send enqueues msg on the named peer's pool, lazily creating the pool
// (and triggering a dial if it has no live connection yet) on first use.
func (s *Service) Send(peer string, msg Message, cb CompletionFunc) (MessageID, error) {
	pool := s.ensurePool(peer)
	id, err := pool.Send(msg, cb)
	if err != nil {
		return MessageID{}, err
	}
	s.ensureConnection(pool)
	return id, nil
}

// Cancel forwards to the named peer's pool.
func (s *Service) Cancel(peer string, id MessageID) bool {
	s.mu.Lock()
	pool, ok := s.pools[peer]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return pool.Cancel(id)
}

// ForceClose stops every connection of the named peer's pool, failing
// whatever is still pending with MessageConnection.
func (s *Service) ForceClose(peer string) error {
	s.mu.Lock()
	pool, ok := s.pools[peer]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	pool.Stop()
	return nil
}

func (s *Service) lookupPool(name string) (*ConnectionPool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	return p, ok
}

func (s *Service) ensurePool(name string) *ConnectionPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		p = newConnectionPool(name, s.cfg, s.manager, s.scheduler, s.serviceID, s.relay, s.resolver, s.onRequest)
		s.pools[name] = p
	}
	return p
}

func (s *Service) pickReactor() *aio.Reactor {
	reactors := s.scheduler.Reactors()
	i := atomic.AddUint64(&s.nextReactor, 1) - 1
	return reactors[i%uint64(len(reactors))]
}

// ensureConnection kicks off a dial if the pool is below
// ConnectionsPerPool and has a Resolver to ask.
func (s *Service) ensureConnection(pool *ConnectionPool) {
	if pool.connectionCount() >= s.cfg.ConnectionsPerPool {
		return
	}
	if pool.resolver == nil {
		log.Debug().Str("peer", pool.name).Msg("rpc: no resolver configured, cannot dial")
		return
	}
	r := s.pickReactor()
	s.resolvers.resolve(r, pool.resolver, pool.name, func(addrs []string, err error) {
		if err != nil || len(addrs) == 0 {
			pool.failPending(ErrResolveExhausted)
			return
		}
		s.dialOne(pool, r, addrs)
	})
}

// dialOne tries addrs[0], falling through to the remaining endpoints on
// failure; exhausting the list fails the pool.
func (s *Service) dialOne(pool *ConnectionPool, r *aio.Reactor, addrs []string) {
	if len(addrs) == 0 {
		pool.failPending(ErrResolveExhausted)
		return
	}
	addr, rest := addrs[0], addrs[1:]
	if s.cfg.ClientTLS != nil {
		s.dialSecure(pool, r, addr, rest)
		return
	}
	stream, err := aio.NewStreamConnecting(r, "tcp", addr)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("rpc: dial setup failed, trying next endpoint")
		s.dialOne(pool, r, rest)
		return
	}
	r.PostExternal(func() {
		err := stream.Connect(func(ctx *aio.ReactorContext) {
			if ctx.Err != nil {
				log.Debug().Err(ctx.Err).Str("addr", addr).Msg("rpc: dial failed, trying next endpoint")
				s.dialOne(pool, r, rest)
				return
			}
			s.spawnConnection(r, pool, stream, false)
		})
		if err != nil {
			log.Debug().Err(err).Msg("rpc: connect arm failed")
			s.dialOne(pool, r, rest)
		}
	})
}

// dialSecure establishes addr with a blocking net.Dial offloaded to a
// goroutine, then drives the TLS client handshake over it before
// constructing the Connection.
func (s *Service) dialSecure(pool *ConnectionPool, r *aio.Reactor, addr string, rest []string) {
	go func() {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		r.PostExternal(func() {
			if err != nil {
				log.Debug().Err(err).Str("addr", addr).Msg("rpc: secure dial failed, trying next endpoint")
				s.dialOne(pool, r, rest)
				return
			}
			ss := aio.NewSecureClientStream(r, conn, s.cfg.ClientTLS)
			ss.SecureConnect(func(ctx *aio.ReactorContext) {
				if ctx.Err != nil {
					log.Debug().Err(ctx.Err).Str("addr", addr).Msg("rpc: tls handshake failed, trying next endpoint")
					s.dialOne(pool, r, rest)
					return
				}
				s.spawnConnection(r, pool, newSecureAdapter(ss), false)
			})
		})
	}()
}

// acceptLoop keeps one accept continuation armed on s.listener for as
// long as the Service runs, re-arming after each completion; PostAccept
// only ever arms a single next connection.
func (s *Service) acceptLoop(r *aio.Reactor) {
	var onAccept func(ctx *aio.ReactorContext, fd int, addr net.Addr)
	onAccept = func(ctx *aio.ReactorContext, fd int, addr net.Addr) {
		if ctx.Err != nil {
			log.Debug().Err(ctx.Err).Msg("rpc: listener error")
		} else {
			s.handleAccept(r, fd, addr)
		}
		if err := s.listener.PostAccept(onAccept); err != nil {
			log.Debug().Err(err).Msg("rpc: re-arm accept failed")
		}
	}
	if err := s.listener.PostAccept(onAccept); err != nil {
		log.Debug().Err(err).Msg("rpc: initial accept failed")
	}
}

// handleAccept adopts a raw accepted fd as a net.Conn, upgrades it to TLS
// when cfg.ServerTLS is set, and spawns a server-side Connection in the
// pool named after the remote address.
func (s *Service) handleAccept(r *aio.Reactor, fd int, addr net.Addr) {
	f := os.NewFile(uintptr(fd), "rpc-accept")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		log.Debug().Err(err).Msg("rpc: adopt accepted connection")
		return
	}

	name := ""
	if addr != nil {
		name = addr.String()
	}
	pool := s.ensurePool(name)

	if s.cfg.ServerTLS != nil {
		ss := aio.NewSecureServerStream(r, conn, s.cfg.ServerTLS)
		ss.SecureAccept(func(ctx *aio.ReactorContext) {
			if ctx.Err != nil {
				log.Debug().Err(ctx.Err).Msg("rpc: tls accept handshake failed")
				return
			}
			s.spawnConnection(r, pool, newSecureAdapter(ss), true)
		})
		return
	}

	stream, err := aio.NewStream(r, conn)
	if err != nil {
		log.Debug().Err(err).Msg("rpc: wrap accepted stream")
		return
	}
	s.spawnConnection(r, pool, stream, true)
}

func (s *Service) spawnConnection(r *aio.Reactor, pool *ConnectionPool, stream ioStream, isServer bool) *Connection {
	c := NewConnection(s.cfg, r, s.manager, pool, s.relay, stream, isServer)
	r.StartActor(s.manager, s.serviceID, c, connEvent(evStart, nil))
	return c
}

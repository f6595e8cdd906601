package httpserver

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/nodeweave/nodeweave/internal/logging"
)

// Pool is the bounded worker pool that runs HTTP exchanges (C6). A pooled
// connection, keep-alive included, stays on its pool worker until it
// closes: TryPromote can hand a connection to a separately capped
// dedicated worker, but nothing in this package calls it automatically
// (§4.4 "Worker behavior").
type Pool struct {
	jobs    chan net.Conn
	handle  func(net.Conn)
	wg      sync.WaitGroup
	dedicated chan struct{} // capacity semaphore for promoted workers
	active  atomic.Int64
	log     logging.Logger
}

// NewPool constructs a Pool with queueSize buffered slots and size workers.
// size <= 0 is invalid; callers implementing "pool disabled" or "dedicated
// worker per connection" modes (§4.4) should not construct a Pool at all.
func NewPool(size, queueSize, maxDedicated int, handle func(net.Conn), log logging.Logger) *Pool {
	p := &Pool{
		jobs:      make(chan net.Conn, queueSize),
		handle:    handle,
		dedicated: make(chan struct{}, maxDedicated),
		log:       log,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for conn := range p.jobs {
		p.active.Add(1)
		p.handle(conn)
		p.active.Add(-1)
	}
}

// Submit pushes conn onto the pool queue, returning false if the queue is
// full — the caller must then close the socket immediately (§4.4 "full
// queue → drop with close").
func (p *Pool) Submit(conn net.Conn) bool {
	select {
	case p.jobs <- conn:
		return true
	default:
		return false
	}
}

// TryPromote reserves a dedicated-worker slot for conn, spawning a
// goroutine running handle if one is available, bounded to the pool's
// configured maxDedicated (§4.4 "drawn from a second bounded set,
// size-capped to protect memory").
func (p *Pool) TryPromote(conn net.Conn) bool {
	select {
	case p.dedicated <- struct{}{}:
		go func() {
			defer func() { <-p.dedicated }()
			p.handle(conn)
		}()
		return true
	default:
		return false
	}
}

// ActiveConnections reports the number of exchanges currently running on
// pool workers, used by the overload check in peer cache serving (§4.6
// "Overloaded").
func (p *Pool) ActiveConnections() int64 {
	return p.active.Load()
}

// Close stops accepting new pool jobs and waits for in-flight workers to
// drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

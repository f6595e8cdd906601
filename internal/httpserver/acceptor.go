package httpserver

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
)

// teapotBody is the fixed response sent to a banned peer before the
// connection is closed without reaching the handler (§4.4 "immediately
// send a fixed teapot body and close").
const teapotBody = "HTTP/1.1 418 I'm a Teapot\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"

// Acceptor runs the single-threaded accept loop (C5): bind/listen,
// per-second ban-set rotation, IP-ban filtering, and dispatch to the pool
// or a dedicated worker depending on WorkerPoolSize (§4.4 "Accept loop").
type Acceptor struct {
	listener net.Listener
	pool     *Pool
	poolSize int
	banSet   *banset.Set
	noBanIP  bool
	hooks    *Hooks
	log      logging.Logger
	handle   func(net.Conn)
	counters *metrics.Counters

	terminated atomic.Bool
}

// AcceptorOptions configures an Acceptor.
type AcceptorOptions struct {
	// PoolSize mirrors config.Settings.WorkerPoolSize: negative disables
	// pooling, 0 spawns a dedicated worker per connection, positive is a
	// bounded pool handled by Pool (§4.4).
	PoolSize     int
	QueueSize    int
	MaxDedicated int
	NoBanIP      bool
	BanTTL       time.Duration
	// ExternalBanSet, when non-nil, is used instead of an Acceptor-owned
	// banset.Set, so another layer (the peer cache coordinator's OnBeforeBody)
	// can ban an IP and have the accept loop see it on the very next socket,
	// rather than maintaining two disjoint HTTP-level ban sets.
	ExternalBanSet *banset.Set
	// Counters, if non-nil, receives accepted/active connection and ban
	// counts (§12 "Prometheus metrics endpoint").
	Counters *metrics.Counters
}

// NewAcceptor constructs an Acceptor bound to listener. handle processes
// one connection to completion (typically Connection.Serve).
func NewAcceptor(listener net.Listener, opts AcceptorOptions, hooks *Hooks, handle func(net.Conn), log logging.Logger) *Acceptor {
	banSet := opts.ExternalBanSet
	if banSet == nil {
		banSet = banset.New(opts.BanTTL)
	}
	a := &Acceptor{
		listener: listener,
		poolSize: opts.PoolSize,
		banSet:   banSet,
		noBanIP:  opts.NoBanIP,
		hooks:    hooks,
		log:      log,
		handle:   handle,
		counters: opts.Counters,
	}
	if opts.PoolSize > 0 {
		a.pool = NewPool(opts.PoolSize, opts.QueueSize, opts.MaxDedicated, handle, log)
	}
	return a
}

// BanSet exposes the HTTP-level ban set so Connection.ConnOptions.OnBanCandidate
// can be wired to it, and so the discovery server's idle hook can trigger a
// shared rotation cadence if desired.
func (a *Acceptor) BanSet() *banset.Set { return a.banSet }

// Run drives the accept loop until Shutdown is called. It rotates the ban
// set once per elapsed second and invokes the idle hook on each accept
// timeout (§4.4 "on timeout, rotate the ban set exactly once per elapsed
// second, call the optional idle hook").
func (a *Acceptor) Run() error {
	for {
		if a.terminated.Load() {
			return nil
		}

		if d, ok := a.listener.(*net.TCPListener); ok {
			_ = d.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := a.listener.Accept()
		if err != nil {
			if a.terminated.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				a.banSet.Rotate()
				a.hooks.idle()
				continue
			}
			return err
		}

		a.handleConnection(conn)
	}
}

func (a *Acceptor) handleConnection(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	if !a.noBanIP && a.banSet.Banned(net.ParseIP(host)) {
		conn.Write([]byte(teapotBody))
		conn.Close()
		return
	}

	if a.counters != nil {
		a.counters.ConnectionsAccepted.Add(1)
	}
	handle := a.countedHandle()

	switch {
	case a.poolSize < 0:
		handle(conn)
	case a.poolSize == 0:
		go handle(conn)
	default:
		if !a.pool.Submit(conn) {
			conn.Close()
		}
	}
}

// countedHandle wraps a.handle with the active-connection gauge when
// counters are configured, leaving the pool path (which tracks its own
// ActiveConnections independently via Pool) untouched.
func (a *Acceptor) countedHandle() func(net.Conn) {
	if a.counters == nil {
		return a.handle
	}
	return func(conn net.Conn) {
		a.counters.ConnectionsActive.Add(1)
		defer a.counters.ConnectionsActive.Add(-1)
		a.handle(conn)
	}
}

// Shutdown sets the terminated flag and closes the listener to unblock
// Accept, then dials a throwaway local connection as a nudge for platforms
// whose accept() doesn't otherwise notice a closed listening socket (§5
// "Cancellation").
func (a *Acceptor) Shutdown() error {
	a.terminated.Store(true)
	addr := a.listener.Addr()
	err := a.listener.Close()
	if conn, dialErr := net.DialTimeout(addr.Network(), addr.String(), 200*time.Millisecond); dialErr == nil {
		conn.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}

// RecordBanCandidate bans ip, used by the connection layer's
// ConnOptions.OnBanCandidate hook (§4.4 "hsoBan40xIP").
func (a *Acceptor) RecordBanCandidate(ip string) {
	if a.noBanIP {
		return
	}
	a.banSet.Ban(net.ParseIP(ip))
	if a.counters != nil {
		a.counters.BansIssuedHTTP.Add(1)
	}
}

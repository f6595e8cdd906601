package httpserver

import (
	"fmt"
	"net"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/config"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
	"github.com/nodeweave/nodeweave/internal/reqctx"
	"github.com/nodeweave/nodeweave/internal/router"
)

// Server ties the router (C1/C2), the connection state machine (C4), and
// the acceptor/pool (C5/C6) together into the "socket-based HTTP/1.1
// server" described in §1. It implements the capability set named in §9
// ("serve-connection, request-queue-length, active-connections,
// on-before-body, on-request") via its exported methods so a caller like
// the peer cache coordinator can depend on this type without this package
// depending back on the peer cache.
type Server struct {
	router   *router.Router
	hooks    *Hooks
	pool     *reqctx.Pool
	acceptor *Acceptor
	opts     ConnOptions
	settings config.Settings
	log      logging.Logger
	banSet   *banset.Set
	counters *metrics.Counters
}

// New constructs a Server from settings and hooks but does not yet bind a
// listener; call Listen to start accepting connections.
func New(settings config.Settings, hooks *Hooks, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	if hooks == nil {
		hooks = &Hooks{}
	}
	return &Server{
		router: router.New(),
		hooks:  hooks,
		pool:   reqctx.NewPool(),
		opts: ConnOptions{
			MaxHeaderBytes:     settings.MaxHeaderBytes,
			MaxBodyBytes:       settings.MaxBodyBytes,
			SendBufferSize:     settings.SendBufferSize,
			HeaderReadTimeout:  settings.HeaderReadTimeout,
			KeepAliveIdle:      settings.KeepAliveIdleTimeout,
			ServerName:         settings.ServerName,
			XPoweredBy:         settings.XPoweredBy,
			SendDateHeader:     settings.SendDateHeader,
			ProxyIPHeader:      settings.ProxyIPHeader,
			ConnectionIDHeader: settings.ConnectionIDHeader,
		},
		settings: settings,
		log:      log,
	}
}

// SetAuthenticator wires the C7 authentication engine into admission check
// 4 (§4.2, §4.3); pass nil to disable authentication.
func (s *Server) SetAuthenticator(a Authenticator) { s.opts.Authenticator = a }

// SetBanSet wires an externally-owned HTTP-level ban set into the accept
// loop, so a ban recorded elsewhere (the peer cache coordinator's
// OnBeforeBody, on an undecodable bearer) is enforced at accept time too.
// Call before Serve/Listen; a nil or unset ban set falls back to the
// acceptor's own, as before.
func (s *Server) SetBanSet(b *banset.Set) { s.banSet = b }

// SetCounters wires a shared *metrics.Counters into the accept loop's
// connection/ban counts. Call before Serve/Listen; nil disables counting.
func (s *Server) SetCounters(c *metrics.Counters) { s.counters = c }

// Router exposes the underlying router so callers can register routes
// directly with router.RegisterCallback/RegisterRewrite, or use the
// convenience wrappers below.
func (s *Server) Router() *router.Router { return s.router }

// RegisterCallback registers a C2 callback route, passing s itself as the
// opaque value so callbacks can retrieve server state (§9 "Cyclic
// ownership").
func (s *Server) RegisterCallback(method, pattern string, fn router.Callback) error {
	return s.router.RegisterCallback(method, pattern, fn, s)
}

// RegisterRewrite registers a C2 rewrite route.
func (s *Server) RegisterRewrite(method, pattern, destination, rewriteMethod string) error {
	return s.router.RegisterRewrite(method, pattern, destination, rewriteMethod)
}

// Listen binds a TCP listener on settings.TCPPort and starts the accept
// loop, blocking until Shutdown is called or a fatal accept error occurs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.TCPPort))
	if err != nil {
		return fmt.Errorf("httpserver: listening on port %d: %w", s.settings.TCPPort, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop over an already-bound listener (tests pass a
// net.Listener on an ephemeral port here).
func (s *Server) Serve(ln net.Listener) error {
	opts := s.opts
	opts.Counters = s.counters
	a := NewAcceptor(ln, AcceptorOptions{
		PoolSize:       s.settings.WorkerPoolSize,
		QueueSize:      s.settings.AcceptQueueSize,
		MaxDedicated:   s.settings.MaxDedicatedWorkers,
		NoBanIP:        s.settings.Options.NoBanIP,
		BanTTL:         s.settings.HTTPBanTTL,
		ExternalBanSet: s.banSet,
		Counters:       s.counters,
	}, s.hooks, nil, s.log)

	if s.settings.Ban40xOnHTTP {
		opts.OnBanCandidate = a.RecordBanCandidate
	}

	handle := func(conn net.Conn) {
		NewConnection(conn, s.router, s.hooks, s.pool, opts, s.log).Serve()
	}
	a.handle = handle
	if a.pool != nil {
		a.pool.handle = handle
	}

	s.acceptor = a
	return a.Run()
}

// Shutdown stops the accept loop and drains in-flight pool workers (§5
// "Cancellation").
func (s *Server) Shutdown() error {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Shutdown()
}

// ActiveConnections reports the number of exchanges currently running on
// pool workers, or 0 if pooling is disabled (§4.6 "Overloaded" consults
// this via the peer cache coordinator).
func (s *Server) ActiveConnections() int64 {
	if s.acceptor == nil || s.acceptor.pool == nil {
		return 0
	}
	return s.acceptor.pool.ActiveConnections()
}

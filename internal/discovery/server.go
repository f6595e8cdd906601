// Package discovery implements the UDP peer discovery server (C9): a
// single datagram socket exchanging Ping/Pong and Request/Response frames
// with siblings on the local broadcast domain, and the serialized
// broadcast request/response round the peer cache coordinator drives
// downloads through (§4.6).
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nodeweave/nodeweave/internal/banset"
	"github.com/nodeweave/nodeweave/internal/logging"
	"github.com/nodeweave/nodeweave/internal/metrics"
	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// frameBufferSize is the fixed receive buffer named in §4.6 ("a single
// datagram socket with a 64 KiB frame buffer").
const frameBufferSize = 64 * 1024

// Responder is C10's collaboration point with the discovery server: it
// answers one inbound Request frame with the local cache's view of the
// requested content hash (§4.6 step 5).
type Responder interface {
	// Lookup reports what to answer m's Request with. size is the
	// currently available byte length for ResponsePartial/ResponseFull and
	// is ignored for other kinds.
	Lookup(m *peercrypt.Message) (kind peercrypt.Kind, size int64)
	// Overloaded reports whether the active HTTP connection count exceeds
	// the configured limit (§4.6 step 5 "Overloaded").
	Overloaded() bool
}

// Options carries the subset of the peer cache's options set relevant to
// discovery (§6 "options set").
type Options struct {
	FirstResponse     bool
	BroadcastNotAlone bool
	NoBanIP           bool
}

// Response pairs one inbound response frame with the peer address it
// arrived from, returned to a Broadcast caller for priority sorting (§4.7
// step 6).
type Response struct {
	From    *net.UDPAddr
	Message *peercrypt.Message
}

// Server owns the discovery socket and the broadcast round state machine.
type Server struct {
	conn      *net.UDPConn
	core      *peercrypt.Core
	window    *peercrypt.Window
	ban       *banset.Set
	opts      Options
	responder Responder
	log       logging.Logger
	counters  *metrics.Counters

	selfIPv4      uint32
	uuid          [16]byte
	broadcastAddr *net.UDPAddr

	// broadcastMu serializes Broadcast calls end to end: "at most one
	// broadcast outstanding" (§4.6 "Broadcast").
	broadcastMu sync.Mutex

	// stateMu guards the outstanding-round bookkeeping below, shared
	// between Broadcast (the writer/waiter) and the receive loop (the
	// deliverer), so responses can be appended while Broadcast is sleeping.
	stateMu   sync.Mutex
	active    bool
	activeSeq uint32
	collected []Response
	wantFirst bool
	wantMax   int
	done      chan struct{}

	notAloneMu    sync.Mutex
	notAloneUntil time.Time
	now           func() time.Time
}

// New constructs a Server bound to conn. uuid is this node's sender UUID;
// selfIP and broadcastAddr identify this node's interface and the target
// address Broadcast sends to (§4.6 "Bind").
func New(conn *net.UDPConn, core *peercrypt.Core, window *peercrypt.Window, ban *banset.Set, selfIP net.IP, uuid [16]byte, broadcastAddr *net.UDPAddr, opts Options, responder Responder, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		conn:          conn,
		core:          core,
		window:        window,
		ban:           ban,
		opts:          opts,
		responder:     responder,
		log:           log,
		selfIPv4:      ipToUint32(selfIP),
		uuid:          uuid,
		broadcastAddr: broadcastAddr,
		now:           time.Now,
	}
}

// RotateBans evicts expired entries from the UDP-level ban set, called from
// the peer cache coordinator's idle hook (§4.7 "Idle hook").
func (s *Server) RotateBans() { s.ban.Rotate() }

// SetCounters wires a shared *metrics.Counters into the receive loop's ban
// count (§12 "Prometheus metrics endpoint"). Call before Run; nil disables
// counting.
func (s *Server) SetCounters(c *metrics.Counters) { s.counters = c }

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Run drives the receive loop until ctx is cancelled, handling every
// inbound frame per §4.6 "Receive path". It polls with a short read
// deadline so cancellation is observed promptly without a dedicated
// wakeup socket.
func (s *Server) Run(ctx context.Context) error {
	buf := make([]byte, frameBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(s.now().Add(time.Second))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: reading datagram: %w", err)
		}
		s.handleFrame(append([]byte(nil), buf[:n]...), from)
	}
}

// handleFrame implements §4.6 "Receive path" steps 1-6.
func (s *Server) handleFrame(frame []byte, from *net.UDPAddr) {
	fromIP := from.IP.To4()
	if fromIP == nil {
		return
	}
	if ipToUint32(fromIP) == s.selfIPv4 {
		return // drop frames from self
	}
	if !s.opts.NoBanIP && s.ban.Banned(fromIP) {
		return
	}

	var m peercrypt.Message
	if err := s.core.Open(frame, &m); err != nil {
		if !s.opts.NoBanIP {
			s.ban.Ban(fromIP)
			if s.counters != nil {
				s.counters.BansIssuedUDP.Add(1)
			}
		}
		s.log.Debugf("discovery: dropping undecodable frame from %s: %v", from, err)
		return
	}

	if m.Kind.IsResponse() {
		if m.DestIPv4 != s.selfIPv4 {
			s.log.Debugf("discovery: dropping response addressed to another host from %s", from)
			return
		}
		if !s.window.Valid(m.Sequence) {
			s.log.Debugf("discovery: dropping out-of-window sequence %d from %s", m.Sequence, from)
			return
		}
	}

	switch m.Kind {
	case peercrypt.KindPing:
		s.respondPong(&m, from)
	case peercrypt.KindRequest:
		s.respondToRequest(&m, from)
	default:
		if m.Kind.IsResponse() {
			s.deliverResponse(from, &m)
		}
	}
}

func (s *Server) respondPong(req *peercrypt.Message, from *net.UDPAddr) {
	resp := &peercrypt.Message{
		Kind:       peercrypt.KindPong,
		Sequence:   req.Sequence,
		SenderUUID: s.uuid,
		SenderIPv4: s.selfIPv4,
		DestIPv4:   req.SenderIPv4,
	}
	s.sendTo(resp, s.responseTarget(from))
}

func (s *Server) respondToRequest(req *peercrypt.Message, from *net.UDPAddr) {
	var kind peercrypt.Kind
	var size int64 = -1
	if s.responder.Overloaded() {
		kind = peercrypt.KindResponseOverloaded
	} else {
		kind, size = s.responder.Lookup(req)
	}

	resp := &peercrypt.Message{
		Kind:       kind,
		Sequence:   req.Sequence,
		SenderUUID: s.uuid,
		SenderIPv4: s.selfIPv4,
		DestIPv4:   req.SenderIPv4,
		HashAlgo:   req.HashAlgo,
		Digest:     req.Digest,
	}
	if size >= 0 {
		resp.FileSize = uint64(size)
	}
	s.sendTo(resp, s.responseTarget(from))
}

// responseTarget picks where a response is sent: back to the broadcast
// address on POSIX, since the requester listens there (§4.6 "Response
// delivery"). A Windows deployment would unicast to from instead; this
// implementation targets the POSIX behavior uniformly and does not
// special-case the platform.
func (s *Server) responseTarget(from *net.UDPAddr) *net.UDPAddr {
	return s.broadcastAddr
}

func (s *Server) sendTo(m *peercrypt.Message, addr *net.UDPAddr) {
	frame, err := s.core.Seal(m)
	if err != nil {
		s.log.Errorf("discovery: sealing response frame: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(frame, addr); err != nil {
		s.log.Errorf("discovery: sending to %s: %v", addr, err)
	}
}

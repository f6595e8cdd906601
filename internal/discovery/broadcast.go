package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nodeweave/nodeweave/internal/peercrypt"
)

// ErrSuppressed is returned by Broadcast when the "not alone" suppression
// window is active (§4.6 "'Not alone' suppression").
var ErrSuppressed = errors.New("discovery: broadcast suppressed, no peers seen recently")

// Broadcast sends a Request (or Ping) frame to the broadcast address and
// waits up to timeout for matching responses, serialized against any other
// outstanding round (§4.6 "Broadcast", §5 "broadcast lock is non-reentrant
// and strictly serializes UDP request/response rounds"). m's Sequence,
// SenderUUID and SenderIPv4 fields are overwritten; every other field is
// the caller's request payload (hash, size, range).
func (s *Server) Broadcast(ctx context.Context, m *peercrypt.Message, timeout time.Duration, maxResponses int) ([]Response, error) {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	if s.opts.BroadcastNotAlone && s.suppressed() {
		return nil, ErrSuppressed
	}

	seq := s.window.Next()
	m.Sequence = seq
	m.SenderUUID = s.uuid
	m.SenderIPv4 = s.selfIPv4

	done := make(chan struct{})
	s.stateMu.Lock()
	s.active = true
	s.activeSeq = seq
	s.collected = nil
	s.wantFirst = s.opts.FirstResponse
	s.wantMax = maxResponses
	s.done = done
	s.stateMu.Unlock()

	if err := s.send(m); err != nil {
		s.stateMu.Lock()
		s.active = false
		s.stateMu.Unlock()
		return nil, err
	}

	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	s.stateMu.Lock()
	result := s.collected
	s.active = false
	s.stateMu.Unlock()

	if len(result) == 0 && s.opts.BroadcastNotAlone {
		s.markSuppressed()
	}
	return result, nil
}

func (s *Server) send(m *peercrypt.Message) error {
	frame, err := s.core.Seal(m)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(frame, s.broadcastAddr)
	return err
}

// sendTo is also used directly by respondPong/respondToRequest, which seal
// a response and report the failure via the logger instead of returning it
// (§4.6 step 5, best-effort response delivery).

// deliverResponse hands one already-validated response frame to the
// outstanding Broadcast round, if any, discarding it if no round is active
// or its sequence does not match the round's (§4.6 step 6, "responses with
// stale sequences are marked late and discarded").
func (s *Server) deliverResponse(from *net.UDPAddr, m *peercrypt.Message) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.active || m.Sequence != s.activeSeq {
		return
	}
	s.collected = append(s.collected, Response{From: from, Message: m})

	if s.wantFirst || (s.wantMax > 0 && len(s.collected) >= s.wantMax) {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// suppressed reports whether "not alone" suppression is currently active
// (§4.6 "approximately one second" tick counter).
func (s *Server) suppressed() bool {
	s.notAloneMu.Lock()
	defer s.notAloneMu.Unlock()
	return s.now().Before(s.notAloneUntil)
}

func (s *Server) markSuppressed() {
	s.notAloneMu.Lock()
	defer s.notAloneMu.Unlock()
	s.notAloneUntil = s.now().Add(time.Second)
}

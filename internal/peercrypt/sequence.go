package peercrypt

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// Window tracks the outgoing sequence counter and the startup anchor used
// to reject replayed response frames captured before this node's last
// restart (§4.5 "Sequence window", §8 "Replay rejection").
//
// Wraparound of the 31-bit counter is the open question noted in §9: this
// implementation follows the stated mitigation ("treat exhaustion by
// forcing a new startup-low and clearing peer session state") rather than
// attempting modular arithmetic across the wrap.
type Window struct {
	startupLow     uint32
	currentOutgoing uint32
}

const sequenceMask = 0x7fffffff // 31 bits

// NewWindow picks a random 31-bit startup-low and anchors the outgoing
// counter to it.
func NewWindow() (*Window, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	low := binary.BigEndian.Uint32(buf[:]) & sequenceMask
	return &Window{startupLow: low, currentOutgoing: low}, nil
}

// Next returns the next outgoing sequence number, monotonically
// incrementing (and re-anchoring on wraparound per §9).
func (w *Window) Next() uint32 {
	for {
		old := atomic.LoadUint32(&w.currentOutgoing)
		next := (old + 1) & sequenceMask
		if next < atomic.LoadUint32(&w.startupLow) {
			// Wrapped past the 31-bit space: re-anchor (§9 open question).
			atomic.StoreUint32(&w.startupLow, next)
		}
		if atomic.CompareAndSwapUint32(&w.currentOutgoing, old, next) {
			return next
		}
	}
}

// Valid reports whether seq falls within [startup-low, current-outgoing],
// the acceptance window for inbound response sequences (§4.5, §8 "Replay
// rejection": a sequence from before this node's startup is out of window
// and yields ErrSequence).
func (w *Window) Valid(seq uint32) bool {
	low := atomic.LoadUint32(&w.startupLow)
	high := atomic.LoadUint32(&w.currentOutgoing)
	return seq >= low && seq <= high
}

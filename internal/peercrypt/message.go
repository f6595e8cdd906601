// Package peercrypt implements the peer cache message framing (C8):
// HMAC-derived key material, AES-GCM-128 authenticated encryption of the
// fixed 192-byte peer message, bearer token encoding, and sequence-window
// replay rejection (§3 "Peer cache message", §4.5).
package peercrypt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Kind is the peer message's request/response discriminant.
type Kind uint8

const (
	KindPing Kind = iota
	KindPong
	KindRequest
	KindResponseNone
	KindResponseOverloaded
	KindResponsePartial
	KindResponseFull
	// KindRequestBearer and KindDirectBearer never travel over UDP; they
	// tag a Message embedded in an HTTP Authorization: Bearer header
	// (§4.5 "Bearer tokens").
	KindRequestBearer
	KindDirectBearer
)

func (k Kind) valid() bool { return k <= KindDirectBearer }

// HardwareKind orders the peer's network interface for the C10 priority
// sort (ethernet > wifi > other > unknown), §4.7 "sort by priority".
type HardwareKind uint8

const (
	HardwareUnknown HardwareKind = iota
	HardwareEthernet
	HardwareWifi
	HardwareOther
)

func (h HardwareKind) valid() bool { return h <= HardwareOther }

// HashAlgo identifies the digest algorithm carried in a Message's content
// hash record.
type HashAlgo uint8

const (
	HashNone HashAlgo = iota
	HashSHA256
	HashSHA1
	HashMD5
)

func (a HashAlgo) valid() bool { return a <= HashMD5 }

// DigestSize returns the number of meaningful bytes in Digest for a, or 0
// if a is HashNone.
func (a HashAlgo) DigestSize() int {
	switch a {
	case HashSHA256:
		return 32
	case HashSHA1:
		return 20
	case HashMD5:
		return 16
	default:
		return 0
	}
}

const (
	// MessageSize is the exact plaintext size of a peer message, fixed
	// across every platform (§3 invariant).
	MessageSize = 192
	// digestCapacity is "up to 64-byte digest" per §3.
	digestCapacity = 64

	fixedSize   = 1 + 4 + 16 + 4 + 4 + 4 + 4 + 4 + 4 + 1 + 4 + 2 + 1 + digestCapacity + 8 + 8 + 8 + 8 + 1
	paddingSize = MessageSize - fixedSize
)

func init() {
	if paddingSize != 42 {
		panic(fmt.Sprintf("peercrypt: fixed layout size drifted, padding would be %d bytes, not 42", paddingSize))
	}
}

// Message is the plaintext 192-byte peer cache message (§3).
type Message struct {
	Kind           Kind
	Sequence       uint32
	SenderUUID     [16]byte
	OSDescriptor   uint32
	SenderIPv4     uint32
	DestIPv4       uint32 // 0 means broadcast
	Netmask        uint32
	BroadcastAddr  uint32
	LinkSpeedMbps  uint32
	Hardware       HardwareKind
	Timestamp      uint32 // minimal-epoch seconds
	ConnCount      uint16
	HashAlgo       HashAlgo
	Digest         [digestCapacity]byte
	FileSize       uint64
	RangeStart     uint64
	RangeEnd       uint64 // inclusive
	Opaque         uint64
	PaddingVersion uint8
}

// Encode serializes m into the fixed 192-byte plaintext layout, filling the
// trailing padding with fresh random bytes on every call so that repeated
// encodings of an otherwise identical message never produce the same
// plaintext (§3 invariant: "random padding is re-rolled each message").
func (m *Message) Encode() ([MessageSize]byte, error) {
	var out [MessageSize]byte
	i := 0
	out[i] = byte(m.Kind)
	i++
	binary.BigEndian.PutUint32(out[i:], m.Sequence)
	i += 4
	copy(out[i:i+16], m.SenderUUID[:])
	i += 16
	binary.BigEndian.PutUint32(out[i:], m.OSDescriptor)
	i += 4
	binary.BigEndian.PutUint32(out[i:], m.SenderIPv4)
	i += 4
	binary.BigEndian.PutUint32(out[i:], m.DestIPv4)
	i += 4
	binary.BigEndian.PutUint32(out[i:], m.Netmask)
	i += 4
	binary.BigEndian.PutUint32(out[i:], m.BroadcastAddr)
	i += 4
	binary.BigEndian.PutUint32(out[i:], m.LinkSpeedMbps)
	i += 4
	out[i] = byte(m.Hardware)
	i++
	binary.BigEndian.PutUint32(out[i:], m.Timestamp)
	i += 4
	binary.BigEndian.PutUint16(out[i:], m.ConnCount)
	i += 2
	out[i] = byte(m.HashAlgo)
	i++
	copy(out[i:i+digestCapacity], m.Digest[:])
	i += digestCapacity
	binary.BigEndian.PutUint64(out[i:], m.FileSize)
	i += 8
	binary.BigEndian.PutUint64(out[i:], m.RangeStart)
	i += 8
	binary.BigEndian.PutUint64(out[i:], m.RangeEnd)
	i += 8
	binary.BigEndian.PutUint64(out[i:], m.Opaque)
	i += 8
	out[i] = m.PaddingVersion
	i++

	if _, err := rand.Read(out[i:]); err != nil {
		return out, fmt.Errorf("peercrypt: filling padding: %w", err)
	}
	return out, nil
}

// Decode parses a fixed 192-byte plaintext into m, validating enum field
// ranges (§4.5 step 4). Padding bytes are ignored.
func Decode(buf []byte, m *Message) error {
	if len(buf) != MessageSize {
		return fmt.Errorf("peercrypt: message must be exactly %d bytes, got %d", MessageSize, len(buf))
	}
	i := 0
	m.Kind = Kind(buf[i])
	i++
	if !m.Kind.valid() {
		return ErrKind
	}
	m.Sequence = binary.BigEndian.Uint32(buf[i:])
	i += 4
	copy(m.SenderUUID[:], buf[i:i+16])
	i += 16
	m.OSDescriptor = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.SenderIPv4 = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.DestIPv4 = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.Netmask = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.BroadcastAddr = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.LinkSpeedMbps = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.Hardware = HardwareKind(buf[i])
	i++
	if !m.Hardware.valid() {
		return ErrHardware
	}
	m.Timestamp = binary.BigEndian.Uint32(buf[i:])
	i += 4
	m.ConnCount = binary.BigEndian.Uint16(buf[i:])
	i += 2
	m.HashAlgo = HashAlgo(buf[i])
	i++
	if !m.HashAlgo.valid() {
		return ErrAlgo
	}
	copy(m.Digest[:], buf[i:i+digestCapacity])
	i += digestCapacity
	m.FileSize = binary.BigEndian.Uint64(buf[i:])
	i += 8
	m.RangeStart = binary.BigEndian.Uint64(buf[i:])
	i += 8
	m.RangeEnd = binary.BigEndian.Uint64(buf[i:])
	i += 8
	m.Opaque = binary.BigEndian.Uint64(buf[i:])
	i += 8
	m.PaddingVersion = buf[i]
	return nil
}

// IsResponse reports whether k is one of the peer-to-peer response kinds,
// which are subject to sequence-window validation (§4.5 step 4).
func (k Kind) IsResponse() bool {
	switch k {
	case KindPong, KindResponseNone, KindResponseOverloaded, KindResponsePartial, KindResponseFull:
		return true
	default:
		return false
	}
}

package peercrypt

import (
	"encoding/base64"
	"hash/crc32"
)

// EncodeBearer seals m and returns it as a base64url bearer token suitable
// for an `Authorization: Bearer <token>` header (§4.5 "Bearer tokens",
// §6 "Peer HTTP bearer").
func EncodeBearer(c *Core, m *Message) (string, error) {
	frame, err := c.Seal(m)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(frame), nil
}

// DecodeBearer decodes and opens a bearer token, requiring its Kind to
// equal wantKind (either KindRequestBearer or KindDirectBearer per §4.5).
func DecodeBearer(c *Core, token string, wantKind Kind) (*Message, error) {
	frame, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBase64
	}
	var m Message
	if err := c.Open(frame, &m); err != nil {
		return nil, err
	}
	if m.Kind != wantKind {
		return nil, ErrBearerKind
	}
	return &m, nil
}

// DirectOpaque computes the 63-bit CRC binding a direct-mode bearer to the
// exact URL it authorizes (§4.5, §6 "direct kind", §9 open question: this
// is collision-resistant for anti-replay but relies on the surrounding
// AES-GCM tag for authenticity, not on the CRC itself).
func DirectOpaque(url string) uint64 {
	lo := crc32.ChecksumIEEE([]byte(url))
	hi := crc32.Checksum([]byte(url), castagnoli)
	return (uint64(hi)<<32 | uint64(lo)) & 0x7fffffffffffffff
}

package peercrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// DecodeError is the rich error tag returned by Core.Open (§4.5: "the
// decoder returns a rich error tag: one of BLen, B64, Bearer, Len, Crc,
// Aes, Seq, Kind, Hw, Algo, Ok").
type DecodeError struct{ tag string }

func (e *DecodeError) Error() string { return "peercrypt: " + e.tag }

// Tag returns the short machine-readable error tag, for metrics labels.
func (e *DecodeError) Tag() string { return e.tag }

var (
	ErrBufferLength = &DecodeError{"blen"}
	ErrBase64       = &DecodeError{"b64"}
	ErrBearerKind   = &DecodeError{"bearer"}
	ErrFrameLength  = &DecodeError{"len"}
	ErrChecksum     = &DecodeError{"crc"}
	ErrAES          = &DecodeError{"aes"}
	ErrSequence     = &DecodeError{"seq"}
	ErrKind         = &DecodeError{"kind"}
	ErrHardware     = &DecodeError{"hw"}
	ErrAlgo         = &DecodeError{"algo"}
)

const (
	ivSize  = 16
	tagSize = 16
	crcSize = 4
	// wireSize is the total encoded frame: iv || ciphertext(=plaintext
	// size) || tag || crc32c (§4.5 "Frame encoding").
	wireSize = ivSize + MessageSize + tagSize + crcSize

	keyDerivationLabel = "nodeweave-peercrypt-v1-key"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Core holds the derived AES-GCM key and anti-fuzzing magic for one shared
// secret (§4.5 "Key derivation"). It is safe for concurrent use; callers
// typically wrap it in the single "AES lock" the design calls for (§5).
type Core struct {
	gcm   cipher.AEAD
	magic uint32
}

// NewCore derives key material from secret via two HMAC-SHA-256 iterations:
// the first yields the AES-GCM-128 key (its lower 16 bytes); the second,
// keyed the same way over the first digest, yields the anti-fuzzing magic
// (the high 32 bits of its output) used to salt the wire checksum (§4.5).
func NewCore(secret []byte) (*Core, error) {
	if len(secret) == 0 {
		return nil, errors.New("peercrypt: empty shared secret")
	}

	h1 := hmac.New(sha256.New, secret)
	h1.Write([]byte(keyDerivationLabel))
	sum1 := h1.Sum(nil)

	h2 := hmac.New(sha256.New, secret)
	h2.Write(sum1)
	sum2 := h2.Sum(nil)
	magic := binary.BigEndian.Uint32(sum2[:4])

	block, err := aes.NewCipher(sum1[:16])
	if err != nil {
		return nil, fmt.Errorf("peercrypt: building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("peercrypt: building GCM mode: %w", err)
	}

	return &Core{gcm: gcm, magic: magic}, nil
}

// Seal encodes m, encrypts it with a fresh random IV, and appends the
// salted CRC32C suffix, producing the wire frame described in §4.5: "iv ||
// ciphertext || tag || crc32c". Go's AEAD.Seal appends the tag to the
// ciphertext directly, so ciphertext and tag are produced as one slice.
func (c *Core) Seal(m *Message) ([]byte, error) {
	plain, err := m.Encode()
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("peercrypt: generating iv: %w", err)
	}

	out := make([]byte, 0, wireSize)
	out = append(out, iv...)
	sealed := c.gcm.Seal(nil, iv[:c.gcm.NonceSize()], plain[:], nil)
	out = append(out, sealed...)

	sum := crc32.Update(c.magic, castagnoli, sealed)
	sum = crc32.Update(sum, castagnoli, iv)
	var crcBuf [crcSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], sum)
	out = append(out, crcBuf[:]...)

	return out, nil
}

// Open validates and decrypts a wire frame into m, following the exact
// sequence in §4.5 "Frame decoding": length check, checksum pre-filter,
// AES-GCM decrypt-and-verify, then field-range validation. Sequence-window
// checks for response kinds are the caller's responsibility (via Window),
// since they require per-peer state this Core does not hold.
func (c *Core) Open(frame []byte, m *Message) error {
	if len(frame) != wireSize {
		return ErrFrameLength
	}

	iv := frame[:ivSize]
	sealed := frame[ivSize : ivSize+MessageSize+tagSize]
	wantCRC := binary.BigEndian.Uint32(frame[ivSize+MessageSize+tagSize:])

	sum := crc32.Update(c.magic, castagnoli, sealed)
	sum = crc32.Update(sum, castagnoli, iv)
	if sum != wantCRC {
		return ErrChecksum
	}

	plain, err := c.gcm.Open(nil, iv[:c.gcm.NonceSize()], sealed, nil)
	if err != nil {
		return ErrAES
	}

	return Decode(plain, m)
}

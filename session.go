package transport

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Session is the boundary to the AEAD primitive, per spec §4.2. The core
// never reuses a nonce; the sequence counter in Connection is the sole
// source of uniqueness. Encrypt/Decrypt operate on the wire datagram as a
// whole: Decrypt is responsible for recovering the nonce that Encrypt
// embedded, since a bare AEAD ciphertext does not carry its own nonce.
type Session interface {
	Encrypt(nonce uint64, plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) (nonce uint64, plaintext []byte, err error)
}

const sessionKeySize = chacha20poly1305.KeySize // 32

// AEADSession implements Session over ChaCha20-Poly1305, the same AEAD the
// teacher uses for its encrypted-timestamp handshake
// (envelope.buildEncryptedTimestampPayload). The 64-bit nonce is carried as
// an explicit 8-byte big-endian prefix ahead of the AEAD ciphertext, zero
// padded up to the cipher's 12-byte native nonce width; the core's guarantee
// that it never repeats a (key, nonce) pair is what makes this safe.
type AEADSession struct {
	aead aeadPrimitive
}

type aeadPrimitive interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewAEADSession constructs a Session from a 32-byte key.
func NewAEADSession(key [sessionKeySize]byte) (*AEADSession, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("transport: new session: %w", err)
	}
	return &AEADSession{aead: aead}, nil
}

// GenerateSessionKey returns a fresh random key suitable for NewAEADSession.
func GenerateSessionKey() ([sessionKeySize]byte, error) {
	var key [sessionKeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("transport: generate session key: %w", err)
	}
	return key, nil
}

// ParseSessionKey decodes a base64 pre-shared key, the same shape mosh's
// MOSH_KEY environment variable and the teacher's obf.DecodeKeyBase64 use.
func ParseSessionKey(encoded string) ([sessionKeySize]byte, error) {
	var key [sessionKeySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("transport: decode session key: %w", err)
	}
	if len(raw) != sessionKeySize {
		return key, fmt.Errorf("transport: session key must be %d bytes, got %d", sessionKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeSessionKey renders a key as the base64 form ParseSessionKey accepts.
func EncodeSessionKey(key [sessionKeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func (s *AEADSession) Encrypt(nonce uint64, plaintext []byte) ([]byte, error) {
	wireNonce := make([]byte, 8, 8+s.aead.Overhead()+len(plaintext))
	binary.BigEndian.PutUint64(wireNonce, nonce)

	aeadNonce := make([]byte, s.aead.NonceSize())
	copy(aeadNonce[s.aead.NonceSize()-8:], wireNonce)

	return s.aead.Seal(wireNonce, aeadNonce, plaintext, nil), nil
}

func (s *AEADSession) Decrypt(ciphertext []byte) (uint64, []byte, error) {
	if len(ciphertext) < 8 {
		return 0, nil, fmt.Errorf("transport: ciphertext too short for nonce prefix")
	}
	nonce := binary.BigEndian.Uint64(ciphertext[:8])

	aeadNonce := make([]byte, s.aead.NonceSize())
	copy(aeadNonce[s.aead.NonceSize()-8:], ciphertext[:8])

	plaintext, err := s.aead.Open(nil, aeadNonce, ciphertext[8:], nil)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: open: %w", err)
	}
	return nonce, plaintext, nil
}

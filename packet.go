package transport

import (
	"encoding/binary"
	"fmt"
)

// AbsentTimestamp is the sentinel value meaning "no timestamp present" in
// either the timestamp or timestamp_reply field.
const AbsentTimestamp uint16 = 0xFFFF

const (
	directionBit uint64 = 1 << 63
	seqMask      uint64 = directionBit - 1

	plaintextHeaderSize = 4 // timestamp(2) + timestamp_reply(2)
)

// Packet is the in-memory representation of one datagram's contents. It is
// transient: built fresh for every Send, and for every successfully decoded
// Receive.
type Packet struct {
	Direction      Direction
	Seq            uint64 // 63-bit sequence number
	Timestamp      uint16
	TimestampReply uint16
	Payload        []byte
}

// nonceFor packs a direction and 63-bit sequence number into the 64-bit
// AEAD nonce: bit 63 is the direction flag, bits 62..0 are the sequence.
func nonceFor(dir Direction, seq uint64) uint64 {
	seq &= seqMask
	if dir == ToClient {
		return directionBit | seq
	}
	return seq
}

func splitNonce(nonce uint64) (Direction, uint64) {
	if nonce&directionBit != 0 {
		return ToClient, nonce & seqMask
	}
	return ToServer, nonce & seqMask
}

// EncodePacket builds the wire plaintext for p and encrypts it through sess.
func EncodePacket(sess Session, p Packet) ([]byte, error) {
	nonce := nonceFor(p.Direction, p.Seq)
	plaintext := make([]byte, plaintextHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(plaintext[0:2], p.Timestamp)
	binary.BigEndian.PutUint16(plaintext[2:4], p.TimestampReply)
	copy(plaintext[plaintextHeaderSize:], p.Payload)
	return sess.Encrypt(nonce, plaintext)
}

// DecodePacket decrypts ciphertext through sess and parses the resulting
// plaintext. A decryption failure or malformed plaintext is returned as an
// error; per spec, the caller must treat any error here as a silent drop and
// must not advance any Connection state.
func DecodePacket(sess Session, ciphertext []byte) (Packet, error) {
	nonce, plaintext, err := sess.Decrypt(ciphertext)
	if err != nil {
		return Packet{}, fmt.Errorf("transport: decrypt: %w", err)
	}
	if len(plaintext) < plaintextHeaderSize {
		return Packet{}, fmt.Errorf("transport: plaintext too short (%d bytes)", len(plaintext))
	}
	dir, seq := splitNonce(nonce)
	p := Packet{
		Direction:      dir,
		Seq:            seq,
		Timestamp:      binary.BigEndian.Uint16(plaintext[0:2]),
		TimestampReply: binary.BigEndian.Uint16(plaintext[2:4]),
		Payload:        plaintext[plaintextHeaderSize:],
	}
	return p, nil
}

// timestamp16 returns the current millisecond clock truncated to 16 bits,
// per spec's modulo-65536 wire timestamp. 0xFFFF is reserved for
// AbsentTimestamp, so a clock reading that lands exactly on it is bumped by
// one, matching the original's timestamp() (network.cc).
func timestamp16(now int64) uint16 {
	ts := uint16(now)
	if ts == AbsentTimestamp {
		ts++
	}
	return ts
}

// timestampDiff computes (tsnew - tsold) mod 65536, as an unsigned distance
// in milliseconds.
func timestampDiff(tsnew, tsold uint16) uint16 {
	return tsnew - tsold
}

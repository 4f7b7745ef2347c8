package profile

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
)

// TransportPadding is the JSON-authored form of a Padding policy: pointers
// distinguish "unset, use default" from "explicitly zero".
type TransportPadding struct {
	Min       *int     `json:"pad_min"`
	Max       *int     `json:"pad_max"`
	BurstMin  *int     `json:"pad_burst_min"`
	BurstMax  *int     `json:"pad_burst_max"`
	BurstProb *float64 `json:"pad_burst_prob"`
}

// Padding pads a plaintext payload with a random amount of filler before
// encryption, and strips it back out on the receiving side. It implements
// transport.PaddingPolicy structurally. Both client and server must be
// configured with the same policy for Unpad to make sense of Pad's output.
type Padding struct {
	Min       int
	Max       int
	BurstMin  int
	BurstMax  int
	BurstProb float64
}

// DefaultPadding mirrors the teacher's representative obfuscation defaults.
func DefaultPadding() Padding {
	return Padding{
		Min:       0,
		Max:       64,
		BurstMin:  128,
		BurstMax:  256,
		BurstProb: 0.02,
	}
}

// Resolve validates and fills in TransportPadding, defaulting when nothing
// was set at all.
func (p TransportPadding) Resolve() (Padding, error) {
	hasAny := p.Min != nil || p.Max != nil || p.BurstMin != nil || p.BurstMax != nil || p.BurstProb != nil
	policy := Padding{}
	if !hasAny {
		policy = DefaultPadding()
	}
	if p.Min != nil {
		policy.Min = *p.Min
	}
	if p.Max != nil {
		policy.Max = *p.Max
	}
	if p.BurstMin != nil {
		policy.BurstMin = *p.BurstMin
	}
	if p.BurstMax != nil {
		policy.BurstMax = *p.BurstMax
	}
	if p.BurstProb != nil {
		policy.BurstProb = *p.BurstProb
	}
	if policy.Min < 0 || policy.Max < 0 || policy.BurstMin < 0 || policy.BurstMax < 0 {
		return Padding{}, fmt.Errorf("padding values must be >= 0")
	}
	if policy.Max < policy.Min {
		return Padding{}, fmt.Errorf("pad_max must be >= pad_min")
	}
	if policy.BurstMax < policy.BurstMin {
		return Padding{}, fmt.Errorf("pad_burst_max must be >= pad_burst_min")
	}
	if policy.BurstProb < 0 || policy.BurstProb > 1 {
		return Padding{}, fmt.Errorf("pad_burst_prob must be between 0 and 1")
	}
	if policy.BurstProb > 0 && policy.BurstMax == 0 {
		return Padding{}, fmt.Errorf("pad_burst_max must be > 0 when pad_burst_prob > 0")
	}
	return policy, nil
}

// Enabled reports whether this policy actually pads anything.
func (p Padding) Enabled() bool {
	return p.Max > 0 || p.BurstProb > 0
}

// Pad prepends a 2-byte big-endian length prefix (so Unpad can recover the
// exact original payload) and appends random filler out to a length chosen
// from [Min, Max], occasionally widened to [BurstMin, BurstMax] at
// probability BurstProb. The filler is clamped so the result does not exceed
// sendMTU; a payload that alone (with its prefix) exceeds sendMTU gets no
// filler and is returned longer than sendMTU.
func (p Padding) Pad(payload []byte, sendMTU int) []byte {
	if !p.Enabled() {
		return payload
	}

	padLen := p.Min
	if p.Max > p.Min {
		padLen += mrand.Intn(p.Max - p.Min + 1)
	}
	if p.BurstProb > 0 && p.BurstMax > p.BurstMin && mrand.Float64() < p.BurstProb {
		padLen = p.BurstMin + mrand.Intn(p.BurstMax-p.BurstMin+1)
	}

	total := 2 + len(payload) + padLen
	if sendMTU > 0 && total > sendMTU {
		padLen = sendMTU - 2 - len(payload)
		if padLen < 0 {
			padLen = 0
		}
	}

	out := make([]byte, 2+len(payload)+padLen)
	binary.BigEndian.PutUint16(out[:2], uint16(len(payload)))
	copy(out[2:], payload)
	_, _ = cryptorand.Read(out[2+len(payload):])
	return out
}

// Unpad reverses Pad, recovering the original payload from its length
// prefix. Input shorter than the prefix, or with an inconsistent length
// field, is returned unchanged rather than panicking.
func (p Padding) Unpad(padded []byte) []byte {
	if !p.Enabled() || len(padded) < 2 {
		return padded
	}
	n := int(binary.BigEndian.Uint16(padded[:2]))
	if n > len(padded)-2 {
		return padded
	}
	return padded[2 : 2+n]
}

package transport

// PaddingPolicy is an optional send-path hook that pads plaintext before
// encryption and strips it back out on receive. spec.md treats the payload
// as opaque octets and never pads it; this is a supplemental, disabled-by-
// default anti-traffic-analysis step — see DESIGN.md. Both ends of a
// Connection must agree on whether padding is enabled, since Unpad has no
// way to recognize unpadded input.
type PaddingPolicy interface {
	Pad(payload []byte, sendMTU int) []byte
	Unpad(padded []byte) []byte
}

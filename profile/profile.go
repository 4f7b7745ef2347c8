package profile

import "github.com/bridgefall/transport"

// Profile is the portable connection profile a server operator hands out to
// clients so a whole fleet agrees on tuning constants and padding behavior
// without each client hand-configuring transport.Tunables.
type Profile struct {
	Name     string             `json:"name"`
	Tunables transport.Tunables `json:"tunables"`
	Padding  TransportPadding   `json:"padding"`
}

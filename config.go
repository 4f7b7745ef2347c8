package transport

// Tunables collects the constants spec §6 asks an implementer to provide.
// Defaults mirror the representative values used by mosh's own network
// layer (see original_source/src/network/network.cc and its aprilsh Go
// port).
type Tunables struct {
	SendMTU    int `json:"send_mtu"`
	ReceiveMTU int `json:"receive_mtu"`

	ServerAssociationTimeoutMillis int64 `json:"server_association_timeout_ms"`
	PortHopIntervalMillis          int64 `json:"port_hop_interval_ms"`

	CongestionTimestampPenalty uint16 `json:"congestion_timestamp_penalty"`

	MinRTOMillis int `json:"min_rto_ms"`
	MaxRTOMillis int `json:"max_rto_ms"`

	PortRangeLow  int `json:"port_range_low"`
	PortRangeHigh int `json:"port_range_high"`
}

// DefaultTunables returns spec §6's representative defaults.
func DefaultTunables() Tunables {
	return Tunables{
		SendMTU:    1280,
		ReceiveMTU: 1280,

		ServerAssociationTimeoutMillis: 40000,
		PortHopIntervalMillis:          10000,

		CongestionTimestampPenalty: 500,

		MinRTOMillis: 50,
		MaxRTOMillis: 1000,

		PortRangeLow:  60001,
		PortRangeHigh: 60999,
	}
}

func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.SendMTU <= 0 {
		t.SendMTU = d.SendMTU
	}
	if t.ReceiveMTU <= 0 {
		t.ReceiveMTU = d.ReceiveMTU
	}
	if t.ServerAssociationTimeoutMillis <= 0 {
		t.ServerAssociationTimeoutMillis = d.ServerAssociationTimeoutMillis
	}
	if t.PortHopIntervalMillis <= 0 {
		t.PortHopIntervalMillis = d.PortHopIntervalMillis
	}
	if t.CongestionTimestampPenalty == 0 {
		t.CongestionTimestampPenalty = d.CongestionTimestampPenalty
	}
	if t.MinRTOMillis <= 0 {
		t.MinRTOMillis = d.MinRTOMillis
	}
	if t.MaxRTOMillis <= 0 {
		t.MaxRTOMillis = d.MaxRTOMillis
	}
	if t.PortRangeLow <= 0 {
		t.PortRangeLow = d.PortRangeLow
	}
	if t.PortRangeHigh <= 0 {
		t.PortRangeHigh = d.PortRangeHigh
	}
	return t
}

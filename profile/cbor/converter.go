package cborprofile

import (
	"encoding/json"
	"fmt"

	"github.com/bridgefall/transport"
	"github.com/bridgefall/transport/profile"
	"github.com/fxamacker/cbor/v2"
)

const Version = 1

const (
	keyVersion  uint64 = 0
	keyName     uint64 = 1
	keyTunables uint64 = 2
	keyPadding  uint64 = 3
)

const (
	keyTunSendMTU         uint64 = 1
	keyTunReceiveMTU      uint64 = 2
	keyTunAssocTimeoutMs  uint64 = 3
	keyTunPortHopMs       uint64 = 4
	keyTunCongestionPenal uint64 = 5
	keyTunMinRTOMs        uint64 = 6
	keyTunMaxRTOMs        uint64 = 7
	keyTunPortRangeLow    uint64 = 8
	keyTunPortRangeHigh   uint64 = 9
)

const (
	keyPadMin       uint64 = 1
	keyPadMax       uint64 = 2
	keyPadBurstMin  uint64 = 3
	keyPadBurstMax  uint64 = 4
	keyPadBurstProb uint64 = 5
)

// EncodeProfile converts a profile into deterministic CBOR bytes, the same
// canonical encoding the teacher used for its connection profile.
func EncodeProfile(p profile.Profile) ([]byte, error) {
	payload := map[uint64]any{
		keyVersion: uint64(Version),
	}
	if p.Name != "" {
		payload[keyName] = p.Name
	}
	if tun := encodeTunables(p.Tunables); len(tun) > 0 {
		payload[keyTunables] = tun
	}
	if pad := encodePadding(p.Padding); len(pad) > 0 {
		payload[keyPadding] = pad
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// DecodeProfile parses CBOR bytes into a profile.
func DecodeProfile(data []byte) (profile.Profile, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return profile.Profile{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return profile.Profile{}, err
	}
	version, ok := raw[keyVersion]
	if !ok {
		return profile.Profile{}, fmt.Errorf("cbor profile missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("cbor profile version invalid: %w", err)
	}
	if versionInt != Version {
		return profile.Profile{}, fmt.Errorf("unsupported cbor profile version %d", versionInt)
	}

	var out profile.Profile
	if v, ok := raw[keyName]; ok {
		out.Name, err = asString(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("name: %w", err)
		}
	}
	if v, ok := raw[keyTunables]; ok {
		tun, err := decodeTunables(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("tunables: %w", err)
		}
		out.Tunables = tun
	}
	if v, ok := raw[keyPadding]; ok {
		pad, err := decodePadding(v)
		if err != nil {
			return profile.Profile{}, fmt.Errorf("padding: %w", err)
		}
		out.Padding = pad
	}
	return out, nil
}

// EncodeJSONProfile converts a JSON profile into CBOR bytes.
func EncodeJSONProfile(jsonData []byte) ([]byte, error) {
	var p profile.Profile
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, err
	}
	return EncodeProfile(p)
}

// DecodeCBORToJSON converts CBOR bytes into an indented JSON profile.
func DecodeCBORToJSON(data []byte) ([]byte, error) {
	p, err := DecodeProfile(data)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(p, "", "  ")
}

func encodeTunables(t transport.Tunables) map[uint64]any {
	out := make(map[uint64]any)
	if t.SendMTU != 0 {
		out[keyTunSendMTU] = uint64(t.SendMTU)
	}
	if t.ReceiveMTU != 0 {
		out[keyTunReceiveMTU] = uint64(t.ReceiveMTU)
	}
	if t.ServerAssociationTimeoutMillis != 0 {
		out[keyTunAssocTimeoutMs] = uint64(t.ServerAssociationTimeoutMillis)
	}
	if t.PortHopIntervalMillis != 0 {
		out[keyTunPortHopMs] = uint64(t.PortHopIntervalMillis)
	}
	if t.CongestionTimestampPenalty != 0 {
		out[keyTunCongestionPenal] = uint64(t.CongestionTimestampPenalty)
	}
	if t.MinRTOMillis != 0 {
		out[keyTunMinRTOMs] = uint64(t.MinRTOMillis)
	}
	if t.MaxRTOMillis != 0 {
		out[keyTunMaxRTOMs] = uint64(t.MaxRTOMillis)
	}
	if t.PortRangeLow != 0 {
		out[keyTunPortRangeLow] = uint64(t.PortRangeLow)
	}
	if t.PortRangeHigh != 0 {
		out[keyTunPortRangeHigh] = uint64(t.PortRangeHigh)
	}
	return out
}

func decodeTunables(value any) (transport.Tunables, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return transport.Tunables{}, fmt.Errorf("expected map: %w", err)
	}
	var out transport.Tunables
	if v, ok := raw[keyTunSendMTU]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.SendMTU = int(val)
	}
	if v, ok := raw[keyTunReceiveMTU]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.ReceiveMTU = int(val)
	}
	if v, ok := raw[keyTunAssocTimeoutMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.ServerAssociationTimeoutMillis = int64(val)
	}
	if v, ok := raw[keyTunPortHopMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.PortHopIntervalMillis = int64(val)
	}
	if v, ok := raw[keyTunCongestionPenal]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.CongestionTimestampPenalty = uint16(val)
	}
	if v, ok := raw[keyTunMinRTOMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.MinRTOMillis = int(val)
	}
	if v, ok := raw[keyTunMaxRTOMs]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.MaxRTOMillis = int(val)
	}
	if v, ok := raw[keyTunPortRangeLow]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.PortRangeLow = int(val)
	}
	if v, ok := raw[keyTunPortRangeHigh]; ok {
		val, err := asUint(v)
		if err != nil {
			return transport.Tunables{}, err
		}
		out.PortRangeHigh = int(val)
	}
	return out, nil
}

func encodePadding(p profile.TransportPadding) map[uint64]any {
	out := make(map[uint64]any)
	if p.Min != nil {
		out[keyPadMin] = uint64(*p.Min)
	}
	if p.Max != nil {
		out[keyPadMax] = uint64(*p.Max)
	}
	if p.BurstMin != nil {
		out[keyPadBurstMin] = uint64(*p.BurstMin)
	}
	if p.BurstMax != nil {
		out[keyPadBurstMax] = uint64(*p.BurstMax)
	}
	if p.BurstProb != nil {
		out[keyPadBurstProb] = *p.BurstProb
	}
	return out
}

func decodePadding(value any) (profile.TransportPadding, error) {
	raw, err := asMapUint(value)
	if err != nil {
		return profile.TransportPadding{}, fmt.Errorf("expected map: %w", err)
	}
	var out profile.TransportPadding
	if v, ok := raw[keyPadMin]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		valInt := int(val)
		out.Min = &valInt
	}
	if v, ok := raw[keyPadMax]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		valInt := int(val)
		out.Max = &valInt
	}
	if v, ok := raw[keyPadBurstMin]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		valInt := int(val)
		out.BurstMin = &valInt
	}
	if v, ok := raw[keyPadBurstMax]; ok {
		val, err := asUint(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		valInt := int(val)
		out.BurstMax = &valInt
	}
	if v, ok := raw[keyPadBurstProb]; ok {
		val, err := asFloat(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		out.BurstProb = &val
	}
	return out, nil
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asString(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string got %T", value)
	}
	return str, nil
}

func asFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected float got %T", value)
	}
}

func asMapUint(value any) (map[uint64]any, error) {
	switch m := value.(type) {
	case map[uint64]any:
		return m, nil
	case map[any]any:
		out := make(map[uint64]any, len(m))
		for key, val := range m {
			k, err := asUint(key)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", value)
	}
}

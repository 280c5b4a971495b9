package protocol

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	relayEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	relayDecoder, _ = zstd.NewReader(nil)
)

// NewRelay wraps payload for zoneID. Payloads of at least compressMin bytes
// are zstd-compressed; compressMin <= 0 disables compression.
func NewRelay(zoneID string, epoch uint64, payload []byte, compressMin int) RelayMsg {
	m := RelayMsg{
		Type:            TypeRelay,
		ProtocolVersion: Version,
		ZoneID:          zoneID,
		Epoch:           epoch,
		Encoding:        EncodingRaw,
		Data:            payload,
	}
	if m.Data == nil {
		m.Data = []byte{}
	}
	if compressMin > 0 && len(payload) >= compressMin {
		m.Encoding = EncodingZstd
		m.Data = relayEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}
	return m
}

// Payload returns the wrapped message bytes.
func (m RelayMsg) Payload() ([]byte, error) {
	switch m.Encoding {
	case EncodingRaw, "":
		return m.Data, nil
	case EncodingZstd:
		return relayDecoder.DecodeAll(m.Data, nil)
	default:
		return nil, fmt.Errorf("unknown relay encoding %q", m.Encoding)
	}
}

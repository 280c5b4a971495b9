package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	// client -> server
	TypeHello      = "HELLO"
	TypeMove       = "MOVE"
	TypeSwitchZone = "SWITCH_ZONE"
	TypeRespawn    = "RESPAWN"

	// server -> client
	TypeWelcome          = "WELCOME"
	TypeError            = "ERROR"
	TypeZoneTransfer     = "ZONE_TRANSFER"
	TypeZoneOpen         = "ZONE_OPEN"
	TypeZoneClose        = "ZONE_CLOSE"
	TypeTransactionStart = "TRANSACTION_START"
	TypeTransactionEnd   = "TRANSACTION_END"
	TypeRelay            = "RELAY"

	// zone-native payloads, sent directly for the primary zone or wrapped in RELAY
	TypeChunkLoad   = "CHUNK_LOAD"
	TypeChunkUnload = "CHUNK_UNLOAD"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

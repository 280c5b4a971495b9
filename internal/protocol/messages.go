package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	AgentName       string            `json:"agent_name"`
	ZoneID          string            `json:"zone_id,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type                 string     `json:"type"`
	ProtocolVersion      string     `json:"protocol_version"`
	SessionID            string     `json:"session_id"`
	AgentID              string     `json:"agent_id"`
	Zone                 ZoneRef    `json:"zone"`
	Pos                  [3]float64 `json:"pos"`
	TickRateHz           int        `json:"tick_rate_hz"`
	ViewDistance         int        `json:"view_distance"`
	VerticalViewDistance int        `json:"vertical_view_distance"`
	Zones                []ZoneRef  `json:"zones"`
}

type ZoneRef struct {
	ZoneID     string `json:"zone_id"`
	Kind       string `json:"kind"`
	Addressing string `json:"addressing"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// MOVE (client -> server): new primary position.
type MoveMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// SWITCH_ZONE (client -> server): move the primary agent to another zone.
type SwitchZoneMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ZoneID          string      `json:"zone_id"`
	Pos             *[3]float64 `json:"pos,omitempty"`
}

// RESPAWN (client -> server): recreate the primary agent at the default spawn.
type RespawnMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// ZONE_TRANSFER (server -> client), sent after every surrogate zone of the
// old placement has been closed.
type ZoneTransferMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Zone            ZoneRef    `json:"zone"`
	Pos             [3]float64 `json:"pos"`
	Reason          string     `json:"reason"`
}

type ZoneOpenMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ZoneID          string `json:"zone_id"`
	Kind            string `json:"kind"`
	Addressing      string `json:"addressing"`
	Epoch           uint64 `json:"epoch"`
}

type ZoneCloseMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ZoneID          string `json:"zone_id"`
	Epoch           uint64 `json:"epoch"`
}

type TransactionStartMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
}

type TransactionEndMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
}

// Relay encodings.
const (
	EncodingRaw  = "raw"
	EncodingZstd = "zstd"
)

// RELAY wraps one zone-native message produced for a surrogate agent.
// Data is base64 on the wire.
type RelayMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ZoneID          string `json:"zone_id"`
	Epoch           uint64 `json:"epoch"`
	Encoding        string `json:"encoding"`
	Data            []byte `json:"data"`
}

// CHUNK_LOAD carries one cell of zone content. Columnar zones address
// columns (cell[1] is always 0).
type ChunkLoadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ZoneID          string `json:"zone_id"`
	Addressing      string `json:"addressing"`
	Cell            [3]int `json:"cell"`
	Encoding        string `json:"encoding"`
	Data            string `json:"data"`
}

type ChunkUnloadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ZoneID          string `json:"zone_id"`
	Addressing      string `json:"addressing"`
	Cell            [3]int `json:"cell"`
}

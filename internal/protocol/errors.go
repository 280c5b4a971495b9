package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Zone routing/state.
	ErrZoneNotFound = "E_ZONE_NOT_FOUND"
	ErrZoneBusy     = "E_ZONE_BUSY"

	// Session.
	ErrConsistency = "E_CONSISTENCY"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrZoneNotFound:    {},
	ErrZoneBusy:        {},
	ErrConsistency:     {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package at

import (
	"strconv"
	"strings"
)

// Event is a parsed unsolicited result code. The concrete types below
// correspond to the URCs in the module's AT manual.
type Event interface {
	// Line returns the raw URC line the event was parsed from.
	Line() string
}

type rawLine string

func (r rawLine) Line() string { return string(r) }

// Startup signals a module boot or unexpected reset ("+STARTUP").
type Startup struct{ rawLine }

// NetworkUp signals an interface obtained network connectivity ("+UUNU").
type NetworkUp struct {
	rawLine
	Interface int
}

// NetworkDown signals an interface lost network connectivity ("+UUND").
type NetworkDown struct {
	rawLine
	Interface int
}

// LinkConnected signals a WiFi link association ("+UUWLE").
type LinkConnected struct {
	rawLine
	ConnID  int
	BSSID   string
	Channel int
}

// LinkDisconnected signals a WiFi link loss ("+UUWLD").
type LinkDisconnected struct {
	rawLine
	ConnID int
	Reason int
}

// APUp signals the access point came up ("+UUWAPU").
type APUp struct {
	rawLine
	ConfigID int
}

// APDown signals the access point went down ("+UUWAPD").
type APDown struct {
	rawLine
	ConfigID int
}

// PeerConnected signals a data peer connected ("+UUDPC").
type PeerConnected struct {
	rawLine
	Handle int
}

// PeerDisconnected signals a data peer disconnected ("+UUDPD").
type PeerDisconnected struct {
	rawLine
	Handle int
}

// Unknown carries a URC-classified line with no dedicated parser.
type Unknown struct{ rawLine }

// ParseURC parses one URC line into a typed event. Lines that are not URCs
// return ok == false. Malformed fields parse as zero values rather than
// failing; a URC is informational and must never poison the receive path.
func ParseURC(line string) (ev Event, ok bool) {
	raw := rawLine(line)

	if Classify(line) == TypeStartup {
		return Startup{raw}, true
	}
	if Classify(line) != TypeURC {
		return nil, false
	}

	switch {
	case strings.HasPrefix(line, UrcNetworkUp):
		return NetworkUp{raw, field(line, UrcNetworkUp, 0)}, true
	case strings.HasPrefix(line, UrcNetworkDown):
		return NetworkDown{raw, field(line, UrcNetworkDown, 0)}, true
	case strings.HasPrefix(line, UrcLinkConnected):
		return LinkConnected{
			rawLine: raw,
			ConnID:  field(line, UrcLinkConnected, 0),
			BSSID:   fieldString(line, UrcLinkConnected, 1),
			Channel: field(line, UrcLinkConnected, 2),
		}, true
	case strings.HasPrefix(line, UrcLinkDisconnected):
		return LinkDisconnected{
			rawLine: raw,
			ConnID:  field(line, UrcLinkDisconnected, 0),
			Reason:  field(line, UrcLinkDisconnected, 1),
		}, true
	case strings.HasPrefix(line, UrcAPUp):
		return APUp{raw, field(line, UrcAPUp, 0)}, true
	case strings.HasPrefix(line, UrcAPDown):
		return APDown{raw, field(line, UrcAPDown, 0)}, true
	case strings.HasPrefix(line, UrcPeerConnected):
		return PeerConnected{raw, field(line, UrcPeerConnected, 0)}, true
	case strings.HasPrefix(line, UrcPeerDisconnected):
		return PeerDisconnected{raw, field(line, UrcPeerDisconnected, 0)}, true
	default:
		return Unknown{raw}, true
	}
}

// ParsePeerHandle extracts the peer handle from a "+UDCP:<handle>"
// intermediate response line.
func ParsePeerHandle(line string) (int, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), RespConnectPeer)
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return h, true
}

func field(line, prefix string, idx int) int {
	n, _ := strconv.Atoi(fieldString(line, prefix, idx))
	return n
}

func fieldString(line, prefix string, idx int) string {
	rest := strings.TrimPrefix(line, prefix)
	parts := strings.Split(rest, ",")
	if idx >= len(parts) {
		return ""
	}
	return strings.Trim(strings.TrimSpace(parts[idx]), `"`)
}

// Package at defines the AT command grammar spoken by u-blox short-range
// modules (ODIN-W2, NINA, ANNA families): command builders, response
// terminators and the unsolicited result codes (URCs) the modules emit.
package at

import "fmt"

const (
	// Terminal control
	CRLF = "\r\n"

	// Final response codes
	OK    = "OK"
	ERROR = "ERROR"

	// URCs (Unsolicited Result Codes)
	UrcStartup          = "+STARTUP"
	UrcNetworkUp        = "+UUNU:"
	UrcNetworkDown      = "+UUND:"
	UrcLinkConnected    = "+UUWLE:"
	UrcLinkDisconnected = "+UUWLD:"
	UrcAPUp             = "+UUWAPU:"
	UrcAPDown           = "+UUWAPD:"
	UrcPeerConnected    = "+UUDPC:"
	UrcPeerDisconnected = "+UUDPD:"

	// Intermediate response prefixes
	RespConnectPeer = "+UDCP:"
)

// ResponseType is the coarse classification of one line of module output.
type ResponseType int

const (
	TypeFinal   ResponseType = iota // OK, ERROR
	TypeURC                         // Asynchronous notifications
	TypeData                        // Intermediate command output (+UDCP: ...)
	TypeStartup                     // Module (re)boot banner
)

// Station configuration parameter tags for AT+UWSC (WiFi station
// configuration). Only the tags the driver sets are listed.
const (
	TagActiveOnStartup = 0
	TagSSID            = 2
	TagAuthentication  = 5
	TagPassphrase      = 8
)

// Authentication values for TagAuthentication.
const (
	AuthOpen       = 1
	AuthWpaWpa2Psk = 2
)

// AT+UWSCA station configuration actions.
const (
	ActionStore      = 1
	ActionLoad       = 2
	ActionActivate   = 3
	ActionDeactivate = 4
)

// Attention is the liveness probe sent during boot.
func Attention() string { return "AT" }

// EchoOff disables command echo; the splitter assumes echo is off.
func EchoOff() string { return "ATE0" }

// EnterEDM switches the module into extended data mode. The module answers
// with an EDM start event frame, not an AT response line.
func EnterEDM() string { return "ATO2" }

// StationSetSSID builds the AT+UWSC command setting the station SSID.
func StationSetSSID(configID int, ssid string) string {
	return fmt.Sprintf(`AT+UWSC=%d,%d,"%s"`, configID, TagSSID, ssid)
}

// StationSetAuth builds the AT+UWSC command selecting the authentication mode.
func StationSetAuth(configID, auth int) string {
	return fmt.Sprintf("AT+UWSC=%d,%d,%d", configID, TagAuthentication, auth)
}

// StationSetPassphrase builds the AT+UWSC command setting the WPA passphrase.
func StationSetPassphrase(configID int, passphrase string) string {
	return fmt.Sprintf(`AT+UWSC=%d,%d,"%s"`, configID, TagPassphrase, passphrase)
}

// StationActivate builds the AT+UWSCA command applying a station config.
func StationActivate(configID int) string {
	return fmt.Sprintf("AT+UWSCA=%d,%d", configID, ActionActivate)
}

// StationDeactivate builds the AT+UWSCA command tearing a station config down.
func StationDeactivate(configID int) string {
	return fmt.Sprintf("AT+UWSCA=%d,%d", configID, ActionDeactivate)
}

// ConnectPeer builds the AT+UDCP command opening a data connection to url.
// The module answers with "+UDCP:<peer_handle>" followed by OK.
func ConnectPeer(url string) string {
	return fmt.Sprintf("AT+UDCP=%s", url)
}

// ClosePeer builds the AT+UDCPC command closing a peer connection.
func ClosePeer(peerHandle int) string {
	return fmt.Sprintf("AT+UDCPC=%d", peerHandle)
}

// PeerURL renders a remote endpoint as the URL form AT+UDCP expects,
// e.g. "tcp://10.0.0.5:80/".
func PeerURL(scheme, host string, port uint16) string {
	return fmt.Sprintf("%s://%s:%d/", scheme, host, port)
}

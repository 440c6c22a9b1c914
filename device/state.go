package device

// State tracks module readiness from power-up through network attachment.
// All socket and network operations gate on the state they require and fail
// with ErrNotReady otherwise; nothing is queued until the device is ready.
//
// States sort by readiness: command submission requires StateEdmMode or
// later, so every state that cannot accept commands sorts below it.
type State int

const (
	// StateOff means no live session with the module exists. This is both
	// the initial state and the terminal state after a reset cascade.
	StateOff State = iota
	// StateBooting means the liveness handshake is in progress.
	StateBooting
	// StateResetting is the transient state while a module reset cascade
	// invalidates sockets and the pending command.
	StateResetting
	// StateAtMode means the module answers AT commands as raw text lines.
	StateAtMode
	// StateEdmMode means extended data mode is active: all traffic is EDM
	// framed. Socket operations additionally require StateJoined.
	StateEdmMode
	// StateJoining means a network join has been requested and the driver
	// is waiting for the confirmation URC.
	StateJoining
	// StateJoined means the network interface is up.
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "Off"
	case StateBooting:
		return "Booting"
	case StateAtMode:
		return "AtMode"
	case StateEdmMode:
		return "EdmMode"
	case StateJoining:
		return "Joining"
	case StateJoined:
		return "Joined"
	case StateResetting:
		return "Resetting"
	default:
		return "Unknown"
	}
}

// Family selects the u-blox short-range part the driver talks to. The
// command grammar is shared; the family gates which radios exist.
type Family int

const (
	FamilyODINW2 Family = iota
	FamilyNINAW13
	FamilyNINAB112
	FamilyANNAB112
)

func (f Family) String() string {
	switch f {
	case FamilyODINW2:
		return "ODIN-W2"
	case FamilyNINAW13:
		return "NINA-W13"
	case FamilyNINAB112:
		return "NINA-B112"
	case FamilyANNAB112:
		return "ANNA-B112"
	default:
		return "Unknown"
	}
}

// HasWiFi reports whether the family carries a WiFi radio.
func (f Family) HasWiFi() bool {
	switch f {
	case FamilyODINW2, FamilyNINAW13:
		return true
	}
	return false
}

package device

import "errors"

var (
	// ErrBusy is returned when a command is submitted while another command
	// is still in flight. The command channel never queues; callers retry
	// after the pending command completes.
	ErrBusy = errors.New("command channel busy")

	// ErrTimeout is returned when no terminal response arrives within the
	// command's timeout budget. The channel is free again afterwards.
	ErrTimeout = errors.New("command timeout")

	// ErrNotReady is returned when an operation requires a device or network
	// state the device is not in. Operations are never queued until ready.
	ErrNotReady = errors.New("device not ready")

	// ErrTableFull is returned by Connect when every socket slot is in use.
	// The table capacity is fixed at MaxSockets.
	ErrTableFull = errors.New("socket table full")

	// ErrInvalidHandle is returned for operations on an unknown or stale
	// socket id, including sockets invalidated by a module reset.
	ErrInvalidHandle = errors.New("invalid socket handle")

	// ErrProtocol is returned when the module replies with something the
	// driver cannot interpret for the pending command.
	ErrProtocol = errors.New("protocol error")

	// ErrFatal is returned when the boot sequence exhausts its retry budget
	// or the module resets underneath the driver. Recovery requires a full
	// reinitialization via New.
	ErrFatal = errors.New("fatal device failure")

	// ErrNotSupported is returned when the configured module family lacks
	// the radio an operation needs (e.g. WiFi on a Bluetooth-only part).
	ErrNotSupported = errors.New("not supported by module family")

	// ErrNoDialer is returned when a Device is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNoTransport is returned when the dialer produces a nil transport.
	ErrNoTransport = errors.New("dialer returned no transport")

	// ErrAlreadyClosed is returned when Close is called on a Device that has
	// already been closed.
	ErrAlreadyClosed = errors.New("device already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop call
	// is still active. Exactly one Loop services a Device.
	ErrLoopRunning = errors.New("loop already running")
)

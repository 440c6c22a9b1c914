package device

import (
	"context"
	"io"
)

// Transport represents an established, bidirectional byte stream to a u-blox
// short-range module.
//
// A Transport is assumed to be already connected and ready for use. It
// provides the low-level I/O primitives required to send AT commands, EDM
// frames and receive module traffic. Typical implementations include serial
// ports, TCP connections to emulators, or in-memory fakes used for testing.
//
// The driver imposes no framing assumptions on a Transport beyond raw byte
// delivery. A Read that returns (0, nil) is treated as "no data yet" (serial
// ports with a read timeout behave this way) and is retried.
type Transport interface {
	io.ReadWriteCloser
}

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=device

// Dialer opens a Transport to a u-blox short-range module.
//
// Dialer abstracts how the module connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during device construction only. Once a Transport is obtained, the Dialer
// is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport.
	// It may perform blocking operations and should respect cancellation and
	// deadlines provided by the context. Dial returns an error if the
	// transport cannot be established.
	Dial(ctx context.Context) (Transport, error)
}

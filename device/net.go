package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"i4.energy/across/shortrange/at"
)

// Connect opens a logical socket to host:port over the given protocol. It
// requires a joined network, allocates a slot (ErrTableFull when the fixed
// table is exhausted), issues the peer connect command and waits for the
// module's connect event to bind the data channel.
//
// On any failure the slot is released and the error returned; nothing is
// retried automatically.
func (d *Device) Connect(ctx context.Context, proto Proto, host string, port uint16) (SocketID, error) {
	if d.State() != StateJoined {
		return 0, fmt.Errorf("%w: network not joined", ErrNotReady)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return 0, fmt.Errorf("parse remote address %q: %w", host, err)
	}

	id, gen, bound, err := d.sockets.alloc(proto, addr, port)
	if err != nil {
		return 0, err
	}

	resp, err := d.exec(ctx, at.ConnectPeer(at.PeerURL(proto.scheme(), host, port)))
	if err != nil {
		d.sockets.release(id, gen)
		return 0, fmt.Errorf("connect %s %s:%d: %w", proto, host, port, err)
	}

	handle, ok := peerHandleFrom(resp)
	if !ok {
		d.sockets.release(id, gen)
		return 0, fmt.Errorf("%w: no peer handle in %q", ErrProtocol, resp)
	}
	if err := d.sockets.setPeerHandle(id, handle); err != nil {
		return 0, err
	}

	// The channel binds when the module's connect event arrives.
	select {
	case err := <-bound:
		if err != nil {
			d.sockets.release(id, gen)
			return 0, fmt.Errorf("connect %s %s:%d: %w", proto, host, port, err)
		}
		return id, nil
	case <-ctx.Done():
		// A late connect event will find no opening socket and be dropped.
		d.sockets.release(id, gen)
		return 0, fmt.Errorf("connect %s %s:%d: %w", proto, host, port, ctx.Err())
	}
}

// Send queues bytes for transmission on an open socket and wakes the loop
// to flush them as EDM data frames. The returned count may be smaller than
// len(p) when the bounded tx buffer fills; a partial write is a normal
// outcome the caller handles by retrying the remainder.
func (d *Device) Send(id SocketID, p []byte) (int, error) {
	if s := d.State(); s < StateEdmMode {
		return 0, fmt.Errorf("%w: state %s", ErrNotReady, s)
	}
	n, err := d.sockets.send(id, p)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		select {
		case d.flushC <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Receive drains buffered inbound bytes into p without blocking. A zero
// count with a nil error means nothing is buffered yet.
func (d *Device) Receive(id SocketID, p []byte) (int, error) {
	return d.sockets.receive(id, p)
}

// CloseSocket closes a socket and releases its slot, invalidating the id.
// A close command that times out or is rejected is treated as best-effort
// success so the slot can never leak. ErrBusy is the exception: the close
// command never reached the wire, so the socket stays open and the caller
// retries.
func (d *Device) CloseSocket(ctx context.Context, id SocketID) error {
	handle, gen, err := d.sockets.beginClose(id)
	if err != nil {
		return err
	}
	if _, err := d.exec(ctx, at.ClosePeer(handle)); err != nil {
		if errors.Is(err, ErrBusy) {
			d.sockets.abortClose(id, gen)
			return err
		}
		d.log.Warn("close command failed, releasing socket anyway",
			"socket", int(id), "error", err)
	}
	// The disconnect event usually reclaims the slot first; a stale release
	// is a no-op either way.
	d.sockets.release(id, gen)
	return nil
}

// peerHandleFrom scans response lines for the +UDCP intermediate response.
func peerHandleFrom(resp string) (int, bool) {
	for _, line := range strings.Split(resp, "\n") {
		if h, ok := at.ParsePeerHandle(line); ok {
			return h, true
		}
	}
	return 0, false
}

// Conn is a convenience wrapper giving a connection-style surface over a
// SocketID. Read is non-blocking like Receive and returns (0, nil) when no
// data is buffered.
type Conn struct {
	d  *Device
	id SocketID
}

// Dial opens a socket and wraps it in a Conn.
func (d *Device) Dial(ctx context.Context, proto Proto, host string, port uint16) (*Conn, error) {
	id, err := d.Connect(ctx, proto, host, port)
	if err != nil {
		return nil, err
	}
	return &Conn{d: d, id: id}, nil
}

// ID returns the underlying socket id.
func (c *Conn) ID() SocketID { return c.id }

func (c *Conn) Read(p []byte) (int, error) {
	return c.d.Receive(c.id, p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.d.Send(c.id, p)
}

func (c *Conn) Close() error {
	return c.d.CloseSocket(context.Background(), c.id)
}

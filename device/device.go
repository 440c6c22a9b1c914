// Package device drives a u-blox short-range radio module (ODIN-W2, NINA,
// ANNA families) over a byte transport, exposing a socket-style networking
// surface on top of the module's AT command and extended data mode (EDM)
// protocol.
//
// A Device is created with New, which boots the module and switches it into
// EDM. Loop must then run (typically in a goroutine); it is the only code
// that touches the transport afterwards and it services responses, URCs and
// socket payload frames in wire order.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/edm"
)

// Device represents one u-blox short-range module.
type Device struct {
	// transport provides the physical connection to the module.
	transport Transport
	// config contains the device configuration settings.
	config Config
	log    *slog.Logger

	// mu guards state, closed, loopRunning and joinWait. Everything else
	// is either owned by the event loop or locks internally.
	mu          sync.Mutex
	state       State
	closed      bool
	loopRunning bool
	// joinWait receives the outcome of an in-flight network join.
	joinWait chan error

	// sockets is the logical socket table.
	sockets *registry

	// dec reassembles EDM frames; owned by boot, then by the loop.
	dec edm.Decoder
	// pending holds raw bytes read during boot that were not consumed by
	// the line phase; they are handed to the decoder before the loop runs.
	pending []byte

	// urcChan receives parsed Unsolicited Result Codes.
	urcChan chan at.Event
	// commands submits AT command requests to the loop. At most one command
	// is in flight; inflight is the admission gate and the loop clears it
	// when the command completes.
	commands chan *commandRequest
	inflight atomic.Bool
	// flushC wakes the loop to drain queued socket tx data.
	flushC chan struct{}
}

// commandRequest represents an AT command request to be executed by the
// loop.
type commandRequest struct {
	// cmd is the AT command string, without line terminator.
	cmd string
	// timeout is the response budget for this command.
	timeout time.Duration
	// respChan receives the command response from the loop. Buffered so an
	// abandoned caller never blocks the loop.
	respChan chan commandResponse
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	// response contains the intermediate response lines joined by newlines.
	response string
	// err contains any error that occurred during command execution.
	err error
}

// New creates a Device, dials the transport and runs the boot sequence:
// liveness probing with bounded retries, echo off, and the switch into
// extended data mode. On return the device is in StateEdmMode and Loop must
// be started before any command or socket operation.
func New(ctx context.Context, config Config) (*Device, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNoTransport
	}

	d := &Device{
		transport: transport,
		config:    config,
		log:       config.Logger,
		state:     StateOff,
		sockets:   newRegistry(config.Logger),
		urcChan:   make(chan at.Event, 100), // Buffered to prevent blocking on URCs
		commands:  make(chan *commandRequest),
		flushC:    make(chan struct{}, 1),
	}

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}

	if err := d.boot(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize device: %w", err)
	}

	return d, nil
}

// boot brings the module from power-on to extended data mode. It owns the
// transport until it returns; the loop takes over afterwards.
func (d *Device) boot(ctx context.Context) error {
	d.setState(StateBooting)

	// Liveness: the module may still be starting up, so probe with bounded
	// retries and doubling backoff. Exhausting the budget is fatal.
	backoff := d.config.BootBackoff
	var lastErr error
	alive := false
	for attempt := 0; attempt < d.config.BootRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrFatal, ctx.Err())
			}
			backoff *= 2
		}
		if _, lastErr = d.execDirect(ctx, at.Attention()); lastErr == nil {
			alive = true
			break
		}
	}
	if !alive {
		return fmt.Errorf("%w: module not responding after %d attempts: %w",
			ErrFatal, d.config.BootRetries, lastErr)
	}

	if _, err := d.execDirect(ctx, at.EchoOff()); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	d.setState(StateAtMode)

	// Switch to extended data mode. The module acknowledges with an EDM
	// start event frame instead of an AT response line.
	if err := d.enterEDM(ctx); err != nil {
		return fmt.Errorf("enter extended data mode: %w", err)
	}
	d.setState(StateEdmMode)

	return nil
}

// execDirect executes an AT command directly on the transport during boot,
// before the loop owns the I/O. Lines are assembled from raw reads;
// leftover bytes stay in d.pending for the next phase.
func (d *Device) execDirect(ctx context.Context, cmd string) (string, error) {
	if _, err := d.transport.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	deadline := time.Now().Add(d.config.ATTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}

	var lines []string
	buf := make([]byte, 256)
	for {
		if line, ok := d.nextLine(); ok {
			if line == "" {
				continue
			}
			switch at.Classify(line) {
			case at.TypeFinal:
				lines = append(lines, line)
				response := strings.Join(lines, "\n")
				if line == at.OK {
					return response, nil
				}
				return response, errors.New(line)
			case at.TypeData:
				lines = append(lines, line)
			case at.TypeURC, at.TypeStartup:
				// Not meaningful before the loop runs.
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return strings.Join(lines, "\n"), err
		}
		if time.Now().After(deadline) {
			return strings.Join(lines, "\n"), ErrTimeout
		}
		n, err := d.transport.Read(buf)
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
		}
		if err != nil {
			return strings.Join(lines, "\n"), fmt.Errorf("read error: %w", err)
		}
		if n == 0 {
			// Transport read timeout tick; poll again shortly.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// nextLine pops one CRLF-terminated line from the boot read buffer.
func (d *Device) nextLine() (string, bool) {
	advance, token, _ := at.Splitter(d.pending, false)
	if advance == 0 {
		return "", false
	}
	d.pending = d.pending[advance:]
	return string(token), true
}

// enterEDM sends ATO2 and waits for the module's EDM start event frame.
// Any bytes left over from the line phase are fed to the frame decoder
// first, so nothing on the wire is lost across the mode switch.
func (d *Device) enterEDM(ctx context.Context) error {
	if _, err := d.transport.Write([]byte(at.EnterEDM() + "\r")); err != nil {
		return fmt.Errorf("write command %q: %w", at.EnterEDM(), err)
	}

	d.dec.Write(d.pending)
	d.pending = nil

	deadline := time.Now().Add(d.config.ATTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}

	buf := make([]byte, 256)
	for {
		for {
			f, ok := d.dec.Next()
			if !ok {
				break
			}
			if f.Type == edm.TypeStartEvent {
				return nil
			}
			// Anything else before the start event is mode-switch noise.
			d.log.Debug("frame before EDM start event dropped", "type", f.Type.String())
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		n, err := d.transport.Read(buf)
		if n > 0 {
			d.dec.Write(buf[:n])
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// exec submits an AT command to the loop and waits for its terminal
// response. At most one command is ever in flight; a submit while the loop
// is busy fails immediately with ErrBusy instead of queueing. The loop must
// be running.
func (d *Device) exec(ctx context.Context, cmd string) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrAlreadyClosed
	}
	if d.state < StateEdmMode {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrNotReady, d.state)
	}
	d.mu.Unlock()

	req := &commandRequest{
		cmd:      cmd,
		timeout:  d.config.ATTimeout,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < req.timeout {
			req.timeout = until
		}
	}

	if !d.inflight.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	select {
	case d.commands <- req:
	case <-ctx.Done():
		d.inflight.Store(false)
		return "", ctx.Err()
	}

	select {
	case resp := <-req.respChan:
		return resp.response, resp.err
	case <-ctx.Done():
		// Abandoned await: the loop completes the command internally and
		// discards the result into the buffered channel.
		return "", fmt.Errorf("command abandoned: %w", ctx.Err())
	}
}

// URC returns a read-only channel that receives parsed Unsolicited Result
// Codes: network up/down, link and peer events, module startup. The channel
// is buffered, but may drop events if not consumed fast enough.
func (d *Device) URC() <-chan at.Event {
	return d.urcChan
}

// State reports the device lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Ready reports whether the network is joined and socket operations may
// proceed.
func (d *Device) Ready() bool {
	return d.State() == StateJoined
}

// Family reports the configured module family.
func (d *Device) Family() Family {
	return d.config.Family
}

// FreeSockets reports how many socket slots are available.
func (d *Device) FreeSockets() int {
	return d.sockets.freeCount()
}

// SocketState reports the lifecycle state of a socket id; Closed for
// invalid or reclaimed ids.
func (d *Device) SocketState(id SocketID) SocketState {
	return d.sockets.stateOf(id)
}

// Close shuts down the device and releases all resources. It closes the
// transport, which stops the loop. After calling Close the device cannot be
// reused.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrAlreadyClosed
	}
	d.closed = true
	d.mu.Unlock()

	if d.transport != nil {
		return d.transport.Close()
	}
	return nil
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

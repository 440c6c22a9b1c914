package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/edm"
)

// loopState is the loop-local view of the single in-flight command.
type loopState struct {
	cur      *commandRequest
	lines    []string
	timer    *time.Timer
	timeoutC <-chan time.Time
	// inflight is the device's admission gate; finish releases it.
	inflight *atomic.Bool
}

// accept arms the timeout for a newly accepted command.
func (ls *loopState) accept(req *commandRequest) {
	ls.cur = req
	ls.lines = nil
	ls.timer = time.NewTimer(req.timeout)
	ls.timeoutC = ls.timer.C
}

// finish completes the in-flight command and frees the channel.
func (ls *loopState) finish(resp commandResponse) {
	if ls.cur == nil {
		return
	}
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.cur.respChan <- resp
	ls.cur = nil
	ls.lines = nil
	ls.timer = nil
	ls.timeoutC = nil
	ls.inflight.Store(false)
}

// Loop is the main event loop that handles all transport I/O after boot.
// It must be called exactly once after New() and before any command or
// socket operation. The loop coordinates all communication with the module:
//
// 1. Processes command requests from exec() calls
// 2. Writes EDM-wrapped AT commands and socket payload frames
// 3. Decodes inbound EDM frames in wire order
// 4. Dispatches URCs to subscribers and payload frames to sockets
// 5. Returns command responses to waiting exec() calls
//
// The loop runs until the provided context is cancelled or the transport
// fails. It is the ONLY goroutine that reads from the transport, preventing
// race conditions and ensuring URCs are never lost.
//
// Usage:
//
//	dev, err := device.New(ctx, config)
//	if err != nil { return err }
//
//	// Start the loop (typically in a goroutine)
//	go dev.Loop(ctx)
//
//	// Now socket operations will work
//	id, err := dev.Connect(ctx, device.ProtoTCP, "10.0.0.5", 80)
func (d *Device) Loop(ctx context.Context) error {
	d.mu.Lock()
	if d.loopRunning {
		d.mu.Unlock()
		return ErrLoopRunning
	}
	d.loopRunning = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.loopRunning = false
		d.mu.Unlock()
	}()

	// Channels for chunks and errors from the reader goroutine.
	chunks := make(chan []byte, 16)
	readErrs := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, 512)
		for {
			n, err := d.transport.Read(buf)
			if n > 0 {
				p := make([]byte, n)
				copy(p, buf[:n])
				select {
				case chunks <- p:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErrs <- err:
				case <-ctx.Done():
				}
				return
			}
			if n == 0 {
				// Transport read timeout tick on a quiet line.
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	ls := loopState{inflight: &d.inflight}

	for {
		// Only accept a new command when none is in flight; exec's
		// non-blocking submit turns a busy channel into ErrBusy.
		cmdCh := d.commands
		if ls.cur != nil {
			cmdCh = nil
		}

		select {
		case <-ctx.Done():
			ls.finish(commandResponse{err: ctx.Err()})
			return ctx.Err()

		case req := <-cmdCh:
			ls.accept(req)
			wire := edm.WrapAT(strings.TrimSpace(req.cmd))
			if _, err := d.transport.Write(wire); err != nil {
				ls.finish(commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)})
			}

		case <-ls.timeoutC:
			ls.finish(commandResponse{err: ErrTimeout})

		case p, ok := <-chunks:
			if !ok {
				ls.finish(commandResponse{err: io.EOF})
				return io.EOF
			}
			d.dec.Write(p)
			for {
				f, ok := d.dec.Next()
				if !ok {
					break
				}
				d.handleFrame(&ls, f)
			}

		case <-d.flushC:
			d.flushTx()

		case err := <-readErrs:
			ls.finish(commandResponse{err: fmt.Errorf("read error: %w", err)})
			return fmt.Errorf("read error: %w", err)
		}
	}
}

// handleFrame routes one decoded EDM frame.
func (d *Device) handleFrame(ls *loopState, f edm.Frame) {
	switch f.Type {
	case edm.TypeATConfirmation:
		// Response text for the pending command. The module can interleave
		// URC lines with the response; classify line by line.
		for line := range strings.Lines(string(f.Payload)) {
			d.handleLine(ls, strings.TrimRight(line, "\r\n"))
		}

	case edm.TypeATEvent:
		for line := range strings.Lines(string(f.Payload)) {
			d.handleURCLine(ls, strings.TrimRight(line, "\r\n"))
		}

	case edm.TypeDataEvent:
		d.sockets.ingress(f.Channel, f.Payload)

	case edm.TypeConnectEvent:
		ev, err := edm.ParseConnectEvent(f)
		if err != nil {
			d.log.Debug("connect event dropped", "error", err)
			return
		}
		d.sockets.bind(ev)

	case edm.TypeDisconnectEvent:
		d.sockets.disconnect(f.Channel)

	case edm.TypeStartEvent:
		// The module rebooted underneath us.
		d.resetCascade(ls)

	default:
		// Unknown payload types are ignored per the EDM protocol.
		d.log.Debug("unknown frame type dropped", "type", f.Type.String())
	}
}

// handleLine classifies one line of AT confirmation text: terminal lines
// complete the pending command, URC lines route to subscribers, everything
// else is intermediate response data.
func (d *Device) handleLine(ls *loopState, line string) {
	if line == "" {
		return
	}
	switch at.Classify(line) {
	case at.TypeFinal:
		if ls.cur == nil {
			// Orphaned final response; nothing to correlate it with.
			return
		}
		ls.lines = append(ls.lines, line)
		response := strings.Join(ls.lines, "\n")
		if line == at.OK {
			ls.finish(commandResponse{response: response})
		} else {
			ls.finish(commandResponse{response: response, err: errors.New(line)})
		}

	case at.TypeData:
		if ls.cur != nil {
			ls.lines = append(ls.lines, line)
		}
		// If no current command, ignore the data (orphaned).

	case at.TypeURC, at.TypeStartup:
		d.handleURCLine(ls, line)
	}
}

// handleURCLine parses and dispatches one URC line, reacting to the events
// the device state machine cares about.
func (d *Device) handleURCLine(ls *loopState, line string) {
	if line == "" {
		return
	}
	ev, ok := at.ParseURC(line)
	if !ok {
		return
	}

	switch ev.(type) {
	case at.Startup:
		d.resetCascade(ls)

	case at.NetworkUp:
		d.mu.Lock()
		if d.state == StateJoining || d.state == StateEdmMode {
			d.state = StateJoined
		}
		if d.joinWait != nil {
			d.joinWait <- nil
			d.joinWait = nil
		}
		d.mu.Unlock()

	case at.NetworkDown, at.LinkDisconnected:
		d.mu.Lock()
		if d.state == StateJoined {
			d.state = StateEdmMode
		}
		d.mu.Unlock()
	}

	// Dispatch to URC subscribers; drop if nobody drains fast enough.
	select {
	case d.urcChan <- ev:
	default:
		d.log.Warn("URC channel full, event dropped", "urc", ev.Line())
	}
}

// resetCascade is the single "abort everything" path: an unexpected module
// reset invalidates every open socket, the pending command and any join
// waiter simultaneously. Idempotent and safe to run from the receive path.
func (d *Device) resetCascade(ls *loopState) {
	d.mu.Lock()
	already := d.state == StateOff
	d.state = StateResetting
	join := d.joinWait
	d.joinWait = nil
	d.mu.Unlock()

	if !already {
		d.log.Warn("module reset detected, invalidating all state")
	}

	ls.finish(commandResponse{err: ErrFatal})
	if join != nil {
		join <- ErrNotReady
	}
	d.sockets.resetAll()
	d.dec.Reset()

	d.setState(StateOff)
}

// flushTx drains queued socket tx data into EDM data frames. Chunks are
// popped under the registry lock but written outside it.
func (d *Device) flushTx() {
	for {
		ch, chunk, ok := d.sockets.popTx()
		if !ok {
			return
		}
		if _, err := d.transport.Write(edm.DataCommand(ch, chunk)); err != nil {
			d.log.Error("data frame write failed", "channel", ch, "error", err)
			return
		}
	}
}

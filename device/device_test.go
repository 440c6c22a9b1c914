package device_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"i4.energy/across/shortrange/at"
	"i4.energy/across/shortrange/device"
	"i4.energy/across/shortrange/edm"
)

// staticDialer hands out a pre-built transport, letting tests drive a device
// over a TestTransport.
type staticDialer struct {
	transport device.Transport
}

func (d staticDialer) Dial(ctx context.Context) (device.Transport, error) {
	return d.transport, nil
}

func atConfirm(text string) []byte {
	return edm.Encode(edm.Frame{Type: edm.TypeATConfirmation, Payload: []byte(text)})
}

func atEvent(text string) []byte {
	return edm.Encode(edm.Frame{Type: edm.TypeATEvent, Payload: []byte(text)})
}

// bootDevice builds a device over a TestTransport with the boot dialogue
// pre-queued: liveness probe, echo off, EDM switch. The returned device is in
// EdmMode with no loop running yet.
func bootDevice(t *testing.T, atTimeout time.Duration) (*device.Device, *device.TestTransport) {
	t.Helper()

	transport := device.NewTestTransport()
	transport.SendString("AT\r\nOK\r\n")
	transport.SendString("ATE0\r\nOK\r\n")
	transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeStartEvent}))

	config, err := device.NewConfigBuilder().
		WithDialer(staticDialer{transport}).
		WithFamily(device.FamilyODINW2).
		WithATTimeout(atTimeout).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	d, err := device.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return d, transport
}

// startLoop runs the event loop in a goroutine and arranges teardown.
func startLoop(t *testing.T, d *device.Device) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Loop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return done
}

// awaitWrites polls until the transport has seen at least n writes.
func awaitWrites(transport *device.TestTransport, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for transport.WriteCount() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func awaitState(d *device.Device, s device.State) bool {
	deadline := time.Now().Add(2 * time.Second)
	for d.State() != s {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// joinNetwork runs the WPA2 join dialogue: four commands each answered OK,
// then the network-up URC.
func joinNetwork(t *testing.T, d *device.Device, transport *device.TestTransport) {
	t.Helper()
	base := transport.WriteCount()
	go func() {
		for i := 1; i <= 4; i++ {
			if !awaitWrites(transport, base+i) {
				return
			}
			transport.SendData(atConfirm("\r\nOK\r\n"))
		}
		transport.SendData(atEvent("\r\n+UUNU:0\r\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.JoinNetwork(ctx, "plant-floor", "hunter2hunter2"); err != nil {
		t.Fatalf("unexpected error from JoinNetwork(): %v", err)
	}
}

// connectSocket opens a TCP socket, answering the peer connect command with
// a handle and the module's connect event on the given channel.
func connectSocket(t *testing.T, d *device.Device, transport *device.TestTransport, channel uint8, host string, port uint16, handle int) device.SocketID {
	t.Helper()
	base := transport.WriteCount()
	go func() {
		if !awaitWrites(transport, base+1) {
			return
		}
		transport.SendData(atConfirm(fmt.Sprintf("\r\n+UDCP:%d\r\nOK\r\n", handle)))
		transport.SendData(edm.EncodeConnectEvent(edm.ConnectEvent{
			Channel:    channel,
			Protocol:   edm.ProtocolTCP,
			RemoteAddr: netip.MustParseAddr(host),
			RemotePort: port,
			LocalAddr:  netip.MustParseAddr("192.168.1.10"),
			LocalPort:  49152,
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := d.Connect(ctx, device.ProtoTCP, host, port)
	if err != nil {
		t.Fatalf("unexpected error from Connect(): %v", err)
	}
	return id
}

func TestDeviceNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := device.NewMockTransport(ctrl)
		mockDialer := device.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
		)...)

		config, err := device.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		d, err := device.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d == nil {
			t.Fatal("New() should return valid device on success")
		}
		if d.State() != device.StateEdmMode {
			t.Errorf("expected EdmMode after boot, got %s", d.State())
		}

		mockTransport.EXPECT().Close().Return(nil)
		if err := d.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := device.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := device.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		d, err := device.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if d != nil {
			t.Error("New() should return nil device when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		d, err := device.New(context.Background(), device.Config{})
		if !errors.Is(err, device.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if d != nil {
			t.Error("New() should return nil device when no dialer provided")
		}
	})

	t.Run("ErrNoTransport on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := device.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := device.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = device.New(context.Background(), config)
		if !errors.Is(err, device.ErrNoTransport) {
			t.Errorf("expected ErrNoTransport from New(), got: %v", err)
		}
	})

	t.Run("ErrFatal when liveness probes are exhausted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := device.NewMockTransport(ctrl)
		mockDialer := device.NewMockDialer(ctrl)

		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)
		mockTransport.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return len(p), nil
		}).AnyTimes()
		// A quiet line: reads tick with no data until the budget runs out.
		mockTransport.EXPECT().Read(gomock.Any()).Return(0, nil).AnyTimes()
		mockTransport.EXPECT().Close().Return(nil)

		config, err := device.NewConfigBuilder().
			WithDialer(mockDialer).
			WithATTimeout(30 * time.Millisecond).
			WithBootRetries(2).
			WithBootBackoff(time.Millisecond).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		d, err := device.New(context.Background(), config)
		if !errors.Is(err, device.ErrFatal) {
			t.Errorf("expected ErrFatal from New(), got: %v", err)
		}
		if d != nil {
			t.Error("New() should return nil device when boot fails")
		}
	})
}

func TestDeviceSession(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)

	if d.Ready() {
		t.Error("device should not be ready before joining a network")
	}

	// Socket operations require a joined network.
	if _, err := d.Connect(context.Background(), device.ProtoTCP, "10.0.0.5", 80); !errors.Is(err, device.ErrNotReady) {
		t.Errorf("expected ErrNotReady before join, got: %v", err)
	}

	joinNetwork(t, d, transport)
	if !d.Ready() {
		t.Error("device should be ready after join")
	}

	// The network-up URC is also delivered to subscribers.
	select {
	case ev := <-d.URC():
		if _, ok := ev.(at.NetworkUp); !ok {
			t.Errorf("expected NetworkUp event, got %T", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for network up URC")
	}

	id := connectSocket(t, d, transport, 5, "10.0.0.5", 80, 3)
	if s := d.SocketState(id); s != device.SocketOpen {
		t.Errorf("expected Open socket, got %s", s)
	}
	if free := d.FreeSockets(); free != device.MaxSockets-1 {
		t.Errorf("expected %d free sockets, got %d", device.MaxSockets-1, free)
	}

	// Send queues the payload; the loop flushes it as one EDM data frame.
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	base := transport.WriteCount()
	n, err := d.Send(id, payload)
	if err != nil {
		t.Fatalf("unexpected error from Send(): %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes queued, got %d", len(payload), n)
	}
	if !awaitWrites(transport, base+1) {
		t.Fatal("timed out waiting for data frame write")
	}
	writes := transport.Writes()
	if got := writes[len(writes)-1]; !bytes.Equal(got, edm.DataCommand(5, payload)) {
		t.Errorf("unexpected data frame on the wire: % x", got)
	}

	// Inbound data frames land in the socket's receive buffer.
	want := []byte("HTTP/1.0 200 OK\r\n")
	transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeDataEvent, Channel: 5, Payload: want}))
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(want) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for payload, have %q", got)
		}
		rn, err := d.Receive(id, buf)
		if err != nil {
			t.Fatalf("unexpected error from Receive(): %v", err)
		}
		got = append(got, buf[:rn]...)
		if rn == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}

	// Close releases the slot and invalidates the id.
	base = transport.WriteCount()
	go func() {
		if !awaitWrites(transport, base+1) {
			return
		}
		transport.SendData(atConfirm("\r\nOK\r\n"))
		transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeDisconnectEvent, Channel: 5}))
	}()
	if err := d.CloseSocket(context.Background(), id); err != nil {
		t.Fatalf("unexpected error from CloseSocket(): %v", err)
	}
	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected full capacity after close, got %d free", free)
	}
	if _, err := d.Receive(id, buf); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle on closed socket, got: %v", err)
	}

	// The reclaimed slot is handed out again.
	id2 := connectSocket(t, d, transport, 2, "10.0.0.6", 443, 4)
	if id2 != id {
		t.Errorf("expected slot reuse, got id %d after releasing %d", id2, id)
	}
}

func TestDeviceBusy(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)
	joinNetwork(t, d, transport)

	// First connect stays in flight: its command is written but never
	// answered until we say so.
	base := transport.WriteCount()
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Connect(context.Background(), device.ProtoTCP, "10.0.0.5", 80)
		firstErr <- err
	}()
	if !awaitWrites(transport, base+1) {
		t.Fatal("timed out waiting for first connect command")
	}

	// A second command submission fails fast instead of queueing.
	if _, err := d.Connect(context.Background(), device.ProtoTCP, "10.0.0.6", 81); !errors.Is(err, device.ErrBusy) {
		t.Errorf("expected ErrBusy, got: %v", err)
	}

	transport.SendData(atConfirm("\r\nERROR\r\n"))
	if err := <-firstErr; err == nil {
		t.Error("expected first connect to fail on ERROR response")
	}
	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected all slots released, got %d free", free)
	}
}

func TestCloseSocketBusy(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)
	joinNetwork(t, d, transport)
	id := connectSocket(t, d, transport, 5, "10.0.0.5", 80, 3)

	// Occupy the command channel with a connect that is not answered yet.
	base := transport.WriteCount()
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Connect(context.Background(), device.ProtoTCP, "10.0.0.7", 82)
		firstErr <- err
	}()
	if !awaitWrites(transport, base+1) {
		t.Fatal("timed out waiting for connect command")
	}

	// The close command never reaches the wire, so the socket must stay
	// open for a retry instead of leaking the module-side peer.
	if err := d.CloseSocket(context.Background(), id); !errors.Is(err, device.ErrBusy) {
		t.Errorf("expected ErrBusy from CloseSocket, got: %v", err)
	}
	if s := d.SocketState(id); s != device.SocketOpen {
		t.Errorf("expected socket to stay Open after busy close, got %s", s)
	}

	transport.SendData(atConfirm("\r\nERROR\r\n"))
	if err := <-firstErr; err == nil {
		t.Error("expected pending connect to fail on ERROR response")
	}

	// The retry succeeds once the command channel is free.
	base = transport.WriteCount()
	go func() {
		if !awaitWrites(transport, base+1) {
			return
		}
		transport.SendData(atConfirm("\r\nOK\r\n"))
		transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeDisconnectEvent, Channel: 5}))
	}()
	if err := d.CloseSocket(context.Background(), id); err != nil {
		t.Fatalf("unexpected error from CloseSocket retry: %v", err)
	}
	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected full capacity after close, got %d free", free)
	}
}

func TestStateGateOrdering(t *testing.T) {
	// Command submission gates on StateEdmMode or later; every state that
	// cannot accept commands must sort below it so nothing is silently
	// queued while a reset cascade is in flight.
	for _, s := range []device.State{
		device.StateOff,
		device.StateBooting,
		device.StateResetting,
		device.StateAtMode,
	} {
		if s >= device.StateEdmMode {
			t.Errorf("state %s must sort below EdmMode", s)
		}
	}
}

func TestDeviceCommandTimeout(t *testing.T) {
	d, transport := bootDevice(t, 150*time.Millisecond)
	startLoop(t, d)
	joinNetwork(t, d, transport)

	// No response at all: the command times out and the slot is released.
	_, err := d.Connect(context.Background(), device.ProtoTCP, "10.0.0.5", 80)
	if !errors.Is(err, device.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got: %v", err)
	}
	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected all slots released after timeout, got %d free", free)
	}

	// The command channel is free again after the timeout.
	base := transport.WriteCount()
	go func() {
		if awaitWrites(transport, base+1) {
			transport.SendData(atConfirm("\r\nOK\r\n"))
		}
	}()
	if err := d.LeaveNetwork(context.Background()); err != nil {
		t.Errorf("unexpected error from LeaveNetwork(): %v", err)
	}
	if d.State() != device.StateEdmMode {
		t.Errorf("expected EdmMode after leaving, got %s", d.State())
	}
}

func TestDeviceResetCascade(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)
	joinNetwork(t, d, transport)
	id := connectSocket(t, d, transport, 5, "10.0.0.5", 80, 3)

	// The module reboots underneath the driver: the EDM start event
	// invalidates everything at once.
	transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeStartEvent}))
	if !awaitState(d, device.StateOff) {
		t.Fatalf("expected StateOff after module reset, got %s", d.State())
	}

	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected all sockets invalidated, got %d free", free)
	}
	if _, err := d.Receive(id, make([]byte, 4)); !errors.Is(err, device.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle after reset, got: %v", err)
	}

	// Nothing is retried automatically; operations fail until the device is
	// rebuilt via New.
	base := transport.WriteCount()
	if err := d.JoinNetwork(context.Background(), "plant-floor", "pw"); !errors.Is(err, device.ErrNotReady) {
		t.Errorf("expected ErrNotReady after reset, got: %v", err)
	}
	if transport.WriteCount() != base {
		t.Error("no commands should reach the wire after a reset")
	}
}

func TestDeviceURCDispatch(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)

	transport.SendData(atEvent("\r\n+UUDPC:7\r\n"))

	select {
	case ev := <-d.URC():
		pc, ok := ev.(at.PeerConnected)
		if !ok {
			t.Fatalf("expected PeerConnected, got %T", ev)
		}
		if pc.Handle != 7 {
			t.Errorf("expected handle 7, got %d", pc.Handle)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for URC")
	}
}

func TestJoinNetwork(t *testing.T) {
	t.Run("ErrNotSupported for Bluetooth-only family", func(t *testing.T) {
		transport := device.NewTestTransport()
		transport.SendString("AT\r\nOK\r\n")
		transport.SendString("ATE0\r\nOK\r\n")
		transport.SendData(edm.Encode(edm.Frame{Type: edm.TypeStartEvent}))

		config, err := device.NewConfigBuilder().
			WithDialer(staticDialer{transport}).
			WithFamily(device.FamilyNINAB112).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}
		d, err := device.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		defer d.Close()

		if err := d.JoinNetwork(context.Background(), "net", "pw"); !errors.Is(err, device.ErrNotSupported) {
			t.Errorf("expected ErrNotSupported, got: %v", err)
		}
		if err := d.LeaveNetwork(context.Background()); !errors.Is(err, device.ErrNotSupported) {
			t.Errorf("expected ErrNotSupported, got: %v", err)
		}
	})

	t.Run("Module ERROR reverts state", func(t *testing.T) {
		d, transport := bootDevice(t, 2*time.Second)
		startLoop(t, d)

		base := transport.WriteCount()
		go func() {
			if awaitWrites(transport, base+1) {
				transport.SendData(atConfirm("\r\nERROR\r\n"))
			}
		}()
		if err := d.JoinNetwork(context.Background(), "plant-floor", "pw"); err == nil {
			t.Fatal("expected error from rejected join")
		}
		if d.State() != device.StateEdmMode {
			t.Errorf("expected EdmMode after failed join, got %s", d.State())
		}

		// A failed join does not wedge the device; the next attempt runs.
		joinNetwork(t, d, transport)
		if !d.Ready() {
			t.Error("device should be ready after second join")
		}
	})
}

func TestConnectBadAddress(t *testing.T) {
	d, transport := bootDevice(t, 2*time.Second)
	startLoop(t, d)
	joinNetwork(t, d, transport)

	base := transport.WriteCount()
	if _, err := d.Connect(context.Background(), device.ProtoTCP, "not-an-ip", 80); err == nil {
		t.Error("expected error for unparseable address")
	}
	if transport.WriteCount() != base {
		t.Error("no command should reach the wire for a bad address")
	}
	if free := d.FreeSockets(); free != device.MaxSockets {
		t.Errorf("expected no slot consumed, got %d free", free)
	}
}

func TestLoop(t *testing.T) {
	t.Run("ErrLoopRunning on second Loop", func(t *testing.T) {
		d, transport := bootDevice(t, 2*time.Second)
		startLoop(t, d)

		// Prove the first loop is live before racing a second one.
		transport.SendData(atEvent("\r\n+UUDPC:1\r\n"))
		select {
		case <-d.URC():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for loop to start")
		}

		if err := d.Loop(context.Background()); !errors.Is(err, device.ErrLoopRunning) {
			t.Errorf("expected ErrLoopRunning, got: %v", err)
		}
	})

	t.Run("Transport close ends the loop", func(t *testing.T) {
		d, _ := bootDevice(t, 2*time.Second)
		done := startLoop(t, d)

		if err := d.Close(); err != nil {
			t.Fatalf("unexpected error from Close(): %v", err)
		}
		select {
		case err := <-done:
			if !errors.Is(err, io.EOF) {
				t.Errorf("expected EOF from loop, got: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for loop exit")
		}
	})

	t.Run("Context cancel ends the loop", func(t *testing.T) {
		d, _ := bootDevice(t, 2*time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- d.Loop(ctx)
		}()
		defer d.Close()

		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled from loop, got: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for loop exit")
		}
	})
}

func TestDeviceClose(t *testing.T) {
	d, _ := bootDevice(t, 2*time.Second)

	if err := d.Close(); err != nil {
		t.Errorf("unexpected error from Close(): %v", err)
	}
	if err := d.Close(); !errors.Is(err, device.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got: %v", err)
	}
}

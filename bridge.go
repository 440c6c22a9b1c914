package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/shortrange/device"
)

// receivePollInterval paces the downstream pump; module sockets buffer
// inbound data and Receive never blocks.
const receivePollInterval = 5 * time.Millisecond

// Bridge accepts local TCP connections and proxies each one over a module
// socket toward a fixed target endpoint
type Bridge struct {
	Logger *slog.Logger
	Device *device.Device
	// TargetHost and TargetPort name the remote peer every accepted
	// connection is bridged to
	TargetHost string
	TargetPort uint16
}

// Serve runs the accept loop until the context is cancelled or the listener
// fails. Each connection is proxied in its own goroutine.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go b.proxy(ctx, conn)
	}
}

// proxy bridges one local connection to one module socket, pumping bytes in
// both directions until either side closes.
func (b *Bridge) proxy(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := b.Logger.With("client", conn.RemoteAddr().String())

	sock, err := b.Device.Dial(ctx, device.ProtoTCP, b.TargetHost, b.TargetPort)
	if err != nil {
		log.Error("Failed to open module socket", "error", err)
		return
	}
	defer sock.Close()
	log.Info("Bridging connection", "socket", int(sock.ID()),
		"target", b.TargetHost, "port", b.TargetPort)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Unblock the upstream pump's conn.Read when the other side finishes.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Upstream: local connection into the module socket. Send accepts
	// partially when the socket's tx buffer fills; retry the remainder.
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			for sent := 0; sent < n; {
				m, serr := sock.Write(buf[sent:n])
				if serr != nil {
					return serr
				}
				sent += m
				if m == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(receivePollInterval):
					}
				}
			}
			if err != nil {
				return err
			}
		}
	})

	// Downstream: module socket into the local connection, polled.
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, 2048)
		for {
			n, err := sock.Read(buf)
			if err != nil {
				return err
			}
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return werr
				}
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receivePollInterval):
			}
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		log.Info("Connection closed", "error", err)
		return
	}
	log.Info("Connection closed")
}

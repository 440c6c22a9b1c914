package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/shortrange/device"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the module")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("listen-address", "0.0.0.0:9000", "Local bind address for the bridge")
	flag.String("ssid", "", "WiFi network to join")
	flag.String("passphrase", "", "WiFi passphrase (empty for open networks)")
	flag.String("target", "", "Remote endpoint to bridge to, host:port")
	flag.String("family", "odin-w2", "Module family (odin-w2, nina-w13, nina-b112, anna-b112)")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if config.SSID == "" || config.Target == "" {
		logger.Error("Both --ssid and --target are required")
		os.Exit(1)
	}

	family, err := parseFamily(config.Family)
	if err != nil {
		logger.Error("Failed to parse module family", "error", err)
		os.Exit(1)
	}

	targetHost, targetPort, err := splitTarget(config.Target)
	if err != nil {
		logger.Error("Failed to parse target endpoint", "error", err)
		os.Exit(1)
	}

	deviceConfig, err := device.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithFamily(family).
		WithLogger(logger.With("component", "device")).
		WithDialer(device.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create device config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := device.New(ctx, deviceConfig)
	if err != nil {
		logger.Error("Failed to initialize device", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Loop(ctx)
	})

	logger.Info("Joining network", "ssid", config.SSID)
	joinCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = d.JoinNetwork(joinCtx, config.SSID, config.Passphrase)
	cancel()
	if err != nil {
		logger.Error("Failed to join network", "error", err)
		d.Close()
		os.Exit(1)
	}
	logger.Info("Network joined", "ssid", config.SSID)

	ln, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		logger.Error("Failed to listen", "address", config.ListenAddress, "error", err)
		d.Close()
		os.Exit(1)
	}

	bridge := &Bridge{
		Logger:     logger.With("component", "bridge"),
		Device:     d,
		TargetHost: targetHost,
		TargetPort: targetPort,
	}
	g.Go(func() error {
		logger.Info("Bridge listening", "address", ln.Addr().String(),
			"target", config.Target)
		return bridge.Serve(ctx, ln)
	})

	err = g.Wait()
	logger.Info("Shutting down", "reason", err)

	if err := d.Close(); err != nil {
		logger.Error("Failed to close device", "error", err)
	}
}

// parseFamily maps the family config string to a device.Family.
func parseFamily(s string) (device.Family, error) {
	switch s {
	case "odin-w2":
		return device.FamilyODINW2, nil
	case "nina-w13":
		return device.FamilyNINAW13, nil
	case "nina-b112":
		return device.FamilyNINAB112, nil
	case "anna-b112":
		return device.FamilyANNAB112, nil
	}
	return 0, fmt.Errorf("unknown module family %q", s)
}

// splitTarget parses a host:port endpoint.
func splitTarget(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

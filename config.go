package main

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	// ListenAddress is the local address the bridge listens on (e.g. "0.0.0.0:9000")
	ListenAddress string
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the module (e.g. 115200)
	BaudRate int
	// SSID is the WiFi network the module joins
	SSID string
	// Passphrase is the WiFi passphrase; empty selects open authentication
	Passphrase string
	// Target is the remote endpoint connections are proxied to (e.g. "10.0.0.5:80")
	Target string
	// Family selects the module part (e.g. "odin-w2", "nina-w13")
	Family string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.ListenAddress = "0.0.0.0:9000"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.Family = "odin-w2"
		c.LogLevel = "info"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("LISTEN_ADDRESS"); addr != "" {
			c.ListenAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if ssid := os.Getenv("WIFI_SSID"); ssid != "" {
			c.SSID = ssid
		}

		if pw := os.Getenv("WIFI_PASSPHRASE"); pw != "" {
			c.Passphrase = pw
		}

		if target := os.Getenv("TARGET"); target != "" {
			c.Target = target
		}

		if family := os.Getenv("MODULE_FAMILY"); family != "" {
			c.Family = family
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "listen-address":
				c.ListenAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "ssid":
				c.SSID = f.Value.String()
			case "passphrase":
				c.Passphrase = f.Value.String()
			case "target":
				c.Target = f.Value.String()
			case "family":
				c.Family = f.Value.String()
			case "log-level":
				c.LogLevel = f.Value.String()
			}

		})
		return nil
	}

}

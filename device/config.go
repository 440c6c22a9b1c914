package device

import (
	"log/slog"
	"time"
)

// Config holds the settings a Device is constructed with. Use
// NewConfigBuilder to assemble one.
type Config struct {
	// Dialer opens the transport to the module. Required.
	Dialer Dialer
	// Family selects the module part; it gates radio capabilities.
	Family Family
	// ATTimeout is the default per-command response budget.
	ATTimeout time.Duration
	// InitTimeout bounds the whole boot sequence in New.
	InitTimeout time.Duration
	// BootRetries is the liveness probe retry budget during boot.
	BootRetries int
	// BootBackoff is the initial delay between liveness probes; it doubles
	// per attempt.
	BootBackoff time.Duration
	// Logger receives driver diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.BootRetries == 0 {
		c.BootRetries = 5
	}
	if c.BootBackoff == 0 {
		c.BootBackoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithFamily(f Family) *ConfigBuilder {
	b.config.Family = f
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithBootRetries(n int) *ConfigBuilder {
	b.config.BootRetries = n
	return b
}

func (b *ConfigBuilder) WithBootBackoff(d time.Duration) *ConfigBuilder {
	b.config.BootBackoff = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the assembled config and applies defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}

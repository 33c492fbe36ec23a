// Package config resolves the relay's startup configuration using the
// teacher's functional-options shape (see eventloop's LoopOption): a small
// set of With* constructors mutating an unexported options struct, resolved
// once at startup. The core has no CLI/env surface of its own (spec §6); the
// cmd/relayd binary is the only place these options are ever non-default.
package config

// Defaults fixed at build per spec §3/§6.
const (
	DefaultPort       = 3033
	DefaultPluginDir  = "./plugins"
	DefaultMaxRelays  = 1024
	DefaultBufferSize = 4096
)

// Config is the resolved set of capacity constants and startup parameters
// the relay needs before it can open its listening socket.
type Config struct {
	Port       uint16
	PluginDir  string
	MaxRelays  int
	BufferSize int
}

// Option configures a Config, applied in New.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithPort overrides the listening port (default 3033).
func WithPort(port uint16) Option {
	return optionFunc(func(c *Config) { c.Port = port })
}

// WithPluginDir overrides the plugin directory (default ./plugins).
func WithPluginDir(dir string) Option {
	return optionFunc(func(c *Config) { c.PluginDir = dir })
}

// WithMaxRelays overrides MAX_RELAYS, the admission ceiling (default 1024).
func WithMaxRelays(n int) Option {
	return optionFunc(func(c *Config) { c.MaxRelays = n })
}

// WithBufferSize overrides BUFFER_SIZE, the read-chunk and initial
// pending-out capacity (default 4096).
func WithBufferSize(n int) Option {
	return optionFunc(func(c *Config) { c.BufferSize = n })
}

// New resolves a Config from its defaults and the given options.
func New(opts ...Option) Config {
	c := Config{
		Port:       DefaultPort,
		PluginDir:  DefaultPluginDir,
		MaxRelays:  DefaultMaxRelays,
		BufferSize: DefaultBufferSize,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(&c)
	}
	return c
}

package management

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sctpmgmt/sctp-go/pkg/congestion"
	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/metrics"
	"github.com/sctpmgmt/sctp-go/pkg/persistence"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
)

// Configuration defaults.
const (
	DefaultName         = "SCTPManagement"
	DefaultConnectDelay = 5 * time.Second
	DefaultBufferSize   = 8192
)

// Config configures a Management.
type Config struct {
	// Name identifies the instance and names its persisted document.
	Name string `yaml:"name"`

	// PersistDir is the directory of the persisted document (default: ".").
	PersistDir string `yaml:"persist_dir"`

	// ConnectDelay is the wait between client connect attempts.
	ConnectDelay time.Duration `yaml:"connect_delay"`

	// BufferSize is the per-association I/O buffer size in bytes.
	BufferSize int `yaml:"buffer_size"`

	// Congestion holds the delay thresholds of every association.
	Congestion congestion.Thresholds `yaml:"congestion"`

	// SocketOptions is applied to every channel.
	SocketOptions transport.SocketOptions `yaml:"socket_options"`

	// HandshakeTimeout bounds establishing a channel (0 = transport default).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAlive configures liveness checks on TCP channels.
	KeepAlive transport.KeepAliveConfig `yaml:"keep_alive"`

	// Store overrides the YAML file store.
	Store persistence.Store `yaml:"-"`

	// Transports overrides the transport of a channel type.
	Transports map[ChannelType]transport.Transport `yaml:"-"`

	// Clock drives reconnection and send delay measurement (default: wall
	// clock).
	Clock clock.Clock `yaml:"-"`

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger `yaml:"-"`

	// EventLogger receives association events (optional).
	EventLogger log.Logger `yaml:"-"`

	// Metrics records association metrics (optional).
	Metrics *metrics.Collector `yaml:"-"`

	// Advertiser publishes started servers over DNS-SD (optional).
	Advertiser discovery.Advertiser `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:          DefaultName,
		PersistDir:    ".",
		ConnectDelay:  DefaultConnectDelay,
		BufferSize:    DefaultBufferSize,
		Congestion:    congestion.DefaultThresholds(),
		SocketOptions: transport.DefaultSocketOptions(),
		KeepAlive:     transport.DefaultKeepAliveConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.ConnectDelay <= 0 {
		return fmt.Errorf("%w: connect delay %v", ErrInvalidConfig, c.ConnectDelay)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, c.BufferSize)
	}
	if err := c.Congestion.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.SocketOptions.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// PersistPath returns the path of the persisted document.
func (c *Config) PersistPath() string {
	dir := c.PersistDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, persistence.FileName(c.Name))
}

// applyDefaults fills zero values from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.ConnectDelay == 0 {
		c.ConnectDelay = def.ConnectDelay
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.Congestion == (congestion.Thresholds{}) {
		c.Congestion = def.Congestion
	}
	if c.SocketOptions.MaxInboundStreams == 0 && c.SocketOptions.MaxOutboundStreams == 0 {
		c.SocketOptions = def.SocketOptions
	}
	if c.KeepAlive.PingInterval == 0 && !c.KeepAlive.Disabled {
		c.KeepAlive = def.KeepAlive
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

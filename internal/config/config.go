// Package config holds the runtime configuration for every torrelay role.
//
// Values come from three layers, lowest precedence first: Default(), the
// TORRELAY_* environment (see Load), and CLI flags applied by cmd/torrelay.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Role represents the process role chosen on the command line.
type Role string

const (
	RoleHub    Role = "hub"    // shared process owning the torrent engine
	RoleViewer Role = "viewer" // a content view talking to the hub
	RoleNative Role = "native" // legacy extension socket controller
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "TORRELAY"

// Config stores all parameters for one process.
type Config struct {
	Role  Role `envconfig:"ROLE"`
	Debug bool `envconfig:"DEBUG"`

	Hub    HubConfig    `envconfig:"HUB"`
	Relay  RelayConfig  `envconfig:"RELAY"`
	Viewer ViewerConfig `envconfig:"VIEWER"`
	Socket SocketConfig `envconfig:"SOCKET"`
}

// HubConfig configures the hub HTTP surface and its torrent engine.
type HubConfig struct {
	Listen        string        `envconfig:"LISTEN"`         // address for /relay, /signal and /metrics
	DataDir       string        `envconfig:"DATA_DIR"`       // where the engine stores torrent data
	TorrentPort   int           `envconfig:"TORRENT_PORT"`   // 0 picks a random port
	NoDHT         bool          `envconfig:"NO_DHT"`
	Seed          bool          `envconfig:"SEED"`
	StatsInterval time.Duration `envconfig:"STATS_INTERVAL"` // 0 disables the stats reporter
	PIN           string        `envconfig:"PIN"`            // when set, /relay and /signal require ?pin=

	MetadataTimeout time.Duration `envconfig:"METADATA_TIMEOUT"` // warn subscribers when metadata takes longer
}

// RelayConfig configures the relay server session handling.
type RelayConfig struct {
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL"`
}

// ViewerConfig configures a viewer process.
type ViewerConfig struct {
	HubURL            string        `envconfig:"HUB_URL"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	WebRTC            bool          `envconfig:"WEBRTC"` // carry envelopes over a DataChannel instead of /relay
}

// SocketConfig configures the reconnecting socket controller.
type SocketConfig struct {
	Host          string        `envconfig:"HOST"`
	Ports         []int         `envconfig:"PORTS"`
	BaseInterval  time.Duration `envconfig:"BASE_INTERVAL"`
	MaxInterval   time.Duration `envconfig:"MAX_INTERVAL"`
	StableWindow  time.Duration `envconfig:"STABLE_WINDOW"`
	StableRetries int           `envconfig:"STABLE_RETRIES"`
	PingInterval  time.Duration `envconfig:"PING_INTERVAL"`
	PingPayload   string        `envconfig:"PING_PAYLOAD"`
	InitTimeout   time.Duration `envconfig:"INIT_TIMEOUT"`
	Hello         string        `envconfig:"HELLO"`      // sent right after the socket opens
	InitReply     string        `envconfig:"INIT_REPLY"` // sent when the peer advertises capabilities
	MaxBuffered   int           `envconfig:"MAX_BUFFERED"`
	Passphrase    string        `envconfig:"PASSPHRASE"`
}

// DefaultPorts is the ordered list of candidate ports tried each cycle.
var DefaultPorts = []int{11456, 15674, 17896, 21953, 32934}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Hub: HubConfig{
			Listen:        "127.0.0.1:8470",
			DataDir:       "torrelay-data",
			StatsInterval: 10 * time.Second,

			MetadataTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			HeartbeatTimeout: 30 * time.Second,
			ProgressInterval: time.Second,
		},
		Viewer: ViewerConfig{
			HubURL:            "ws://127.0.0.1:8470/relay",
			HeartbeatInterval: 5 * time.Second,
		},
		Socket: SocketConfig{
			Host:          "127.0.0.1",
			Ports:         append([]int(nil), DefaultPorts...),
			BaseInterval:  time.Second,
			MaxInterval:   8 * time.Second,
			StableWindow:  60 * time.Second,
			StableRetries: 3,
			PingInterval:  30 * time.Second,
			PingPayload:   "pInG",
			InitTimeout:   5 * time.Second,
			Hello:         "torrelay",
			InitReply:     `{"wsExtensionInit":{"capabilities":2}}`,
			MaxBuffered:   1024,
		},
	}
}

// Load returns Default() overlaid with any TORRELAY_* environment variables.
// Nested fields use the section name, e.g. TORRELAY_SOCKET_PORTS=1,2,3.
func Load() (Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case "", RoleHub, RoleViewer, RoleNative:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be hub, viewer or native", c.Role))
	}

	if c.Relay.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("relay heartbeat timeout must be positive"))
	}
	if c.Viewer.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("viewer heartbeat interval must be positive"))
	}
	if c.Relay.HeartbeatTimeout > 0 && c.Viewer.HeartbeatInterval >= c.Relay.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("viewer heartbeat interval %s must be shorter than the relay timeout %s",
			c.Viewer.HeartbeatInterval, c.Relay.HeartbeatTimeout))
	}
	if c.Hub.TorrentPort < 0 || c.Hub.TorrentPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid torrent port %d", c.Hub.TorrentPort))
	}

	s := c.Socket
	if len(s.Ports) == 0 {
		errs = append(errs, errors.New("socket ports must not be empty"))
	}
	for _, p := range s.Ports {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("invalid socket port %d (must be 1~65535)", p))
		}
	}
	if s.BaseInterval <= 0 || s.MaxInterval < s.BaseInterval {
		errs = append(errs, fmt.Errorf("socket backoff must satisfy 0 < base (%s) <= max (%s)", s.BaseInterval, s.MaxInterval))
	}
	if s.PingInterval <= 0 || s.InitTimeout <= 0 {
		errs = append(errs, errors.New("socket ping interval and init timeout must be positive"))
	}
	if s.StableRetries < 0 {
		errs = append(errs, errors.New("socket stable retries must not be negative"))
	}
	if s.MaxBuffered < 1 {
		errs = append(errs, errors.New("socket buffer must hold at least one payload"))
	}

	return errors.Join(errs...)
}

// Package config holds the process configuration. A Config is loaded once at
// startup and passed into each component constructor — there is no ambient
// global configuration state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "10s", "1.5s"
// and friends.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Network groups the wire-level tunables shared by every role.
type Network struct {
	UDPPort           int      `yaml:"udp_port"`            // discovery + rendezvous (both directions)
	TCPPort           int      `yaml:"tcp_port"`            // bulk file data
	DiscoveryWindow   Duration `yaml:"discovery_timeout"`   // how long the discovery client collects replies
	SocketTimeout     Duration `yaml:"socket_timeout"`      // per-read poll slice; also the shutdown latency bound
	RendezvousTimeout Duration `yaml:"rendezvous_timeout"`  // wait for the transfer ack
	ConnectTimeout    Duration `yaml:"tcp_connect_timeout"` // TCP dial timeout
	BufferSize        int      `yaml:"buffer_size"`         // UDP receive buffer
	ChunkSize         int      `yaml:"tcp_chunk_size"`      // TCP send chunk
}

// Agent configures the receiving-agent role.
type Agent struct {
	Name        string   `yaml:"name"`         // responder name placed in reply DstName
	StoreDir    string   `yaml:"store_dir"`    // where received files land
	Retention   int      `yaml:"retention"`    // how many received files to keep
	Convert     bool     `yaml:"convert"`      // run the raw decoder after each receive
	ForwardTo   string   `yaml:"forward_to"`   // non-empty: re-send received files to this IP
	IdleTimeout Duration `yaml:"idle_timeout"` // 0 disables the receive idle guard
}

// Relay configures the transparent relay role.
type Relay struct {
	ApplianceSubnet string   `yaml:"appliance_subnet"`  // CIDR the appliance lives in
	ReceiverIP      string   `yaml:"receiver_ip"`       // real receiver to impersonate the appliance to
	ReceiverUDPPort int      `yaml:"receiver_udp_port"` //
	ReceiverTCPPort int      `yaml:"receiver_tcp_port"` //
	ReplyWait       Duration `yaml:"reply_wait"`        // how long to wait for the receiver's UDP reply
}

// Monitor configures the websocket event feed.
type Monitor struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for the /ws endpoint
}

// Watch configures the outbox auto-send role.
type Watch struct {
	Dir    string `yaml:"dir"`    // directory to watch for new scans
	Target string `yaml:"target"` // agent IP to send them to
}

// Config is the complete process configuration.
type Config struct {
	Network Network `yaml:"network"`
	Agent   Agent   `yaml:"agent"`
	Relay   Relay   `yaml:"relay"`
	Monitor Monitor `yaml:"monitor"`
	Watch   Watch   `yaml:"watch"`
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	return &Config{
		Network: Network{
			UDPPort:           706,
			TCPPort:           708,
			DiscoveryWindow:   Duration(10 * time.Second),
			SocketTimeout:     Duration(1 * time.Second),
			RendezvousTimeout: Duration(5 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			BufferSize:        1024,
			ChunkSize:         8192,
		},
		Agent: Agent{
			Name:      "Agent",
			StoreDir:  "files",
			Retention: 10,
			Convert:   true,
		},
		Relay: Relay{
			ApplianceSubnet: "10.0.52.0/24",
			ReceiverUDPPort: 706,
			ReceiverTCPPort: 708,
			ReplyWait:       Duration(1 * time.Second),
		},
		Monitor: Monitor{
			Listen: "127.0.0.1:7080",
		},
		Watch: Watch{
			Dir: "outbox",
		},
	}
}

// Load reads <dir>/<env>.yml on top of the defaults, where env comes from
// SCANNER_ENV (falling back to "development"). A missing file is not an
// error — the defaults apply; a malformed file is.
func Load(dir string) (*Config, error) {
	env := os.Getenv("SCANNER_ENV")
	if env == "" {
		env = "development"
	}
	return LoadFile(filepath.Join(dir, env+".yml"))
}

// LoadFile reads one YAML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

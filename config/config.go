// Package config holds the process configuration for the zeta node and the
// relay client. Values come from Default, then ZETA_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/httpapi"
	"github.com/kabili207/zeta-go/transport/mqtt"
)

// Mesh substrates selectable with Config.Mesh.
const (
	MeshNone   = "none"
	MeshMemory = "memory"
)

var (
	ErrInvalidFeedCapacity = errors.New("feed capacity must be positive")
	ErrInvalidBaud         = errors.New("serial baud rate must be positive")
	ErrInvalidHeartbeat    = errors.New("heartbeat interval must not be negative")
	ErrNoListen            = errors.New("listen address is required")
	ErrUnknownMesh         = errors.New("unknown mesh substrate")
	ErrInvalidSimPeers     = errors.New("simulated peer count must not be negative")
)

// Config is the node configuration.
type Config struct {
	Relay     bool   `env:"ZETA_RELAY"`
	NoMDNS    bool   `env:"ZETA_NO_MDNS"`
	RelayAddr string `env:"ZETA_RELAY_ADDR"` // upstream rendezvous, used as the MQTT broker when none is set
	Listen    string `env:"ZETA_LISTEN"`
	KeyFile   string `env:"ZETA_KEY_FILE"`
	StaticDir string `env:"ZETA_STATIC_DIR"`
	Verbose   bool   `env:"ZETA_VERBOSE"`

	FeedCapacity int           `env:"ZETA_FEED_CAPACITY"`
	Bridge       bool          `env:"ZETA_BRIDGE"`
	Heartbeat    time.Duration `env:"ZETA_HEARTBEAT"`
	Mesh         string        `env:"ZETA_MESH"`
	SimPeers     int           `env:"ZETA_SIM_PEERS"` // in-process peers joined to the memory mesh

	MQTTBroker      string `env:"ZETA_MQTT_BROKER"`
	MQTTUsername    string `env:"ZETA_MQTT_USERNAME"`
	MQTTPassword    string `env:"ZETA_MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"ZETA_MQTT_TOPIC_PREFIX"`
	MQTTMesh        string `env:"ZETA_MQTT_MESH"`

	SerialPort string `env:"ZETA_SERIAL_PORT"`
	SerialBaud int    `env:"ZETA_SERIAL_BAUD"`

	Client ClientConfig
}

// ClientConfig configures the relay client command.
type ClientConfig struct {
	Hub     string `env:"ZETA_CLIENT_HUB"`
	Name    string `env:"ZETA_CLIENT_NAME"`
	KeyFile string `env:"ZETA_CLIENT_KEY_FILE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:          httpapi.DefaultAddr,
		KeyFile:         identity.DefaultKeyFile,
		FeedCapacity:    feed.DefaultCapacity,
		Heartbeat:       30 * time.Second,
		Mesh:            MeshNone,
		SimPeers:        2,
		MQTTTopicPrefix: mqtt.DefaultTopicPrefix,
		MQTTMesh:        mqtt.DefaultMeshID,
		SerialBaud:      115200,
		Client: ClientConfig{
			Hub:     "ws://127.0.0.1:3030/ws",
			KeyFile: "client.key",
		},
	}
}

// Load returns Default overridden by the environment.
func Load() (*Config, error) {
	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Broker returns the MQTT broker the node should connect to, falling back
// to RelayAddr.
func (c *Config) Broker() string {
	if c.MQTTBroker != "" {
		return c.MQTTBroker
	}
	return c.RelayAddr
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrNoListen
	}
	if c.FeedCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFeedCapacity, c.FeedCapacity)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidHeartbeat, c.Heartbeat)
	}
	if c.SerialPort != "" && c.SerialBaud <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, c.SerialBaud)
	}
	if c.SimPeers < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSimPeers, c.SimPeers)
	}
	switch c.Mesh {
	case "", MeshNone, MeshMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMesh, c.Mesh)
	}
	return nil
}

// Package config loads and validates Ravel's server configuration,
// defaulting every field per spec section 6 and allowing a YAML file
// (gopkg.in/yaml.v3) to override them.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ravel/pkg/raverrors"
)

// Config holds every tunable the consensus core, session table, and
// compaction scheduler depend on.
type Config struct {
	// NodeID identifies this server; Bind is the address its transport
	// listens on.
	NodeID string `yaml:"node_id"`
	Bind   string `yaml:"bind"`
	DataDir string `yaml:"data_dir"`

	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`

	MinorCompactionInterval time.Duration `yaml:"minor_compaction_interval"`
	MajorCompactionInterval time.Duration `yaml:"major_compaction_interval"`

	SegmentSize uint32 `yaml:"segment_size"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsBind string `yaml:"metrics_bind"`
}

// Default returns a Config with every spec section 6 default applied.
func Default() Config {
	return Config{
		NodeID:  "node-1",
		Bind:    "127.0.0.1:7000",
		DataDir: "./data",

		ElectionTimeout:   500 * time.Millisecond,
		HeartbeatInterval: 250 * time.Millisecond,
		SessionTimeout:    5 * time.Second,

		MinorCompactionInterval: time.Minute,
		MajorCompactionInterval: time.Hour,

		SegmentSize: 4096,

		LogLevel:    "info",
		LogJSON:     false,
		MetricsBind: "127.0.0.1:9090",
	}
}

// Load reads a YAML file at path and overlays it onto Default(). A
// missing file is not an error — callers get pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, raverrors.Wrap(raverrors.IoError, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, raverrors.Wrap(raverrors.IllegalArgument, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that every field is in an acceptable range.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return raverrors.Wrapf(raverrors.IllegalArgument, "node_id must not be empty")
	}
	if c.Bind == "" {
		return raverrors.Wrapf(raverrors.IllegalArgument, "bind must not be empty")
	}
	if c.HeartbeatInterval <= 0 || c.ElectionTimeout <= 0 {
		return raverrors.Wrapf(raverrors.IllegalArgument, "election_timeout and heartbeat_interval must be positive")
	}
	if c.HeartbeatInterval*2 > c.ElectionTimeout {
		return raverrors.Wrapf(raverrors.IllegalArgument, "heartbeat_interval must be well below election_timeout")
	}
	if c.SegmentSize == 0 {
		return raverrors.Wrapf(raverrors.IllegalArgument, "segment_size must be positive")
	}
	return nil
}

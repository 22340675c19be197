// Package config loads the conductor configuration file.
//
// Defaults come first, the YAML file is laid over them, and Validate runs
// last, so a file only needs the keys it changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/holonet/internal/cell"
	"github.com/ssd-technologies/holonet/internal/conductor"
	"github.com/ssd-technologies/holonet/internal/fetch"
	"github.com/ssd-technologies/holonet/internal/gossip"
	"github.com/ssd-technologies/holonet/internal/workflow"
)

// PassphraseEnv names the environment variable holding the keystore
// passphrase.
const PassphraseEnv = "HOLONET_KEYSTORE_PASSPHRASE"

// FileName is the config file looked up in the data directory when no
// path is given.
const FileName = "conductor.yml"

// Config models conductor.yml.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Keystore struct {
		// Path of the sealed key file. Relative paths are under DataDir.
		Path string `yaml:"path"`
	} `yaml:"keystore"`

	Network struct {
		ListenAddr string `yaml:"listen_addr"`
		// AdvertiseURL overrides the websocket URL put in agent infos.
		AdvertiseURL string `yaml:"advertise_url"`
	} `yaml:"network"`

	API struct {
		ListenAddr   string `yaml:"listen_addr"`
		AppRateLimit int    `yaml:"app_rate_limit"`
	} `yaml:"api"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tuning Tuning `yaml:"tuning"`
}

// Tuning holds every pipeline parameter.
type Tuning struct {
	Workflow     workflow.Tuning `yaml:"workflow"`
	Gossip       gossip.Tuning   `yaml:"gossip"`
	Fetch        FetchTuning     `yaml:"fetch"`
	Arc          cell.ArcConfig  `yaml:"arc"`
	DrainTimeout time.Duration   `yaml:"drain_timeout"`
}

// FetchTuning is the file form of fetch.Config.
type FetchTuning struct {
	ByteLimit        int64         `yaml:"byte_limit"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	SourceRetryDelay time.Duration `yaml:"source_retry_delay"`
}

// Default returns the stock configuration rooted at dataDir.
func Default(dataDir string) *Config {
	var c Config
	c.DataDir = dataDir
	c.Keystore.Path = "keystore.json"
	c.Network.ListenAddr = "0.0.0.0:4600"
	c.API.ListenAddr = "127.0.0.1:4500"
	c.API.AppRateLimit = conductor.DefaultAppRateLimit
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	c.Tuning = Tuning{
		Workflow: workflow.DefaultTuning(),
		Gossip:   gossip.DefaultTuning(),
		Fetch: FetchTuning{
			ByteLimit:        fetch.DefaultByteLimit,
			BaseBackoff:      fetch.DefaultBaseBackoff,
			MaxBackoff:       fetch.DefaultMaxBackoff,
			SourceRetryDelay: fetch.DefaultSourceRetryDelay,
		},
		Arc: cell.ArcConfig{
			TargetRedundancy: cell.DefaultTargetRedundancy,
			Clamping:         cell.ClampNone,
			Interval:         cell.DefaultResizeInterval,
		},
		DrainTimeout: 10 * time.Second,
	}
	return &c
}

// DefaultDataDir is ~/.holonet, or ./.holonet when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".holonet"
	}
	return filepath.Join(home, ".holonet")
}

// Load reads path over the defaults and validates the result. A missing
// file is not an error when optional is true.
func Load(path, dataDir string, optional bool) (*Config, error) {
	cfg := Default(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses data over the defaults and validates the result.
func FromYAML(data []byte, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid config yaml: %w", err)
	}
	return nil
}

// Validate checks that the configuration can start a conductor.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config.data_dir is required")
	}
	if c.Keystore.Path == "" {
		return errors.New("config.keystore.path is required")
	}
	if _, _, err := net.SplitHostPort(c.Network.ListenAddr); err != nil {
		return fmt.Errorf("config.network.listen_addr: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.API.ListenAddr); err != nil {
		return fmt.Errorf("config.api.listen_addr: %w", err)
	}
	if c.API.AppRateLimit < 0 {
		return errors.New("config.api.app_rate_limit must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json, got %q", c.Logging.Format)
	}

	clamp, err := cell.ParseClamping(string(c.Tuning.Arc.Clamping))
	if err != nil {
		return fmt.Errorf("config.tuning.arc: %w", err)
	}
	c.Tuning.Arc.Clamping = clamp

	w := c.Tuning.Workflow
	if w.MinReceipts > w.RedundancyFactor {
		return fmt.Errorf("config.tuning.workflow.min_receipts (%d) exceeds redundancy_factor (%d)",
			w.MinReceipts, w.RedundancyFactor)
	}
	if w.MaxPublishInterval > 0 && w.MaxPublishInterval < w.MinPublishInterval {
		return errors.New("config.tuning.workflow.max_publish_interval is below min_publish_interval")
	}
	f := c.Tuning.Fetch
	if f.MaxBackoff > 0 && f.MaxBackoff < f.BaseBackoff {
		return errors.New("config.tuning.fetch.max_backoff is below base_backoff")
	}
	g := c.Tuning.Gossip
	if g.MaxInflight < 0 || g.RegionMaxOps < 0 || g.BatchOps < 0 {
		return errors.New("config.tuning.gossip counts must not be negative")
	}
	if g.RecentBandwidth < 0 || g.HistoricalBandwidth < 0 {
		return errors.New("config.tuning.gossip bandwidth must not be negative")
	}
	if c.Tuning.DrainTimeout < 0 {
		return errors.New("config.tuning.drain_timeout must not be negative")
	}
	return nil
}

// KeystorePath resolves the key file path against DataDir.
func (c *Config) KeystorePath() string {
	if filepath.IsAbs(c.Keystore.Path) {
		return c.Keystore.Path
	}
	return filepath.Join(c.DataDir, c.Keystore.Path)
}

// ConductorTuning converts the file form into what the conductor takes.
func (c *Config) ConductorTuning() conductor.Tuning {
	t := c.Tuning
	return conductor.Tuning{
		Workflow: t.Workflow,
		Gossip:   t.Gossip,
		Fetch: fetch.Config{
			ByteLimit:        t.Fetch.ByteLimit,
			BaseBackoff:      t.Fetch.BaseBackoff,
			MaxBackoff:       t.Fetch.MaxBackoff,
			SourceRetryDelay: t.Fetch.SourceRetryDelay,
		},
		Arc:          t.Arc,
		DrainTimeout: t.DrainTimeout,
	}
}

// Passphrase returns the keystore passphrase from the environment.
func Passphrase() (string, error) {
	p := os.Getenv(PassphraseEnv)
	if p == "" {
		return "", fmt.Errorf("set %s to unlock the keystore", PassphraseEnv)
	}
	return p, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config.logging.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Template is the commented config written by "holonet init".
const Template = `# holonet conductor configuration. Unset keys take their defaults.
keystore:
  path: keystore.json

network:
  listen_addr: 0.0.0.0:4600
  # advertise_url: ws://example.org:4600/ws

api:
  listen_addr: 127.0.0.1:4500
  app_rate_limit: 600

logging:
  level: info
  format: text

tuning:
  workflow:
    redundancy_factor: 5
    min_receipts: 3
    min_publish_interval: 5m
    sys_validation_retry: 10s
  gossip:
    recent_threshold: 15m
    recent_round_interval: 10s
    historical_round_interval: 5m
    peer_on_success_delay: 60s
    peer_on_error_delay: 300s
    max_inflight: 3
    max_accepts_per_minute: 120
  fetch:
    byte_limit: 67108864
  arc:
    target_redundancy: 50
    arc_clamping: none
  drain_timeout: 10s
`

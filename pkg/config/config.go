// Package config loads pcapscrub's configuration map: a YAML file naming
// which stages run and how, with env-var overrides for container/CI use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pcapscrub configuration map.
type Config struct {
	Dedup struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"dedup"`

	Anon struct {
		Enabled  bool   `yaml:"enabled"`
		PrefixV4 int    `yaml:"prefix_v4"`
		PrefixV6 int    `yaml:"prefix_v6"`
		Seed     uint64 `yaml:"seed"`
	} `yaml:"anon"`

	Mask struct {
		Enabled     bool `yaml:"enabled"`
		TLSAnalyser struct {
			Path      string `yaml:"path"`
			TimeoutMs int    `yaml:"timeout_ms"`
			// MinVersion records the external tool version this
			// configuration was validated against.
			MinVersion string `yaml:"min_version"`
		} `yaml:"tls_analyser"`
	} `yaml:"mask"`

	Pipeline struct {
		TempDir string `yaml:"temp_dir"`
		Workers int     `yaml:"workers"`
	} `yaml:"pipeline"`

	Progress struct {
		IntervalMs int `yaml:"interval_ms"`
		// WSAddr, if set, serves progress events to WebSocket
		// subscribers on this address (path /progress). GRPCAddr does
		// the same over gRPC, which also accepts remote cancellation.
		WSAddr   string `yaml:"ws_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"progress"`
}

// Default returns the documented defaults: Dedup and Anonymise on, Mask
// off (a caller should opt into payload rewriting explicitly), IPv4 /24,
// IPv6 /64, a 100ms progress interval, and a worker count resolved at run
// time from the host's CPU count (0 here signals "unset").
func Default() Config {
	var c Config
	c.Dedup.Enabled = true
	c.Anon.Enabled = true
	c.Anon.PrefixV4 = 24
	c.Anon.PrefixV6 = 64
	c.Mask.Enabled = false
	c.Mask.TLSAnalyser.TimeoutMs = 30_000
	c.Progress.IntervalMs = 100
	return c
}

// Load reads a YAML configuration file, starting from Default() so any
// field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnvOverrides overlays environment variables onto c, so a container
// can override individual keys without mounting a new file.
func (c *Config) ApplyEnvOverrides() {
	if v, ok := getEnvBool("PCAPSCRUB_DEDUP_ENABLED"); ok {
		c.Dedup.Enabled = v
	}
	if v, ok := getEnvBool("PCAPSCRUB_ANON_ENABLED"); ok {
		c.Anon.Enabled = v
	}
	c.Anon.PrefixV4 = getEnvInt("PCAPSCRUB_ANON_PREFIX_V4", c.Anon.PrefixV4)
	c.Anon.PrefixV6 = getEnvInt("PCAPSCRUB_ANON_PREFIX_V6", c.Anon.PrefixV6)
	if v := os.Getenv("PCAPSCRUB_ANON_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Anon.Seed = seed
		}
	}
	if v, ok := getEnvBool("PCAPSCRUB_MASK_ENABLED"); ok {
		c.Mask.Enabled = v
	}
	if v := os.Getenv("PCAPSCRUB_MASK_TLS_ANALYSER_PATH"); v != "" {
		c.Mask.TLSAnalyser.Path = v
	}
	c.Mask.TLSAnalyser.TimeoutMs = getEnvInt("PCAPSCRUB_MASK_TLS_ANALYSER_TIMEOUT_MS", c.Mask.TLSAnalyser.TimeoutMs)
	if v := os.Getenv("PCAPSCRUB_MASK_TLS_ANALYSER_MIN_VERSION"); v != "" {
		c.Mask.TLSAnalyser.MinVersion = v
	}
	if v := os.Getenv("PCAPSCRUB_TEMP_DIR"); v != "" {
		c.Pipeline.TempDir = v
	}
	c.Pipeline.Workers = getEnvInt("PCAPSCRUB_WORKERS", c.Pipeline.Workers)
	c.Progress.IntervalMs = getEnvInt("PCAPSCRUB_PROGRESS_INTERVAL_MS", c.Progress.IntervalMs)
	if v := os.Getenv("PCAPSCRUB_PROGRESS_WS_ADDR"); v != "" {
		c.Progress.WSAddr = v
	}
	if v := os.Getenv("PCAPSCRUB_PROGRESS_GRPC_ADDR"); v != "" {
		c.Progress.GRPCAddr = v
	}
}

// TLSAnalyserTimeout converts the configured millisecond timeout to a
// time.Duration, the unit pkg/tlsmask actually consumes.
func (c Config) TLSAnalyserTimeout() time.Duration {
	return time.Duration(c.Mask.TLSAnalyser.TimeoutMs) * time.Millisecond
}

// ProgressInterval converts the configured millisecond interval to a
// time.Duration, the unit pkg/pipeline actually consumes.
func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.Progress.IntervalMs) * time.Millisecond
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
	"github.com/shaunagostinho/kline-dash/internal/kline"
	"github.com/shaunagostinho/kline-dash/internal/logging"
)

const defaultConfigPath = "/etc/kline-dash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// ECU connection and payload layout
	ECU ECUConfig `yaml:"ecu" json:"ecu"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// CSV data logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Process logs
	Log logging.Config `yaml:"log" json:"log"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ECUConfig struct {
	Type   string `yaml:"type" json:"type"`      // "kline" or "demo"
	PollHz int    `yaml:"poll_hz" json:"pollHz"` // ECU polling rate

	ecu.KLineConfig `yaml:",inline"`
}

type DisplayConfig struct {
	Layout string  `yaml:"layout" json:"layout"` // "classic", "grid"
	Gauges []Gauge `yaml:"gauges" json:"gauges"`
}

// Gauge is how the dashboard renders one channel.
type Gauge struct {
	Channel string  `yaml:"channel" json:"channel"`
	Label   string  `yaml:"label" json:"label"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Warn    float64 `yaml:"warn" json:"warn"`     // 0 disables
	Danger  float64 `yaml:"danger" json:"danger"` // 0 disables
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	demo := ecu.DemoConfig(kline.DS2.String())
	return &Config{
		ECU: ECUConfig{
			Type:   "demo",
			PollHz: 20,
			KLineConfig: ecu.KLineConfig{
				PortPath: "/dev/ttyUSB0",
				BaudRate: kline.DefaultBaudRate,
				Bus:      demo.Bus,
				Device:   demo.Device,
				Payload:  demo.Payload,
				Channels: demo.Channels,
			},
		},
		Display: DisplayConfig{
			Layout: "classic",
			Gauges: []Gauge{
				{Channel: "rpm", Label: "RPM", Max: 8000, Warn: 6000, Danger: 7000},
				{Channel: "speed", Label: "Speed", Max: 260},
				{Channel: "coolant", Label: "Coolant", Min: 40, Max: 130, Warn: 100, Danger: 110},
				{Channel: "iat", Label: "Intake", Min: -20, Max: 80, Warn: 60, Danger: 75},
				{Channel: "tps", Label: "Throttle", Max: 100},
				{Channel: "lambda", Label: "Lambda", Min: 0.7, Max: 1.3},
				{Channel: "battery", Label: "Battery", Min: 10, Max: 16},
				{Channel: "advance", Label: "Advance", Min: -10, Max: 45},
			},
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/kline-dash",
			Interval: 100,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	log := slog.Default().With("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", "path", path, "err", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", "path", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	slog.Debug("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		// Strip surrounding quotes
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ECU_TYPE, ECU_PORT, ECU_BAUD, ECU_PROTOCOL, ECU_DEVICE,
// ECU_TIMEOUT_MS, LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS,
// LOG_LEVEL, LOG_FORMAT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECU_TYPE"); v != "" {
		c.ECU.Type = v
	}
	if v := os.Getenv("ECU_PORT"); v != "" {
		c.ECU.PortPath = v
	}
	if v := os.Getenv("ECU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.BaudRate = n
		}
	}
	if v := os.Getenv("ECU_PROTOCOL"); v != "" {
		c.ECU.Bus.Variant = v
	}
	if v := os.Getenv("ECU_DEVICE"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			c.ECU.Device = uint8(n)
		}
	}
	if v := os.Getenv("ECU_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.Bus.TimeoutMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// ECUSnapshot returns a copy of the ECU section.
func (c *Config) ECUSnapshot() ECUConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.ECU
	e.Channels = append([]ecu.Channel(nil), c.ECU.Channels...)
	return e
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DisplaySnapshot returns a copy of the display section.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Display
	d.Gauges = append([]Gauge(nil), c.Display.Gauges...)
	return d
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into a fresh struct so
	// removed list entries do not linger.
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := ecu.ValidateChannels(next.ECU.Channels); err != nil {
		return err
	}
	if _, err := kline.ParseVariant(next.ECU.Bus.Variant); err != nil {
		return err
	}
	c.ECU = next.ECU
	c.Display = next.Display
	c.Logging = next.Logging
	c.Log = next.Log
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

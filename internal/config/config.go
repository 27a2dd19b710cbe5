package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `yaml:"log_level"`
	DBPath        string              `yaml:"db_path"`
	SingBox       SingBoxConfig       `yaml:"singbox"`
	StatsAPI      StatsAPIConfig      `yaml:"stats_api"`
	Collector     CollectorConfig     `yaml:"collector"`
	Health        HealthConfig        `yaml:"health"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type SingBoxConfig struct {
	ConfigPath     string   `yaml:"config_path"`
	CheckCommand   []string `yaml:"check_command"` // "{config}" is replaced with config_path
	ReloadCommand  []string `yaml:"reload_command"`
	RestartCommand []string `yaml:"restart_command"`
	ResyncInterval int      `yaml:"resync_interval"` // seconds, 0 disables periodic resync
}

type StatsAPIConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
	Timeout int    `yaml:"timeout"` // seconds
}

type CollectorConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
	Warmup   int  `yaml:"warmup"`   // seconds before the first poll
}

type HealthConfig struct {
	Tags         []string `yaml:"tags"`
	ProbeURL     string   `yaml:"probe_url"`
	ProbeTimeout int      `yaml:"probe_timeout"` // milliseconds, passed to the daemon
	Concurrency  int      `yaml:"concurrency"`
	Interval     int      `yaml:"interval"` // seconds between background rounds, 0 disables
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"` // e.g. "127.0.0.1:9470", empty disables
	Metrics bool   `yaml:"metrics"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DBPath:   "/var/lib/singbox-panel/panel.db",
		SingBox: SingBoxConfig{
			ConfigPath:     "/etc/sing-box/config.json",
			CheckCommand:   []string{"sing-box", "check", "-c", "{config}"},
			ReloadCommand:  []string{"systemctl", "reload", "sing-box"},
			RestartCommand: []string{"systemctl", "restart", "sing-box"},
			ResyncInterval: 300,
		},
		StatsAPI: StatsAPIConfig{
			URL:     "http://127.0.0.1:9090",
			Timeout: 5,
		},
		Collector: CollectorConfig{
			Enabled:  true,
			Interval: 60,
			Warmup:   90,
		},
		Health: HealthConfig{
			Tags:         []string{"wg-jp", "wg-sg", "wg-uk", "auto-best", "direct"},
			ProbeURL:     "https://www.gstatic.com/generate_204",
			ProbeTimeout: 5000,
			Concurrency:  4,
			Interval:     300,
		},
		Observability: ObservabilityConfig{
			Addr:    "127.0.0.1:9470",
			Metrics: true,
		},
	}
}

// envKeys maps the environment names used by existing deployments to
// configuration paths.
var envKeys = map[string]string{
	"singbox_config":     "singbox.config_path",
	"singbox_api":        "stats_api.url",
	"singbox_api_secret": "stats_api.secret",
	"db_path":            "db_path",
	"log_level":          "log_level",
	"health_tags":        "health.tags",
	"panel_metrics_addr": "observability.addr",
}

var sliceKeys = []string{"health.tags"}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if err := splitLists(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(name string) string {
	return envKeys[strings.ToLower(name)]
}

// splitLists turns comma separated environment values into lists.
func splitLists(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if err := k.Set(key, items); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.SingBox.ConfigPath == "" {
		return fmt.Errorf("singbox: config_path is required")
	}
	if len(c.SingBox.CheckCommand) == 0 {
		return fmt.Errorf("singbox: check_command is required")
	}
	if len(c.SingBox.ReloadCommand) == 0 {
		return fmt.Errorf("singbox: reload_command is required")
	}
	if len(c.SingBox.RestartCommand) == 0 {
		return fmt.Errorf("singbox: restart_command is required")
	}
	if c.SingBox.ResyncInterval < 0 {
		return fmt.Errorf("singbox: resync_interval must not be negative")
	}
	if c.StatsAPI.URL == "" {
		return fmt.Errorf("stats_api: url is required")
	}
	if c.StatsAPI.Timeout <= 0 {
		c.StatsAPI.Timeout = 5
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector: interval must be positive")
	}
	if c.Collector.Warmup < 0 {
		return fmt.Errorf("collector: warmup must not be negative")
	}
	if c.Health.ProbeURL == "" {
		return fmt.Errorf("health: probe_url is required")
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 5000
	}
	if c.Health.Concurrency <= 0 {
		c.Health.Concurrency = 4
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health: interval must not be negative")
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *StatsAPIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *CollectorConfig) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *CollectorConfig) WarmupDelay() time.Duration {
	return time.Duration(c.Warmup) * time.Second
}

func (c *HealthConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Millisecond
}

func (c *HealthConfig) MonitorInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func (c *SingBoxConfig) ResyncEvery() time.Duration {
	return time.Duration(c.ResyncInterval) * time.Second
}

package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Camera          CameraConfig      `yaml:"camera"`
	API             APIConfig         `yaml:"api"`
	Database        DatabaseConfig    `yaml:"database"`
	Gallery         GalleryConfig     `yaml:"gallery"`
	Effects         EffectsConfig     `yaml:"effects"`
	LightLink       LightLinkConfig   `yaml:"lightlink"`
	Timelapse       TimelapseConfig   `yaml:"timelapse"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Log             LogConfig         `yaml:"log"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// CameraConfig contains capture-session controller settings
type CameraConfig struct {
	Backend        string   `yaml:"backend"`         // Capture backend: "sim" (default)
	DefaultFacing  string   `yaml:"default_facing"`  // Facing configured at startup: "front" or "back"
	SetupTimeout   Duration `yaml:"setup_timeout"`   // Deadline for a configure pass to reach running (default: 5s)
	ReconcileEvery Duration `yaml:"reconcile_every"` // Readiness reconcile interval (default: 1s)
	RetryBudget    int      `yaml:"retry_budget"`    // Consecutive repair attempts before terminal failure (default: 3)
	MaskDrift      *bool    `yaml:"mask_drift"`      // Restart a stopped-but-wanted session instead of reporting (default: true)
	RestartRPS     float64  `yaml:"restart_rps"`     // Rate limit for drift restarts (default: 0.5)
	CaptureTimeout Duration `yaml:"capture_timeout"` // Max wait for a capture to complete (default: 10s)

	Sim SimConfig `yaml:"sim"`
}

// GetMaskDrift returns the drift masking policy, on unless disabled
func (c *CameraConfig) GetMaskDrift() bool {
	if c.MaskDrift == nil {
		return true
	}
	return *c.MaskDrift
}

// GetRetryBudget returns the repair budget with default
func (c *CameraConfig) GetRetryBudget() int {
	if c.RetryBudget <= 0 {
		return 3
	}
	return c.RetryBudget
}

// SimConfig tunes the simulated capture backend
type SimConfig struct {
	WarmupDelay Duration `yaml:"warmup_delay"` // Delay before a started session reports running
	FrameWidth  int      `yaml:"frame_width"`  // Synthetic photo width (default: 640)
	FrameHeight int      `yaml:"frame_height"` // Synthetic photo height (default: 480)
	FailStarts  int      `yaml:"fail_starts"`  // Fail the first N session starts (fault injection for dev)
}

// APIConfig contains control API server settings
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GalleryConfig contains photo library settings
type GalleryConfig struct {
	Dir       string `yaml:"dir"`        // Directory for captured JPEG files
	ListLimit int    `yaml:"list_limit"` // Max photos returned by a list call (default: 100)
}

// GetListLimit returns the list window size with default
func (c *GalleryConfig) GetListLimit() int {
	if c.ListLimit <= 0 {
		return 100
	}
	return c.ListLimit
}

// EffectsConfig contains scripted lighting effect settings
type EffectsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`        // Directory of effect scripts, hot-reloaded on change
	QueueSize int    `yaml:"queue_size"` // Lua work queue size (default: 64)
}

// GetQueueSize returns the work queue size with default
func (c *EffectsConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 64
	}
	return c.QueueSize
}

// LightLinkConfig contains physical fill-light mirroring settings
type LightLinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Bridge  string   `yaml:"bridge"` // Hue bridge host, discovered when empty
	Token   string   `yaml:"token"`
	Lights  []string `yaml:"lights"` // Lamp names to mirror the overlay onto
	Quiet   Duration `yaml:"quiet"`  // Debounce window for overlay bursts (default: 300ms)

	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Max lamp writes per second (default: 5)

	// Bridge connect retry settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between attempts (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between attempts (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxConnects     int      `yaml:"max_connects"`      // Max connect attempts, 0 = infinite (default: 0)
}

// TimelapseConfig contains periodic capture settings
type TimelapseConfig struct {
	Interval Duration `yaml:"interval"` // Default capture period (default: 30s)
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// GetLevel returns the log level with default
func (c *LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./softboxd.sqlite"
	}

	// Camera defaults
	if cfg.Camera.Backend == "" {
		cfg.Camera.Backend = "sim"
	}
	if cfg.Camera.DefaultFacing == "" {
		cfg.Camera.DefaultFacing = "front"
	}
	if cfg.Camera.SetupTimeout == 0 {
		cfg.Camera.SetupTimeout = Duration(5 * time.Second)
	}
	if cfg.Camera.ReconcileEvery == 0 {
		cfg.Camera.ReconcileEvery = Duration(1 * time.Second)
	}
	if cfg.Camera.RestartRPS == 0 {
		cfg.Camera.RestartRPS = 0.5
	}
	if cfg.Camera.CaptureTimeout == 0 {
		cfg.Camera.CaptureTimeout = Duration(10 * time.Second)
	}
	if cfg.Camera.Sim.FrameWidth == 0 {
		cfg.Camera.Sim.FrameWidth = 640
	}
	if cfg.Camera.Sim.FrameHeight == 0 {
		cfg.Camera.Sim.FrameHeight = 480
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8686
	}

	// Gallery defaults
	if cfg.Gallery.Dir == "" {
		cfg.Gallery.Dir = "./photos"
	}

	// Effects defaults
	if cfg.Effects.Dir == "" {
		cfg.Effects.Dir = "./effects"
	}

	// Light link defaults
	if cfg.LightLink.Quiet == 0 {
		cfg.LightLink.Quiet = Duration(300 * time.Millisecond)
	}
	if cfg.LightLink.RateLimitRPS == 0 {
		cfg.LightLink.RateLimitRPS = 5.0
	}
	if cfg.LightLink.MinRetryBackoff == 0 {
		cfg.LightLink.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.LightLink.MaxRetryBackoff == 0 {
		cfg.LightLink.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.LightLink.RetryMultiplier == 0 {
		cfg.LightLink.RetryMultiplier = 2.0
	}
	// MaxConnects defaults to 0 (infinite), no need to set

	// Timelapse defaults
	if cfg.Timelapse.Interval == 0 {
		cfg.Timelapse.Interval = Duration(30 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}

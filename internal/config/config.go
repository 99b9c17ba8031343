package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flywheel/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Automation AutomationConfig `yaml:"automation"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	APIKey        string        `yaml:"apiKey"`       // optional static API key header (X-API-Key)
	StorageDir    string        `yaml:"storageDir"`   // assets, debug snapshots, default db location
	DatabasePath  string        `yaml:"databasePath"` // optional, overrides default storage_dir/flywheel.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	LogLevel      string        `yaml:"logLevel"` // debug|info|warn|error
}

// AutomationConfig drives the browser automation engine.
type AutomationConfig struct {
	SurfaceURL    string   `yaml:"surfaceUrl"`    // entry point of the generation surface
	AuthDomains   []string `yaml:"authDomains"`   // external auth domains that indicate an expired session
	CookieDomains []string `yaml:"cookieDomains"` // domain family accepted on credential import
	Headless      bool     `yaml:"headless"`

	SessionLoadTimeout time.Duration `yaml:"sessionLoadTimeout"` // page load during session check
	ProbeTimeout       time.Duration `yaml:"probeTimeout"`       // per indicator probe
	AuthCheckTimeout   time.Duration `yaml:"authCheckTimeout"`   // whole standalone health check
	ProfileTimeout     time.Duration `yaml:"profileTimeout"`     // brand profile bootstrap
	GenerationTimeout  time.Duration `yaml:"generationTimeout"`  // campaign generation

	MaxAssets     int `yaml:"maxAssets"`     // cap on extracted images per run
	MinImageWidth int `yaml:"minImageWidth"` // page-wide fallback filter

	PacingMin   time.Duration `yaml:"pacingMin"` // human-mimicking delay window
	PacingMax   time.Duration `yaml:"pacingMax"`
	SkipPacing  bool          `yaml:"skipPacing"` // for automated testing
	AssetDir    string        `yaml:"assetDir"`   // defaults under storageDir
	SnapshotDir string        `yaml:"snapshotDir"`
}

// PublisherConfig configures the external posting API client and its limits.
type PublisherConfig struct {
	APIBaseURL    string        `yaml:"apiBaseUrl"`
	AccessToken   string        `yaml:"accessToken"` // supports env expansion
	Timeout       time.Duration `yaml:"timeout"`
	MaxCaptionLen int           `yaml:"maxCaptionLength"`
	MaxAssetSize  ByteSize      `yaml:"maxAssetSize"`
	MonthlyQuota  int           `yaml:"monthlyQuota"` // rolling per-month post limit
}

// SchedulerConfig configures the publication scheduler.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var FLYWHEEL_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("FLYWHEEL_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure working directories exist.
	for _, dir := range []string{cfg.Server.StorageDir, cfg.Automation.AssetDir, cfg.Automation.SnapshotDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure dir %q: %w", dir, err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "flywheel.db")
	}

	// Automation defaults
	a := &cfg.Automation
	if a.SessionLoadTimeout == 0 {
		a.SessionLoadTimeout = 30 * time.Second
	}
	if a.ProbeTimeout == 0 {
		a.ProbeTimeout = 5 * time.Second
	}
	if a.AuthCheckTimeout == 0 {
		a.AuthCheckTimeout = 10 * time.Second
	}
	if a.ProfileTimeout == 0 {
		a.ProfileTimeout = 90 * time.Second
	}
	if a.GenerationTimeout == 0 {
		a.GenerationTimeout = 120 * time.Second
	}
	if a.MaxAssets <= 0 {
		a.MaxAssets = 4
	}
	if a.MinImageWidth <= 0 {
		a.MinImageWidth = 200
	}
	if a.PacingMin == 0 {
		a.PacingMin = 2 * time.Second
	}
	if a.PacingMax == 0 {
		a.PacingMax = 5 * time.Second
	}
	if a.AssetDir == "" {
		a.AssetDir = filepath.Join(cfg.Server.StorageDir, common.AssetsDirName)
	}
	if a.SnapshotDir == "" {
		a.SnapshotDir = filepath.Join(cfg.Server.StorageDir, common.DebugDirName)
	}

	// Publisher defaults
	p := &cfg.Publisher
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
	if p.MaxCaptionLen <= 0 {
		p.MaxCaptionLen = 2200
	}
	if p.MaxAssetSize == 0 {
		p.MaxAssetSize = ByteSize(8 * 1024 * 1024) // 8 MiB
	}
	if p.MonthlyQuota <= 0 {
		p.MonthlyQuota = 25
	}

	// Scheduler defaults
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Minute
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Automation.SurfaceURL) == "" {
		return errors.New("automation.surfaceUrl is required")
	}
	if len(cfg.Automation.CookieDomains) == 0 {
		return errors.New("automation.cookieDomains is required")
	}
	if cfg.Automation.PacingMax < cfg.Automation.PacingMin {
		return fmt.Errorf("automation.pacingMax (%s) must be >= pacingMin (%s)",
			cfg.Automation.PacingMax, cfg.Automation.PacingMin)
	}
	if strings.TrimSpace(cfg.Publisher.APIBaseURL) == "" {
		return errors.New("publisher.apiBaseUrl is required")
	}
	if strings.TrimSpace(cfg.Publisher.AccessToken) == "" {
		return errors.New("publisher.accessToken is required")
	}
	return nil
}

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

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Compositing CompositingConfig `yaml:"compositing"`
	LLM         LLMConfig         `yaml:"llm"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	History     HistoryConfig     `yaml:"history"`
	Events      EventsConfig      `yaml:"events"`
	Target      TargetConfig      `yaml:"target"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	WorkerCount     int           `yaml:"workerCount"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	DatabasePath    string        `yaml:"databasePath"`    // run records, default storage_dir/compositor.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	RunTimeout      time.Duration `yaml:"runTimeout"`      // upper bound for one pipeline run
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
}

// CacheConfig configures the analysis cache.
type CacheConfig struct {
	Driver   string        `yaml:"driver"` // sqlite|redis|memory
	Path     string        `yaml:"path"`   // sqlite file, default storage_dir/analysis-cache.db
	TTL      time.Duration `yaml:"ttl"`
	Coalesce *bool         `yaml:"coalesce"` // share in-flight analysis for identical keys, default true
	Redis    RedisSettings `yaml:"redis"`
}

// RedisSettings for the redis cache driver.
type RedisSettings struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// CoalesceEnabled reports the effective coalescing setting.
func (c CacheConfig) CoalesceEnabled() bool {
	return c.Coalesce == nil || *c.Coalesce
}

// CompositingConfig tunes hole geometry.
type CompositingConfig struct {
	Padding  *float64 `yaml:"padding"`  // normalized, default 0.08
	Rounding string   `yaml:"rounding"` // nearest|floor|ceil
}

// LLMConfig selects provider and provider-specific options.
type LLMConfig struct {
	Provider string         `yaml:"provider"` // "mock" or "gemini"
	Mock     MockSettings   `yaml:"mock"`
	Gemini   GeminiSettings `yaml:"gemini"`
}

// MockSettings config for the mock collaborators.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
}

// GeminiSettings config for the Gemini generateContent API.
type GeminiSettings struct {
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
	Models  GeminiModels  `yaml:"models"`
}

// GeminiModels names the model used per role and tier.
type GeminiModels struct {
	AnalysisFast string `yaml:"analysisFast"`
	AnalysisPro  string `yaml:"analysisPro"`
	ImageFast    string `yaml:"imageFast"`    // HD
	ImageQuality string `yaml:"imageQuality"` // 2K, 4K
}

// GatewayConfig holds the credential pool for the failover gateway.
type GatewayConfig struct {
	KeyPool string `yaml:"keyPool"` // comma separated, usually ${GEMINI_KEY_POOL}
	Key     string `yaml:"key"`     // single key fallback, usually ${GEMINI_API_KEY}
}

// HistoryConfig selects where finished runs are archived.
type HistoryConfig struct {
	Driver      string `yaml:"driver"` // sqlite|postgres
	Path        string `yaml:"path"`   // sqlite file, default storage_dir/history.db
	DatabaseURL string `yaml:"databaseUrl"`
}

// EventsConfig configures stage event publishing.
type EventsConfig struct {
	MQTT MQTTSettings `yaml:"mqtt"`
}

// MQTTSettings for the MQTT stage emitter.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // host:port
	ClientID string `yaml:"clientId"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TargetConfig configures the output sink for finished images.
type TargetConfig struct {
	Dir              string `yaml:"dir"`
	FilenameTemplate string `yaml:"filenameTemplate"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
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
// Binary units accept Ki/Mi/Gi and KiB/MiB/GiB; decimal units KB/MB/GB.
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
	units := []struct {
		suffix string
		value  uint64
	}{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
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
// If path is empty, it tries COMPOSITOR_CONFIG, then "config.yaml".
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	loadDotEnv()
	if path == "" {
		if env := os.Getenv("COMPOSITOR_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in raw YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv never overrides variables already set in the environment.
func loadDotEnv() {
	for _, f := range []string{".env.local", ".env"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// Default returns a configuration with every default applied, as used by the CLI without a file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 5 * time.Minute
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if s.MaxUploadSize == 0 {
		s.MaxUploadSize = ByteSize(40 * 1024 * 1024)
	}
	if s.WorkerCount <= 0 {
		s.WorkerCount = 2
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = 64
	}
	if s.StorageDir == "" {
		s.StorageDir = "data"
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.StorageDir, "compositor.db")
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = 15 * time.Second
	}
	if s.RunTimeout == 0 {
		s.RunTimeout = 5 * time.Minute
	}
	if s.CallbackRetries == 0 {
		s.CallbackRetries = 3
	}
	if s.CallbackBackoff == 0 {
		s.CallbackBackoff = 2 * time.Second
	}
	if strings.TrimSpace(s.LogLevel) == "" {
		s.LogLevel = "info"
	}

	c := &cfg.Cache
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Path == "" {
		c.Path = filepath.Join(s.StorageDir, "analysis-cache.db")
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "compositor:analysis:"
	}

	if cfg.Compositing.Padding == nil {
		p := 0.08
		cfg.Compositing.Padding = &p
	}
	if cfg.Compositing.Rounding == "" {
		cfg.Compositing.Rounding = "nearest"
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = "mock"
	}
	if l.Gemini.BaseURL == "" {
		l.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if l.Gemini.Timeout == 0 {
		l.Gemini.Timeout = 2 * time.Minute
	}
	m := &l.Gemini.Models
	if m.AnalysisFast == "" {
		m.AnalysisFast = "gemini-2.5-flash"
	}
	if m.AnalysisPro == "" {
		m.AnalysisPro = "gemini-2.5-pro"
	}
	if m.ImageFast == "" {
		m.ImageFast = "gemini-2.5-flash-image"
	}
	if m.ImageQuality == "" {
		m.ImageQuality = "gemini-3-pro-image-preview"
	}

	if cfg.History.Driver == "" {
		cfg.History.Driver = "sqlite"
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(s.StorageDir, "history.db")
	}

	e := &cfg.Events.MQTT
	if e.ClientID == "" {
		e.ClientID = "compositor"
	}
	if e.Topic == "" {
		e.Topic = "compositor/runs"
	}

	if cfg.Target.Dir == "" {
		cfg.Target.Dir = filepath.Join(s.StorageDir, "outputs")
	}
	if cfg.Target.FilenameTemplate == "" {
		cfg.Target.FilenameTemplate = "{{.Timestamp}}-{{.Mode}}-{{.ID}}.png"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.logLevel %q is invalid", cfg.Server.LogLevel)
	}
	switch cfg.Cache.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("cache.driver %q is invalid", cfg.Cache.Driver)
	}
	if cfg.Cache.TTL < 0 {
		return errors.New("cache.ttl must be positive")
	}
	if p := *cfg.Compositing.Padding; p < 0 || p >= 0.5 {
		return fmt.Errorf("compositing.padding %v out of range [0,0.5)", p)
	}
	switch cfg.Compositing.Rounding {
	case "nearest", "floor", "ceil":
	default:
		return fmt.Errorf("compositing.rounding %q is invalid", cfg.Compositing.Rounding)
	}
	switch strings.ToLower(cfg.LLM.Provider) {
	case "mock":
	case "gemini":
		if strings.TrimSpace(cfg.Gateway.KeyPool) == "" && strings.TrimSpace(cfg.Gateway.Key) == "" {
			return errors.New("gateway.keyPool or gateway.key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("llm.provider %q is invalid", cfg.LLM.Provider)
	}
	switch cfg.History.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.History.DatabaseURL) == "" {
			return errors.New("history.databaseUrl is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history.driver %q is invalid", cfg.History.Driver)
	}
	if cfg.Events.MQTT.Enabled && strings.TrimSpace(cfg.Events.MQTT.Broker) == "" {
		return errors.New("events.mqtt.broker is required when mqtt is enabled")
	}
	if cfg.Events.MQTT.QoS > 2 {
		return fmt.Errorf("events.mqtt.qos %d is invalid", cfg.Events.MQTT.QoS)
	}
	return nil
}

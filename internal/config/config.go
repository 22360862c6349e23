package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultFallbackText is sent when the model answers without any text.
const DefaultFallbackText = "我現在有點忙，等我一下喔～"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Gemini    GeminiConfig    `koanf:"gemini"`
	LINE      LINEConfig      `koanf:"line"`
	Relay     RelayConfig     `koanf:"relay"`
	Reply     ReplyConfig     `koanf:"reply"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port         int    `koanf:"port"`
	ReadTimeout  string `koanf:"read_timeout"`
	WriteTimeout string `koanf:"write_timeout"`
}

type GeminiConfig struct {
	APIKey            string   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	Timeout           string   `koanf:"timeout"`
	SystemInstruction string   `koanf:"system_instruction"`
	MaxOutputTokens   int      `koanf:"max_output_tokens"`
	Temperature       *float32 `koanf:"temperature"`
}

type LINEConfig struct {
	ChannelAccessToken string `koanf:"channel_access_token"`
	ChannelSecret      string `koanf:"channel_secret"`
	APIBaseURL         string `koanf:"api_base_url"`
	Timeout            string `koanf:"timeout"`
}

// RelayConfig bounds the work done for one webhook delivery.
type RelayConfig struct {
	ProcessTimeout string `koanf:"process_timeout"`
	MaxBodyBytes   int64  `koanf:"max_body_bytes"`
}

type ReplyConfig struct {
	FallbackText    string `koanf:"fallback_text"`
	FallbackOnError bool   `koanf:"fallback_on_error"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
	TTL    string       `koanf:"ttl"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Exporter    string `koanf:"exporter"` // none, stdout
	ServiceName string `koanf:"service_name"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// SlogLevel returns the configured level, or info if it does not parse.
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// credentialEnv maps the well-known deployment variables onto config keys.
var credentialEnv = map[string]string{
	"GEMINI_API_KEY":            "gemini.api_key",
	"LINE_CHANNEL_ACCESS_TOKEN": "line.channel_access_token",
	"LINE_CHANNEL_SECRET":       "line.channel_secret",
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.read_timeout":     "10s",
	"server.write_timeout":    "60s",
	"gemini.model":            "gemini-1.5-flash",
	"gemini.base_url":         "https://generativelanguage.googleapis.com/v1beta",
	"gemini.timeout":          "20s",
	"line.api_base_url":       "https://api.line.me",
	"line.timeout":            "10s",
	"relay.process_timeout":   "25s",
	"relay.max_body_bytes":    1 << 20,
	"reply.fallback_text":     DefaultFallbackText,
	"reply.fallback_on_error": false,
	"storage.type":            "memory",
	"storage.sqlite.path":     "./data/relay.db",
	"storage.ttl":             "24h",
	"telemetry.exporter":      "none",
	"telemetry.service_name":  "line-gemini-relay",
	"logging.level":           "info",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config from the file named by RELAY_CONFIG (default
// config.yaml, optional), then RELAY_ environment overrides, then the
// credential variables. The result is validated.
func Load() (*Config, error) {
	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for envKey, path := range credentialEnv {
		if v := os.Getenv(envKey); v != "" {
			k.Set(path, v)
		}
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Gemini.APIKey = substituteEnvVars(cfg.Gemini.APIKey)
	cfg.LINE.ChannelAccessToken = substituteEnvVars(cfg.LINE.ChannelAccessToken)
	cfg.LINE.ChannelSecret = substituteEnvVars(cfg.LINE.ChannelSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports missing credentials and malformed values.
func (c *Config) Validate() error {
	var errs []error

	if c.Gemini.APIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.LINE.ChannelAccessToken == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_ACCESS_TOKEN is required"))
	}
	if c.LINE.ChannelSecret == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_SECRET is required"))
	}
	if c.Gemini.Model == "" {
		errs = append(errs, errors.New("gemini.model must not be empty"))
	}
	if strings.TrimSpace(c.Reply.FallbackText) == "" {
		errs = append(errs, errors.New("reply.fallback_text must not be empty"))
	}

	durations := map[string]string{
		"server.read_timeout":   c.Server.ReadTimeout,
		"server.write_timeout":  c.Server.WriteTimeout,
		"gemini.timeout":        c.Gemini.Timeout,
		"line.timeout":          c.LINE.Timeout,
		"relay.process_timeout": c.Relay.ProcessTimeout,
		"storage.ttl":           c.Storage.TTL,
	}
	for key, val := range durations {
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	switch c.Storage.Type {
	case "memory", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of memory, sqlite, none", c.Storage.Type))
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of none, stdout", c.Telemetry.Exporter))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Duration parses a duration that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

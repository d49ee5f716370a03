package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for Alfred.
type Config struct {
	General   GeneralConfig   `json:"general"`
	CRM       CRMConfig       `json:"crm"`
	Suggest   SuggestConfig   `json:"suggest"`
	Store     StoreConfig     `json:"store"`
	Agents    AgentsConfig    `json:"agents"`
	Loop      LoopConfig      `json:"loop"`
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	NATS      NATSConfig      `json:"nats"`
	Telegram  TelegramConfig  `json:"telegram"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// CRMConfig points the tools at the CRM backend.
type CRMConfig struct {
	APIBaseURL         string `json:"apiBaseUrl"`
	ServiceToken       string `json:"serviceToken,omitempty"` // used when a run carries no auth header
	TimeoutSeconds     int    `json:"timeoutSeconds"`
	MaxRetries         int    `json:"maxRetries"`
	RetryBaseMillis    int    `json:"retryBaseMillis"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"` // 0 = unlimited
	RateLimitBurst     int    `json:"rateLimitBurst,omitempty"`
}

// SuggestConfig selects where suggestReply drafts come from.
type SuggestConfig struct {
	Provider string       `json:"provider"` // "crm" | "openai"
	OpenAI   OpenAIConfig `json:"openai"`
}

type OpenAIConfig struct {
	APIKey       string  `json:"apiKey,omitempty"`
	APIBase      string  `json:"apiBase,omitempty"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" | "memory"
	DBPath string `json:"dbPath"`
}

type AgentsConfig struct {
	CatalogPath string `json:"catalogPath,omitempty"` // YAML file or directory; empty = built-in agents
}

type LoopConfig struct {
	Concurrency int `json:"concurrency"`
	BusSize     int `json:"busSize"`
}

type ServerConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SchedulerConfig configures the cron triggers. Every listed team gets its
// own fan-out.
type SchedulerConfig struct {
	Enabled           bool     `json:"enabled"`
	Teams             []string `json:"teams,omitempty"`
	LeadsColdSpec     string   `json:"leadsColdSpec"`
	SentimentSpec     string   `json:"sentimentSpec"`
	RunTimeoutSeconds int      `json:"runTimeoutSeconds"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Subject string `json:"subject"`
	Queue   string `json:"queue"`
	TeamID  string `json:"teamId,omitempty"` // default team for messages without one
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	TeamID    string         `json:"teamId,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.alfred).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".alfred"
	}
	return filepath.Join(home, ".alfred")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file over the defaults, then applies environment
// overrides. A missing file is not an error: defaults plus environment are
// used.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	default:
		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	ApplyEnv(cfg)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Agents.CatalogPath = ExpandPath(cfg.Agents.CatalogPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// envOverrides maps well-known environment variables onto config fields.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"AGENT_API_BASE_URL", func(c *Config, v string) { c.CRM.APIBaseURL = v }},
	{"AGENT_SERVICE_TOKEN", func(c *Config, v string) { c.CRM.ServiceToken = v }},
	{"OPENAI_API_KEY", func(c *Config, v string) { c.Suggest.OpenAI.APIKey = v }},
	{"ALFRED_DB_PATH", func(c *Config, v string) { c.Store.DBPath = v }},
	{"ALFRED_LOG_LEVEL", func(c *Config, v string) { c.General.LogLevel = v }},
	{"NATS_URL", func(c *Config, v string) { c.NATS.URL = v }},
	{"TELEGRAM_BOT_TOKEN", func(c *Config, v string) { c.Telegram.Token = v }},
	{"CORS_ORIGINS", func(c *Config, v string) { c.Server.CORSOrigins = splitList(v) }},
	{"PORT", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}},
}

// ApplyEnv overlays non-empty well-known environment variables on cfg.
func ApplyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := strings.TrimSpace(os.Getenv(o.name)); v != "" {
			o.apply(cfg, v)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.CRM.APIBaseURL == "" {
		errs = append(errs, "crm.apiBaseUrl is required")
	} else if !strings.HasPrefix(cfg.CRM.APIBaseURL, "http://") && !strings.HasPrefix(cfg.CRM.APIBaseURL, "https://") {
		errs = append(errs, "crm.apiBaseUrl must start with http:// or https://")
	}
	if cfg.CRM.TimeoutSeconds < 1 {
		errs = append(errs, "crm.timeoutSeconds must be >= 1")
	}
	if cfg.CRM.MaxRetries < 0 || cfg.CRM.MaxRetries > 10 {
		errs = append(errs, "crm.maxRetries must be between 0 and 10")
	}
	if cfg.CRM.RateLimitPerMinute < 0 {
		errs = append(errs, "crm.rateLimitPerMinute must be >= 0")
	}

	switch cfg.Suggest.Provider {
	case "crm":
	case "openai":
		if cfg.Suggest.OpenAI.APIKey == "" {
			errs = append(errs, "suggest.openai.apiKey is required when suggest.provider is openai")
		}
	default:
		errs = append(errs, "suggest.provider must be one of: crm, openai")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, memory")
	}

	if cfg.Loop.Concurrency < 1 || cfg.Loop.Concurrency > 100 {
		errs = append(errs, "loop.concurrency must be between 1 and 100")
	}
	if cfg.Loop.BusSize < 1 {
		errs = append(errs, "loop.busSize must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.LeadsColdSpec == "" || cfg.Scheduler.SentimentSpec == "" {
			errs = append(errs, "scheduler specs must not be empty")
		}
		if cfg.Scheduler.RunTimeoutSeconds < 1 {
			errs = append(errs, "scheduler.runTimeoutSeconds must be >= 1")
		}
	}

	if cfg.NATS.Enabled && (cfg.NATS.URL == "" || cfg.NATS.Subject == "") {
		errs = append(errs, "nats.url and nats.subject are required when nats is enabled")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

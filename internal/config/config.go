// Package config loads and validates the relay configuration from JSON, with
// environment-variable substitution and env overrides for credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for the relay.
type Config struct {
	General GeneralConfig `json:"general"`
	Lark    LarkConfig    `json:"lark"`
	Agent   AgentConfig   `json:"agent"`
	Dedup   DedupConfig   `json:"dedup"`
	Relay   RelayConfig   `json:"relay"`
	History HistoryConfig `json:"history"`
	Metrics MetricsConfig `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// LarkConfig holds app credentials and webhook settings.
type LarkConfig struct {
	AppID             string `json:"appId"`
	AppSecret         string `json:"appSecret"`
	EncryptKey        string `json:"encryptKey,omitempty"`
	VerificationToken string `json:"verificationToken,omitempty"`
	Domain            string `json:"domain"` // API base URL
	WebhookPort       int    `json:"webhookPort"`
	WebhookPath       string `json:"webhookPath"`
	TextChunkLimit    int    `json:"textChunkLimit"` // max characters per outbound message
}

// AgentConfig configures the external agent CLI invocation.
type AgentConfig struct {
	Command        string `json:"command"`
	Session        string `json:"session"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// DedupConfig bounds the duplicate-suppression window.
type DedupConfig struct {
	TTLSeconds int `json:"ttlSeconds"`
	MaxEntries int `json:"maxEntries"`
}

// RelayConfig tunes the processing loop.
type RelayConfig struct {
	MaxConcurrent int `json:"maxConcurrent"`
	BusBuffer     int `json:"busBuffer"`
}

type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.larkrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".larkrelay"
	}
	return filepath.Join(home, ".larkrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	cfg.ApplyEnv()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides config values from well-known environment variables, so
// credentials never have to live in the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("APP_ID"); v != "" {
		c.Lark.AppID = v
	}
	if v := os.Getenv("APP_SECRET"); v != "" {
		c.Lark.AppSecret = v
	}
	if v := os.Getenv("ENCRYPT_KEY"); v != "" {
		c.Lark.EncryptKey = v
	}
	if v := os.Getenv("VERIFICATION_TOKEN"); v != "" {
		c.Lark.VerificationToken = v
	}
	if v := os.Getenv("AGENT_SESSION"); v != "" {
		c.Agent.Session = v
	}
	if v := os.Getenv("DEDUP_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dedup.TTLSeconds = n
		}
	}
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

	if cfg.Lark.AppID == "" {
		errs = append(errs, "lark.appId is required")
	}
	if cfg.Lark.AppSecret == "" {
		errs = append(errs, "lark.appSecret is required")
	}
	if cfg.Lark.WebhookPort < 1 || cfg.Lark.WebhookPort > 65535 {
		errs = append(errs, "lark.webhookPort must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Lark.WebhookPath, "/") {
		errs = append(errs, "lark.webhookPath must start with /")
	}
	if cfg.Lark.TextChunkLimit < 1 {
		errs = append(errs, "lark.textChunkLimit must be >= 1")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}

	if cfg.Dedup.TTLSeconds < 1 {
		errs = append(errs, "dedup.ttlSeconds must be >= 1")
	}
	if cfg.Dedup.MaxEntries < 1 {
		errs = append(errs, "dedup.maxEntries must be >= 1")
	}

	if cfg.Relay.MaxConcurrent < 1 || cfg.Relay.MaxConcurrent > 100 {
		errs = append(errs, "relay.maxConcurrent must be between 1 and 100")
	}
	if cfg.Relay.BusBuffer < 1 {
		errs = append(errs, "relay.busBuffer must be >= 1")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}
	if cfg.History.RetentionDays < 1 {
		errs = append(errs, "history.retentionDays must be >= 1")
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

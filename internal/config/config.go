package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every group's environment overrides,
// e.g. RELAYBOT_NLU_ACCESSTOKEN.
const EnvPrefix = "RELAYBOT"

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Slack     SlackConfig     `json:"slack" yaml:"slack"`
	NLU       NLUConfig       `json:"nlu" yaml:"nlu"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	Control   ControlConfig   `json:"control" yaml:"control"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`   // debug | info | warn | error
	LogFormat             string `json:"logFormat" yaml:"logFormat"` // text | json
	LogFile               string `json:"logFile" yaml:"logFile"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
}

type SlackConfig struct {
	BotToken     string `json:"botToken" yaml:"botToken"`
	AppToken     string `json:"appToken" yaml:"appToken"` // required for Socket Mode
	DoNotRestart bool   `json:"doNotRestart" yaml:"doNotRestart"`
	Debug        bool   `json:"debug" yaml:"debug"`
}

type NLUConfig struct {
	AccessToken     string `json:"accessToken" yaml:"accessToken"`
	APIBase         string `json:"apiBase" yaml:"apiBase"`
	ProtocolVersion string `json:"protocolVersion" yaml:"protocolVersion"`
	Lang            string `json:"lang" yaml:"lang"`
	ContextName     string `json:"contextName" yaml:"contextName"`
	TimeoutSeconds  int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type AnalyticsConfig struct {
	APIKey  string `json:"apiKey" yaml:"apiKey"` // Dashbot; empty disables tracking
	APIBase string `json:"apiBase" yaml:"apiBase"`
}

type ControlConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port" envconfig:"PORT"`
	Metrics     bool     `json:"metrics" yaml:"metrics"`
	CORSOrigins []string `json:"corsOrigins" yaml:"corsOrigins"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the config file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults is Load, except that a missing file yields the defaults
// with environment overrides applied.
func LoadOrDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	cfg = Defaults()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// legacyEnv maps the bare variable names used by earlier deployments to the
// fields they set. Prefixed variables take precedence.
var legacyEnv = []struct {
	name string
	set  func(*Config, string)
}{
	{"accesstoken", func(c *Config, v string) { c.NLU.AccessToken = v }},
	{"slackkey", func(c *Config, v string) { c.Slack.BotToken = v }},
	{"slackappkey", func(c *Config, v string) { c.Slack.AppToken = v }},
	{"dashbotkey", func(c *Config, v string) { c.Analytics.APIKey = v }},
}

// ApplyEnv overrides cfg from the environment. Each group reads
// RELAYBOT_<GROUP>_<FIELD>; control.port also honours PORT.
func ApplyEnv(cfg *Config) error {
	for _, e := range legacyEnv {
		if v, ok := os.LookupEnv(e.name); ok && v != "" {
			e.set(cfg, v)
		}
	}

	groups := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefix + "_GENERAL", &cfg.General},
		{EnvPrefix + "_SLACK", &cfg.Slack},
		{EnvPrefix + "_NLU", &cfg.NLU},
		{EnvPrefix + "_ANALYTICS", &cfg.Analytics},
		{EnvPrefix + "_CONTROL", &cfg.Control},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env overrides %s: %w", g.prefix, err)
		}
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens may be stored inline.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Credentials are checked
// separately by ValidateCredentials so that tooling can load a partial config.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if cfg.NLU.APIBase == "" {
		errs = append(errs, "nlu.apiBase is required")
	}
	if cfg.NLU.TimeoutSeconds < 1 || cfg.NLU.TimeoutSeconds > 300 {
		errs = append(errs, "nlu.timeoutSeconds must be between 1 and 300")
	}
	if cfg.NLU.ContextName == "" {
		errs = append(errs, "nlu.contextName is required")
	}

	if cfg.Control.Port < 1 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateCredentials reports every credential required to serve that is
// missing.
func ValidateCredentials(cfg *Config) error {
	var missing []string
	if cfg.Slack.BotToken == "" {
		missing = append(missing, "slack.botToken (slackkey)")
	}
	if cfg.Slack.AppToken == "" {
		missing = append(missing, "slack.appToken (slackappkey)")
	}
	if cfg.NLU.AccessToken == "" {
		missing = append(missing, "nlu.accessToken (accesstoken)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
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

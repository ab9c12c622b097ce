package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkspace        = "./workspace"
	DefaultInterpreter      = "python3"
	DefaultPackageManager   = "pip"
	DefaultExecutionTimeout = 120
	DefaultInstallTimeout   = 300
	DefaultMaxOutputBytes   = 100 * 1024
	DefaultMaxRetryAttempts = 3
	DefaultMaxIterations    = 10
	DefaultRetryBaseDelayMs = 1000
	DefaultRetryMaxDelayMs  = 30000
	DefaultRetryMultiplier  = 2.0
	DefaultLedgerPath       = "stepforge.db"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Sandbox   SandboxConfig             `json:"sandbox" yaml:"sandbox"`
	Agent     AgentConfig               `json:"agent" yaml:"agent"`
	Policy    PolicyConfig              `json:"policy" yaml:"policy"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name"`
	Workspace string `json:"workspace" yaml:"workspace"`
	LogDir    string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
}

// GatewayConfig configures a notification channel. ChatID is a Telegram chat
// id or a Discord channel id.
type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	ChatID  string `json:"chat_id" yaml:"chat_id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type SandboxConfig struct {
	Interpreter             string   `json:"interpreter" yaml:"interpreter"`
	PackageManager          string   `json:"package_manager" yaml:"package_manager"`
	DefaultPackages         []string `json:"default_packages" yaml:"default_packages"`
	ExecutionTimeoutSeconds int      `json:"execution_timeout_seconds" yaml:"execution_timeout_seconds"`
	InstallTimeoutSeconds   int      `json:"install_timeout_seconds" yaml:"install_timeout_seconds"`
	MaxOutputBytes          int      `json:"max_output_bytes" yaml:"max_output_bytes"`
}

type AgentConfig struct {
	MaxRetryAttempts int     `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	MaxIterations    int     `json:"max_iterations" yaml:"max_iterations"`
	RetryBaseDelayMs int     `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int     `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	RetryMultiplier  float64 `json:"retry_multiplier" yaml:"retry_multiplier"`
	PromptsDir       string  `json:"prompts_dir,omitempty" yaml:"prompts_dir,omitempty"`
	MaxToolSteps     int     `json:"max_tool_steps,omitempty" yaml:"max_tool_steps,omitempty"`
}

// PolicyConfig lists tool restrictions applied before any tool call runs.
type PolicyConfig struct {
	DenyTools    []string `json:"deny_tools" yaml:"deny_tools"`
	DenyPatterns []string `json:"deny_patterns" yaml:"deny_patterns"`
}

// LoadConfig reads a JSON or YAML config file (chosen by extension), loads a
// .env file next to it when present, applies environment overrides and fills
// defaults. An empty path yields a config built from defaults and environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	}
	loadDotEnv(".env")

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}
	_ = godotenv.Load(path)
}

func (c *Config) applyEnv() {
	if ws := os.Getenv("STEPFORGE_WORKSPACE"); ws != "" {
		c.App.Workspace = ws
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	envKeys := map[string]string{
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"gemini":     "GOOGLE_API_KEY",
	}
	for name, key := range envKeys {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		p, ok := c.Providers[name]
		if !ok {
			continue
		}
		if p.APIKey == "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
	if c.Gateways == nil {
		c.Gateways = make(map[string]GatewayConfig)
	}
	if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
		if g, ok := c.Gateways["telegram"]; ok && g.Token == "" {
			g.Token = tok
			c.Gateways["telegram"] = g
		}
	}
	if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
		if g, ok := c.Gateways["discord"]; ok && g.Token == "" {
			g.Token = tok
			c.Gateways["discord"] = g
		}
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "stepforge"
	}
	if c.App.Workspace == "" {
		c.App.Workspace = DefaultWorkspace
	}
	if c.App.LogDir == "" {
		c.App.LogDir = "logs"
	}
	if c.Memory.Type == "" {
		c.Memory.Type = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = DefaultLedgerPath
	}

	s := &c.Sandbox
	if s.Interpreter == "" {
		s.Interpreter = DefaultInterpreter
	}
	if s.PackageManager == "" {
		s.PackageManager = DefaultPackageManager
	}
	if s.ExecutionTimeoutSeconds == 0 {
		s.ExecutionTimeoutSeconds = DefaultExecutionTimeout
	}
	if s.InstallTimeoutSeconds == 0 {
		s.InstallTimeoutSeconds = DefaultInstallTimeout
	}
	if s.MaxOutputBytes == 0 {
		s.MaxOutputBytes = DefaultMaxOutputBytes
	}

	a := &c.Agent
	if a.MaxRetryAttempts == 0 {
		a.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if a.MaxIterations == 0 {
		a.MaxIterations = DefaultMaxIterations
	}
	if a.RetryBaseDelayMs == 0 {
		a.RetryBaseDelayMs = DefaultRetryBaseDelayMs
	}
	if a.RetryMaxDelayMs == 0 {
		a.RetryMaxDelayMs = DefaultRetryMaxDelayMs
	}
	if a.RetryMultiplier == 0 {
		a.RetryMultiplier = DefaultRetryMultiplier
	}
	if a.MaxToolSteps == 0 {
		a.MaxToolSteps = 10
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Sandbox.ExecutionTimeoutSeconds < 0:
		return fmt.Errorf("%w: sandbox.execution_timeout_seconds must be positive", ErrInvalidConfig)
	case c.Sandbox.InstallTimeoutSeconds < 0:
		return fmt.Errorf("%w: sandbox.install_timeout_seconds must be positive", ErrInvalidConfig)
	case c.Sandbox.MaxOutputBytes < 0:
		return fmt.Errorf("%w: sandbox.max_output_bytes must be positive", ErrInvalidConfig)
	case c.Agent.MaxRetryAttempts < 1:
		return fmt.Errorf("%w: agent.max_retry_attempts must be at least 1", ErrInvalidConfig)
	case c.Agent.MaxIterations < 1:
		return fmt.Errorf("%w: agent.max_iterations must be at least 1", ErrInvalidConfig)
	case c.Agent.RetryMultiplier < 1:
		return fmt.Errorf("%w: agent.retry_multiplier must be >= 1", ErrInvalidConfig)
	case c.Agent.RetryMaxDelayMs < c.Agent.RetryBaseDelayMs:
		return fmt.Errorf("%w: agent.retry_max_delay_ms is below retry_base_delay_ms", ErrInvalidConfig)
	}
	return nil
}

func (s SandboxConfig) ExecutionTimeout() time.Duration {
	return time.Duration(s.ExecutionTimeoutSeconds) * time.Second
}

func (s SandboxConfig) InstallTimeout() time.Duration {
	return time.Duration(s.InstallTimeoutSeconds) * time.Second
}

func (a AgentConfig) RetryBaseDelay() time.Duration {
	return time.Duration(a.RetryBaseDelayMs) * time.Millisecond
}

func (a AgentConfig) RetryMaxDelay() time.Duration {
	return time.Duration(a.RetryMaxDelayMs) * time.Millisecond
}

// GetDefaultProvider returns the first enabled provider in name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGatewayConfig returns the named gateway config if it is enabled and has a token.
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}

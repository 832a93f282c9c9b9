// Package config provides configuration management for the portfolio assistant.
//
// Values are layered: built-in defaults, then an optional YAML file, then environment variables. Command-line flags
// are bound on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cchalm/portfolio-assistant/internal/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderGemini:    "gemini-2.5-flash",
}

// Config holds the configuration for the assistant
type Config struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	Stream          bool   `yaml:"stream"`

	// Project source. Exactly one of GitHubRepository and ProjectsFile is used; the file wins if both are set
	GitHubToken      string `yaml:"-"`
	GitHubRepository string `yaml:"github_repository"` // owner/repo
	ProjectsFile     string `yaml:"projects_file"`

	SystemPromptFile    string        `yaml:"system_prompt_file"`
	MaxToolTurns        int           `yaml:"max_tool_turns"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	CompletionTimeout   time.Duration `yaml:"completion_timeout"`
	Temperature         float64       `yaml:"temperature"`
	MaxTokens           int64         `yaml:"max_tokens"`
	RewriteIDRequests   bool          `yaml:"rewrite_id_requests"`
	PreserveKeywords    []string      `yaml:"preserve_keywords"`

	SessionsDir  string `yaml:"sessions_dir"`
	ArtifactsDir string `yaml:"artifacts_dir"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"` // console or json
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Provider:            ProviderAnthropic,
		MaxToolTurns:        10,
		MaxRecoveryAttempts: 3,
		MaxAttempts:         3,
		ToolTimeout:         30 * time.Second,
		CompletionTimeout:   60 * time.Second,
		Temperature:         0.2,
		MaxTokens:           4096,
		RewriteIDRequests:   true,
		PreserveKeywords:    []string{"critical", "important", "never", "always", "visualization"},
		SessionsDir:         ".sessions",
		ArtifactsDir:        "artifacts",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Load builds a configuration from defaults, the YAML file at path (if non-empty), and the process environment
func Load(path string) (Config, error) {
	config := Default()
	if path != "" {
		if err := config.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadFile overlays the values present in a YAML file
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return nil
}

// ApplyEnv overlays values from environment variables. Unset variables leave the current value in place
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(v string) (string, error) { return v, nil }
	boolean := strconv.ParseBool

	return errors.Join(
		parseOptionalFromEnv(getenv, &c.Provider, "ASSISTANT_PROVIDER", str),
		parseOptionalFromEnv(getenv, &c.Model, "ASSISTANT_MODEL", str),
		parseOptionalFromEnv(getenv, &c.AnthropicAPIKey, "ANTHROPIC_API_KEY", str),
		parseOptionalFromEnv(getenv, &c.GeminiAPIKey, "GEMINI_API_KEY", str),
		parseOptionalFromEnv(getenv, &c.GitHubToken, "GITHUB_TOKEN", str),
		parseOptionalFromEnv(getenv, &c.GitHubRepository, "GITHUB_REPOSITORY", str),
		parseOptionalFromEnv(getenv, &c.ProjectsFile, "PROJECTS_FILE", str),
		parseOptionalFromEnv(getenv, &c.SystemPromptFile, "SYSTEM_PROMPT_FILE", str),
		parseOptionalFromEnv(getenv, &c.MaxToolTurns, "MAX_TOOL_TURNS", strconv.Atoi),
		parseOptionalFromEnv(getenv, &c.ToolTimeout, "TOOL_TIMEOUT", time.ParseDuration),
		parseOptionalFromEnv(getenv, &c.CompletionTimeout, "COMPLETION_TIMEOUT", time.ParseDuration),
		parseOptionalFromEnv(getenv, &c.SessionsDir, "SESSIONS_DIR", str),
		parseOptionalFromEnv(getenv, &c.Telemetry.Enabled, "TELEMETRY_ENABLED", boolean),
		parseOptionalFromEnv(getenv, &c.Telemetry.Endpoint, "OTLP_ENDPOINT", str),
		parseOptionalFromEnv(getenv, &c.LogLevel, "LOG_LEVEL", str),
	)
}

func parseOptionalFromEnv[T any](getenv func(string) string, dest *T, key string, parseFn func(string) (T, error)) error {
	str := getenv(key)
	if str == "" {
		return nil // Leave current value
	}
	v, err := parseFn(str)
	if err != nil {
		return fmt.Errorf("failed to parse environment variable '%s' value '%s' as '%T': %w", key, str, *dest, err)
	}
	*dest = v
	return nil
}

// ModelOrDefault returns the configured model, or the default model of the configured provider
func (c Config) ModelOrDefault() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultModels[c.Provider]
}

// SplitRepository splits GitHubRepository into owner and name
func (c Config) SplitRepository() (owner string, repo string, err error) {
	parts := strings.Split(c.GitHubRepository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format '%s', expected owner/repo", c.GitHubRepository)
	}
	return parts[0], parts[1], nil
}

// Validate checks if the required configuration is present and in range
func (c Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, fmt.Errorf("missing required environment variable: ANTHROPIC_API_KEY"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, fmt.Errorf("missing required environment variable: GEMINI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider '%s'", c.Provider))
	}

	if c.ProjectsFile == "" {
		if c.GitHubRepository == "" {
			errs = append(errs, fmt.Errorf("one of projects_file or github_repository is required"))
		} else {
			if _, _, err := c.SplitRepository(); err != nil {
				errs = append(errs, err)
			}
			if c.GitHubToken == "" {
				errs = append(errs, fmt.Errorf("missing required environment variable: GITHUB_TOKEN"))
			}
		}
	}

	if c.MaxToolTurns < 1 {
		errs = append(errs, fmt.Errorf("max_tool_turns must be at least 1, got %d", c.MaxToolTurns))
	}
	if c.MaxRecoveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_recovery_attempts must be at least 1, got %d", c.MaxRecoveryAttempts))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.ToolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tool_timeout must be positive"))
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("completion_timeout must be positive"))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 1], got %g", c.Temperature))
	}

	return errors.Join(errs...)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func validConfig() Config {
	c := Default()
	c.AnthropicAPIKey = "sk-test"
	c.ProjectsFile = "projects.yaml"
	return c
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 10, c.MaxToolTurns)
	assert.Equal(t, 3, c.MaxRecoveryAttempts)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 30*time.Second, c.ToolTimeout)
	assert.Equal(t, 0.2, c.Temperature)
	assert.Equal(t, "claude-sonnet-4-5", c.ModelOrDefault())
}

func TestLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	err := os.WriteFile(path, []byte(`
provider: gemini
max_tool_turns: 6
tool_timeout: 5s
projects_file: from-file.yaml
telemetry:
  enabled: true
  endpoint: http://collector:4318
`), 0644)
	require.NoError(t, err)

	c := Default()
	require.NoError(t, c.LoadFile(path))
	require.NoError(t, c.ApplyEnv(envMap(map[string]string{
		"MAX_TOOL_TURNS": "4",
		"GEMINI_API_KEY": "g-key",
	})))

	assert.Equal(t, ProviderGemini, c.Provider)
	assert.Equal(t, "gemini-2.5-flash", c.ModelOrDefault())
	// Environment beats file, file beats defaults
	assert.Equal(t, 4, c.MaxToolTurns)
	assert.Equal(t, 5*time.Second, c.ToolTimeout)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.True(t, c.Telemetry.Enabled)
	assert.Equal(t, "http://collector:4318", c.Telemetry.Endpoint)
	assert.NoError(t, c.Validate())
}

func TestApplyEnv_ReportsParseErrors(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envMap(map[string]string{
		"MAX_TOOL_TURNS": "many",
		"TOOL_TIMEOUT":   "forever",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TOOL_TURNS")
	assert.Contains(t, err.Error(), "TOOL_TIMEOUT")
	assert.Equal(t, 10, c.MaxToolTurns)
}

func TestLoadFile_Missing(t *testing.T) {
	c := Default()
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing anthropic key", func(c *Config) { c.AnthropicAPIKey = "" }, "ANTHROPIC_API_KEY"},
		{"missing gemini key", func(c *Config) { c.Provider = ProviderGemini }, "GEMINI_API_KEY"},
		{"unknown provider", func(c *Config) { c.Provider = "llama" }, "unknown provider"},
		{"no project source", func(c *Config) { c.ProjectsFile = "" }, "projects_file"},
		{"bad repository", func(c *Config) {
			c.ProjectsFile = ""
			c.GitHubRepository = "acme"
			c.GitHubToken = "t"
		}, "owner/repo"},
		{"repository without token", func(c *Config) {
			c.ProjectsFile = ""
			c.GitHubRepository = "acme/roadmap"
		}, "GITHUB_TOKEN"},
		{"zero tool turns", func(c *Config) { c.MaxToolTurns = 0 }, "max_tool_turns"},
		{"temperature", func(c *Config) { c.Temperature = 1.5 }, "temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitRepository(t *testing.T) {
	c := Config{GitHubRepository: "acme/roadmap"}
	owner, repo, err := c.SplitRepository()
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "roadmap", repo)
}

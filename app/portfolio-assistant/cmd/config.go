package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/portfolio-assistant/internal/config"
)

var (
	configPath string
	cfg        config.Config
	logger     = zap.NewNop()
)

// overrides holds persistent flags. Only flags set on the command line take precedence over the config file and
// environment
var overrides struct {
	provider     string
	model        string
	projectsFile string
	sessionsDir  string
	logLevel     string
	logFormat    string
}

func loadRootConfig(cmd *cobra.Command, _ []string) error {
	// Load .env file
	dotenvErr := godotenv.Load()

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &loaded)
	cfg = loaded

	logger, err = newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if dotenvErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dest *string, value string) {
		if flags.Changed(name) {
			*dest = value
		}
	}
	set("provider", &c.Provider, overrides.provider)
	set("model", &c.Model, overrides.model)
	set("projects-file", &c.ProjectsFile, overrides.projectsFile)
	set("sessions-dir", &c.SessionsDir, overrides.sessionsDir)
	set("log-level", &c.LogLevel, overrides.logLevel)
	set("log-format", &c.LogFormat, overrides.logFormat)
}

func newLogger(level string, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}

	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format '%s', expected console or json", format)
	}
	zc.Level = lvl
	return zc.Build()
}

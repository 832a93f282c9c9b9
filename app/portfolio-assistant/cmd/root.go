package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portfolio-assistant",
	Short: "Chat assistant for a project portfolio",
	Long: `Portfolio Assistant answers questions about a portfolio of projects and tasks. It calls a language model,
lets the model look up projects and tasks through tools, and renders charts on request.

Projects are read from a GitHub repository (milestones as projects, issues as tasks) or from a YAML file.`,
	PersistentPreRunE: loadRootConfig,
	SilenceUsage:      true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&overrides.provider, "provider", "", "Model provider: anthropic or gemini")
	flags.StringVar(&overrides.model, "model", "", "Model name (defaults per provider)")
	flags.StringVar(&overrides.projectsFile, "projects-file", "", "Read projects from a YAML file instead of GitHub")
	flags.StringVar(&overrides.sessionsDir, "sessions-dir", "", "Directory for saved sessions")
	flags.StringVar(&overrides.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&overrides.logFormat, "log-format", "", "Log format: console or json")
}

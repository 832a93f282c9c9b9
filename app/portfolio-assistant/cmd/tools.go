package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cchalm/portfolio-assistant/internal/projects"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool schemas offered to the model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tp, err := telemetry.NewProvider(cmd.Context(), telemetry.Config{}, logger)
		if err != nil {
			return err
		}
		// Schemas do not depend on the project source
		registry, err := createRegistry(cfg, projects.NewStaticSource(nil, nil), tp)
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(registry.Schemas(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tool schemas: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

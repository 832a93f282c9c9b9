package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cchalm/portfolio-assistant/internal/ai"
)

var transcriptOutput string

var transcriptCmd = &cobra.Command{
	Use:   "transcript SESSION_ID",
	Short: "Render a saved session as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscript,
}

func init() {
	transcriptCmd.Flags().StringVarP(&transcriptOutput, "output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	store, err := ai.NewFileSystemConversationHistoryStore(cfg.SessionsDir)
	if err != nil {
		return err
	}
	history, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if history == nil {
		return fmt.Errorf("no session '%s' in %s", args[0], cfg.SessionsDir)
	}

	md, err := ai.ToMarkdown(*history)
	if err != nil {
		return fmt.Errorf("failed to render transcript: %w", err)
	}
	if transcriptOutput == "" {
		fmt.Fprint(cmd.OutOrStdout(), md)
		return nil
	}
	if err := os.WriteFile(transcriptOutput, []byte(md), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask QUESTION...",
	Short: "Ask a single question",
	Long: `Runs a single turn and prints the answer. With --session the turn is appended to that session, which is
created if it does not exist.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var askSessionID string

func init() {
	askCmd.Flags().StringVar(&askSessionID, "session", "", "Session ID to continue")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := setupContext()
	a, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.openSession(askSessionID)
	if err != nil {
		return err
	}
	return runTurn(ctx, a, s, strings.Join(args, " "), cmd.OutOrStdout())
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/portfolio-assistant/internal/bot"
)

var (
	sessionID    string
	artifactsDir string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Starts an interactive session. Each line you enter is one turn. The session is saved after every turn and
can be resumed later with --session. Charts are written to the artifacts directory.

Type "exit" or "quit", or press Ctrl-D, to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&sessionID, "session", "", "Session ID to resume or create")
	chatCmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "", "Directory for chart artifacts")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("artifacts-dir") {
		cfg.ArtifactsDir = artifactsDir
	}

	ctx := setupContext()
	a, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.openSession(sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s. Ask about your projects, or type \"exit\" to leave.\n", s.ID)
	return chatLoop(ctx, a, s, cmd.InOrStdin(), out)
}

func chatLoop(ctx context.Context, a *assistant, s *bot.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := runTurn(ctx, a, s, line, out); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runTurn submits one message, prints the answer and any artifacts written, and saves the session
func runTurn(ctx context.Context, a *assistant, s *bot.Session, text string, out io.Writer) error {
	result, err := a.loop.Submit(ctx, s, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s\n\n", result.Answer)

	paths, err := a.writeArtifacts(result.Artifacts)
	for _, path := range paths {
		fmt.Fprintf(out, "Chart written to %s\n", path)
	}
	if err != nil {
		logger.Error("Failed to write artifacts", zap.Error(err))
	}

	return a.saveSession(s)
}

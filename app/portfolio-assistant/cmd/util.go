package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-github/v72/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/genai"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/artifact"
	"github.com/cchalm/portfolio-assistant/internal/bot"
	"github.com/cchalm/portfolio-assistant/internal/completion"
	"github.com/cchalm/portfolio-assistant/internal/config"
	"github.com/cchalm/portfolio-assistant/internal/projects"
	"github.com/cchalm/portfolio-assistant/internal/recovery"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
	"github.com/cchalm/portfolio-assistant/internal/tools"
	"github.com/cchalm/portfolio-assistant/internal/transport"
)

func setupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup graceful shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info("Interrupt signal detected, shutting down gracefully...")
		cancel()
		<-interrupt
		logger.Fatal("Forcing shutdown")
	}()

	return ctx
}

func createGithubClient(ctx context.Context, token string) *github.Client {
	// oauth2 wraps the client carried by the context, so rate limiting sits beneath authentication
	rateLimitedHTTPClient := &http.Client{
		Transport: transport.WithRateLimiting(nil, transport.WithLogger(logger)),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, rateLimitedHTTPClient)

	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(ctx, tokenSource)
	return github.NewClient(httpClient)
}

func createAnthropicClient(apiKey string) anthropic.Client {
	// Retries are owned by the completion client, which classifies errors and honours Retry-After
	return anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
}

func createGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

func createProvider(ctx context.Context, c config.Config) (completion.Provider, error) {
	switch c.Provider {
	case config.ProviderAnthropic:
		return completion.NewAnthropicProvider(createAnthropicClient(c.AnthropicAPIKey), c.ModelOrDefault(), c.Stream), nil
	case config.ProviderGemini:
		client, err := createGeminiClient(ctx, c.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return completion.NewGeminiProvider(client, c.ModelOrDefault()), nil
	default:
		return nil, fmt.Errorf("unknown provider '%s'", c.Provider)
	}
}

func createProjectSource(ctx context.Context, c config.Config) (projects.Source, error) {
	if c.ProjectsFile != "" {
		source, err := projects.LoadFile(c.ProjectsFile)
		if err != nil {
			return nil, err
		}
		return source, nil
	}
	owner, repo, err := c.SplitRepository()
	if err != nil {
		return nil, err
	}
	return projects.NewGitHubSource(createGithubClient(ctx, c.GitHubToken), owner, repo), nil
}

func createTelemetryProvider(ctx context.Context) (*telemetry.Provider, error) {
	return telemetry.NewProvider(ctx, cfg.Telemetry, logger)
}

// createRegistry registers every assistant tool against the given project source
func createRegistry(c config.Config, source projects.Source, tp *telemetry.Provider) (*tools.Registry, error) {
	registry := tools.NewRegistry(
		tools.WithTimeout(c.ToolTimeout),
		tools.WithLogger(logger),
		tools.WithTracer(tp.Tracer()),
	)
	if err := tools.NewPortfolio(source, time.Now).Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register portfolio tools: %w", err)
	}
	if err := tools.RegisterChartTool(registry); err != nil {
		return nil, fmt.Errorf("failed to register chart tool: %w", err)
	}
	return registry, nil
}

// assistant bundles everything a command needs to run turns and persist sessions
type assistant struct {
	loop         *bot.Loop
	store        ai.ConversationHistoryStore
	systemPrompt string
	artifactsDir string
	telemetry    *telemetry.Provider
}

func newAssistant(ctx context.Context) (*assistant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	systemPrompt, err := ai.LoadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return nil, err
	}
	store, err := ai.NewFileSystemConversationHistoryStore(cfg.SessionsDir)
	if err != nil {
		return nil, err
	}
	tp, err := createTelemetryProvider(ctx)
	if err != nil {
		return nil, err
	}

	source, err := createProjectSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	registry, err := createRegistry(cfg, source, tp)
	if err != nil {
		return nil, err
	}
	provider, err := createProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	completer := completion.NewClient(provider,
		completion.Config{
			SystemPrompt:   systemPrompt,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.CompletionTimeout,
		},
		completion.WithLogger(logger),
		completion.WithTracer(tp.Tracer()),
		completion.WithOutputFilters(bot.NewSupersededResultFilter(bot.SnapshotTools...)),
	)
	recoveryManager := recovery.NewManager(systemPrompt,
		recovery.WithPolicy(recovery.KeywordPolicy{Keywords: cfg.PreserveKeywords, MaxSimilarity: recovery.DefaultMaxSimilarity}),
		recovery.WithLogger(logger),
	)

	loopOpts := []bot.Option{bot.WithLogger(logger), bot.WithTracer(tp.Tracer())}
	if cfg.RewriteIDRequests {
		loopOpts = append(loopOpts, bot.WithAnswerFilters(bot.IDRequestFilter()))
	}
	loop := bot.NewLoop(completer, registry, recoveryManager, bot.Config{
		MaxToolTurns:        cfg.MaxToolTurns,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
	}, loopOpts...)

	logger.Info("Assistant ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.ModelOrDefault()),
		zap.Int("tools", len(registry.Schemas())),
	)

	return &assistant{
		loop:         loop,
		store:        store,
		systemPrompt: systemPrompt,
		artifactsDir: cfg.ArtifactsDir,
		telemetry:    tp,
	}, nil
}

// openSession resumes the stored session with the given id, or starts a new one
func (a *assistant) openSession(id string) (*bot.Session, error) {
	if id == "" {
		return bot.NewSession(""), nil
	}
	history, err := a.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session '%s': %w", id, err)
	}
	if history == nil {
		return bot.NewSession(id), nil
	}
	logger.Info("Resuming session", zap.String("session_id", id), zap.Int("messages", len(history.Messages)))
	return bot.ResumeSession(*history), nil
}

func (a *assistant) saveSession(s *bot.Session) error {
	if err := a.store.Set(s.ID, s.History(a.systemPrompt)); err != nil {
		return fmt.Errorf("failed to save session '%s': %w", s.ID, err)
	}
	return nil
}

// writeArtifacts stores each artifact's payload as a JSON file and returns the paths written
func (a *assistant) writeArtifacts(artifacts []artifact.Artifact) ([]string, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(a.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	var paths []string
	for i, art := range artifacts {
		b, err := json.MarshalIndent(art.Payload, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("failed to marshal artifact: %w", err)
		}
		path := filepath.Join(a.artifactsDir, fmt.Sprintf("%s-%d.%s.json", art.TurnID, i+1, art.Kind))
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write artifact: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (a *assistant) close() {
	// The command context may already be cancelled, so flushing gets its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		logger.Warn("Failed to flush telemetry", zap.Error(err))
	}
}

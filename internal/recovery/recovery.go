// Package recovery repairs conversation logs that break the tool call pairing invariant, and resets them when repair
// is not enough.
package recovery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

// DefaultKeywords mark system messages worth keeping across an emergency reset
var DefaultKeywords = []string{"critical", "important", "never", "always", "visualization"}

// DefaultMaxSimilarity is the Jaccard word similarity above which a system message counts as a repeat
const DefaultMaxSimilarity = 0.7

// PreservePolicy decides which system messages survive an emergency reset. seeded holds the system messages already
// placed in the new log, starting with the pinned system prompt
type PreservePolicy interface {
	Preserve(msg ai.Message, seeded []ai.Message) bool
}

// KeywordPolicy keeps system messages that mention any of its keywords, unless they repeat a message already seeded
type KeywordPolicy struct {
	Keywords      []string
	MaxSimilarity float64
}

func DefaultKeywordPolicy() KeywordPolicy {
	return KeywordPolicy{Keywords: DefaultKeywords, MaxSimilarity: DefaultMaxSimilarity}
}

func (p KeywordPolicy) Preserve(msg ai.Message, seeded []ai.Message) bool {
	if msg.Role != ai.RoleSystem {
		return false
	}
	content := strings.ToLower(msg.Content)
	matched := false
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, s := range seeded {
		if Similarity(msg.Content, s.Content) > p.MaxSimilarity {
			return false
		}
	}
	return true
}

// Similarity returns the Jaccard similarity of the lower-cased word sets of a and b. Two empty texts are identical
func Similarity(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(wa)+len(wb)-shared)
}

func words(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

type Manager struct {
	systemPrompt string
	policy       PreservePolicy
	logger       *zap.Logger
}

type Option func(*Manager)

func WithPolicy(policy PreservePolicy) Option {
	return func(m *Manager) {
		if policy != nil {
			m.policy = policy
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager that seeds reset logs with systemPrompt
func NewManager(systemPrompt string, opts ...Option) *Manager {
	m := &Manager{
		systemPrompt: systemPrompt,
		policy:       DefaultKeywordPolicy(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover rebuilds the log so that every tool result follows its call, and reports what had to be dropped. Tool
// calls processed during the current turn stay processed
func (m *Manager) Recover(ctx context.Context, log *ai.ConversationLog) ai.RepairReport {
	logger := m.logger.With(telemetry.LogFields(ctx)...)

	rebuilt, report := ai.Rebuild(log.Messages())
	log.Replace(rebuilt)

	for _, orphan := range report.Orphans {
		logger.Warn("Dropped orphaned tool result",
			zap.String("tool_call_id", orphan.ToolCallID),
			zap.String("tool", orphan.Name),
		)
	}
	for _, dup := range report.Duplicates {
		logger.Warn("Dropped duplicate tool result",
			zap.String("tool_call_id", dup.ToolCallID),
			zap.String("tool", dup.Name),
		)
	}
	if remaining := log.Validate(); len(remaining) > 0 {
		logger.Warn("Conversation log still invalid after repair", zap.String("violations", ai.FormatViolations(remaining)))
	}
	return report
}

// EmergencyReset discards the conversation and starts over from the pinned system prompt. Earlier system messages
// accepted by the preserve policy are carried over, followed by preservedPrompt as a fresh user message when it is not
// blank. Processed tool calls are forgotten. The resulting log is always valid
func (m *Manager) EmergencyReset(ctx context.Context, log *ai.ConversationLog, preservedPrompt string) {
	old := log.Messages()

	var seeded []ai.Message
	preserved := 0
	if strings.TrimSpace(m.systemPrompt) != "" {
		seeded = append(seeded, ai.NewSystemMessage(m.systemPrompt))
	}
	for _, msg := range old {
		if msg.Role != ai.RoleSystem || msg.Validate() != nil || msg.Content == m.systemPrompt {
			continue
		}
		if m.policy.Preserve(msg, seeded) {
			seeded = append(seeded, ai.NewSystemMessage(msg.Content))
			preserved++
		}
	}

	fresh := seeded
	if strings.TrimSpace(preservedPrompt) != "" {
		fresh = append(fresh, ai.NewUserMessage(preservedPrompt))
	}
	log.Reset(fresh)

	m.logger.With(telemetry.LogFields(ctx)...).Warn("Emergency reset of conversation log",
		zap.Int("discarded_messages", len(old)),
		zap.Int("preserved_system_messages", preserved),
		zap.Bool("preserved_prompt", strings.TrimSpace(preservedPrompt) != ""),
	)
}

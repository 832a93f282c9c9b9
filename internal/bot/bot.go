// Package bot runs conversation turns: it alternates model completions with tool dispatch until the model gives a final
// answer, keeping the conversation log valid throughout.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/artifact"
	"github.com/cchalm/portfolio-assistant/internal/completion"
	"github.com/cchalm/portfolio-assistant/internal/recovery"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

const (
	DefaultMaxToolTurns        = 10
	DefaultMaxRecoveryAttempts = 3
)

// Terminal messages. Every turn ends with exactly one of these or a model answer
const (
	FallbackAnswer       = "I wasn't able to produce an answer to that. Please try rephrasing your request."
	ProviderErrorAnswer  = "Sorry, I encountered an error while processing your request. Please try again."
	IterationLimitAnswer = "Sorry, I couldn't complete the request within the allowed number of steps."
	CancelledAnswer      = "The request was cancelled before it could be completed."
)

// AlreadyProcessedNudge is added when the model only repeats tool calls that were already answered this turn
const AlreadyProcessedNudge = "Previous tool calls were already processed. Use their results to answer the user without calling the same tools again."

var (
	ErrIterationLimitExceeded = errors.New("tool turn limit reached without a final answer")
	ErrRecoveryExhausted      = errors.New("conversation log could not be repaired")
)

// Outcome describes how a turn ended
type Outcome string

const (
	OutcomeAnswered       Outcome = "answered"
	OutcomeIterationLimit Outcome = "iteration_limit"
	OutcomeProviderError  Outcome = "provider_error"
	OutcomeCancelled      Outcome = "cancelled"
)

// TurnResult is what a caller gets back from Submit. Answer is never empty
type TurnResult struct {
	TurnID     string
	Answer     string
	Artifacts  []artifact.Artifact
	Outcome    Outcome
	Steps      int  // Completions requested
	Recoveries int  // Repairs of the log
	Reset      bool // Whether the log was reset during the turn
	Err        error
}

// Completer obtains a model reply for a conversation. Implemented by completion.Client
type Completer interface {
	Complete(ctx context.Context, log []ai.Message, tools []ai.ToolSchema, mode completion.Mode) (ai.Message, error)
}

// Dispatcher runs tool calls. Implemented by tools.Registry
type Dispatcher interface {
	Schemas() []ai.ToolSchema
	DispatchAll(ctx context.Context, calls []ai.ToolCall, seen *ai.DedupSet) []ai.ToolResult
}

type Config struct {
	MaxToolTurns        int
	MaxRecoveryAttempts int
}

// Loop drives turns for any number of sessions. It holds no per-session state
type Loop struct {
	completer Completer
	tools     Dispatcher
	recovery  *recovery.Manager
	filters   []AnswerFilter
	cfg       Config

	logger *zap.Logger
	tracer trace.Tracer
}

type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(l *Loop) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// WithAnswerFilters adds filters applied, in order, to every final model answer
func WithAnswerFilters(filters ...AnswerFilter) Option {
	return func(l *Loop) {
		l.filters = append(l.filters, filters...)
	}
}

func NewLoop(completer Completer, tools Dispatcher, recovery *recovery.Manager, cfg Config, opts ...Option) *Loop {
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = DefaultMaxToolTurns
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	l := &Loop{
		completer: completer,
		tools:     tools,
		recovery:  recovery,
		cfg:       cfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(telemetry.InstrumentationName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit runs one turn: the user's text, then as many completion and tool rounds as the model needs, up to the
// configured limit. Failures during the turn end it with a terminal assistant message and are reported in the result,
// not as an error. An error is returned only if the input is rejected, in which case the session is unchanged
func (l *Loop) Submit(ctx context.Context, s *Session, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, fmt.Errorf("%w: user message content must not be empty", ai.ErrInvalidMessage)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return TurnResult{}, ErrTurnInProgress
	}
	defer s.busy.Store(false)

	turnID := telemetry.NewTurnID()
	ctx = telemetry.WithTurnID(ctx, turnID)
	ctx, span := l.tracer.Start(ctx, "bot.Submit", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	logger := l.logger.With(zap.String("session_id", s.ID)).With(telemetry.LogFields(ctx)...)

	s.Log.BeginTurn()
	s.Artifacts.Discard(turnID)
	if err := s.Log.Append(ai.NewUserMessage(text)); err != nil {
		return TurnResult{}, err
	}

	t := &turn{
		loop:    l,
		session: s,
		text:    text,
		logger:  logger,
		result:  TurnResult{TurnID: turnID},
	}
	t.run(artifact.WithEmitter(ctx, s.Artifacts, turnID))

	result := t.result
	result.Artifacts = s.Artifacts.Drain(turnID)

	span.SetAttributes(
		attribute.String("turn.outcome", string(result.Outcome)),
		attribute.Int("turn.steps", result.Steps),
		attribute.Int("turn.recoveries", result.Recoveries),
		attribute.Bool("turn.reset", result.Reset),
		attribute.Int("turn.artifacts", len(result.Artifacts)),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	logger.Info("Turn finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("steps", result.Steps),
		zap.Int("artifacts", len(result.Artifacts)),
	)
	return result, nil
}

// turn holds the state of one Submit call
type turn struct {
	loop    *Loop
	session *Session
	text    string
	logger  *zap.Logger
	result  TurnResult

	// renamed maps tool call ids reused from earlier turns to the fresh ids they were dispatched under
	renamed map[string]string
}

func (t *turn) run(ctx context.Context) {
	cfg := t.loop.cfg
	log := t.session.Log
	mode := completion.ModeAuto

	for step := 0; step < cfg.MaxToolTurns; step++ {
		if err := ctx.Err(); err != nil {
			t.finish(OutcomeCancelled, CancelledAnswer, err)
			return
		}

		t.ensureValid(ctx)

		current := mode
		mode = completion.ModeAuto
		t.result.Steps++
		reply, err := t.loop.completer.Complete(ctx, log.Messages(), t.loop.tools.Schemas(), current)
		if err != nil {
			if ctx.Err() != nil {
				t.finish(OutcomeCancelled, CancelledAnswer, err)
				return
			}
			if errors.Is(err, completion.ErrInvalidRequest) && !t.result.Reset {
				t.logger.Warn("Provider rejected the conversation, resetting it", zap.Error(err))
				t.reset(ctx)
				continue
			}
			t.logger.Error("Completion failed", zap.Error(err))
			t.finish(OutcomeProviderError, ProviderErrorAnswer, err)
			return
		}

		if !reply.HasToolCalls() {
			answer := reply.Content
			for _, filter := range t.loop.filters {
				answer = filter(answer)
			}
			if strings.TrimSpace(answer) == "" {
				answer = FallbackAnswer
			}
			t.finish(OutcomeAnswered, answer, nil)
			return
		}

		calls := t.admit(reply.ToolCalls)
		if len(calls) == 0 {
			t.logger.Info("Reply only repeated processed tool calls, asking for an answer")
			t.append(ai.NewSystemMessage(AlreadyProcessedNudge))
			mode = completion.ModeNone
			continue
		}

		reply.ToolCalls = calls
		if !t.append(reply) {
			t.finish(OutcomeProviderError, ProviderErrorAnswer, errors.New("model reply could not be recorded"))
			return
		}
		results := t.loop.tools.DispatchAll(ctx, calls, log.Processed())
		for _, res := range results {
			t.append(res.Message())
		}
	}

	t.logger.Warn("Tool turn limit reached", zap.Int("max_tool_turns", cfg.MaxToolTurns))
	t.finish(OutcomeIterationLimit, IterationLimitAnswer, ErrIterationLimitExceeded)
}

// ensureValid repairs the log until it is valid, falling back to an emergency reset after too many attempts
func (t *turn) ensureValid(ctx context.Context) {
	log := t.session.Log
	for attempt := 0; ; attempt++ {
		violations := log.Validate()
		if len(violations) == 0 {
			return
		}
		if attempt >= t.loop.cfg.MaxRecoveryAttempts {
			t.logger.Error("Giving up on repairing the conversation log",
				zap.Error(ErrRecoveryExhausted),
				zap.String("violations", ai.FormatViolations(violations)),
			)
			t.reset(ctx)
			return
		}
		t.logger.Warn("Conversation log is invalid, repairing", zap.String("violations", ai.FormatViolations(violations)))
		t.result.Recoveries++
		t.loop.recovery.Recover(ctx, log)
	}
}

func (t *turn) reset(ctx context.Context) {
	t.loop.recovery.EmergencyReset(ctx, t.session.Log, t.text)
	t.renamed = nil
	t.result.Reset = true
}

// admit filters the tool calls of a reply down to those that should run: repeats within the reply and calls already
// processed this turn are dropped, and calls whose id was used in an earlier turn get a fresh id
func (t *turn) admit(calls []ai.ToolCall) []ai.ToolCall {
	log := t.session.Log
	inReply := map[string]bool{}
	var admitted []ai.ToolCall
	for _, call := range calls {
		switch {
		case inReply[call.ID]:
			t.logger.Info("Dropping repeated tool call in reply", zap.String("tool_call_id", call.ID), zap.String("tool", call.Name))
			continue
		case log.Processed().Contains(call.ID):
			t.logger.Info("Dropping already processed tool call", zap.String("tool_call_id", call.ID), zap.String("tool", call.Name))
			continue
		case t.renamed[call.ID] != "":
			t.logger.Info("Dropping already processed tool call",
				zap.String("tool_call_id", call.ID),
				zap.String("processed_as", t.renamed[call.ID]),
				zap.String("tool", call.Name),
			)
			continue
		}
		inReply[call.ID] = true
		if log.HasToolCall(call.ID) {
			renamed := "call_" + uuid.NewString()
			t.logger.Info("Renaming tool call that collides with an earlier turn",
				zap.String("tool_call_id", call.ID),
				zap.String("renamed_to", renamed),
			)
			if t.renamed == nil {
				t.renamed = map[string]string{}
			}
			t.renamed[call.ID] = renamed
			call.ID = renamed
		}
		admitted = append(admitted, call)
	}
	return admitted
}

func (t *turn) append(msg ai.Message) bool {
	if err := t.session.Log.Append(msg); err != nil {
		t.logger.Error("Failed to append message", zap.Error(err))
		return false
	}
	return true
}

func (t *turn) finish(outcome Outcome, answer string, err error) {
	t.append(ai.NewAssistantMessage(answer))
	t.result.Outcome = outcome
	t.result.Answer = answer
	t.result.Err = err
}

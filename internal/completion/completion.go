// Package completion obtains model replies for a conversation log. It owns retry policy and reply normalization, and
// delegates wire formats to a Provider.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

// Mode controls whether the model may request tool calls
type Mode int

const (
	ModeAuto Mode = iota // The model decides
	ModeNone             // Tool calls are not allowed
)

func (m Mode) String() string {
	if m == ModeNone {
		return "none"
	}
	return "auto"
}

// Request is a provider-neutral completion request. Messages is already prepared by the client: it starts with the
// system prompt and contains no dangling tool calls
type Request struct {
	Messages    []ai.Message
	Tools       []ai.ToolSchema
	Temperature float64
	ToolChoice  Mode
	MaxTokens   int64
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheWrite   int64
}

type Response struct {
	Message    ai.Message
	StopReason string
	Usage      Usage
}

// Provider sends one completion request to a model API. Implementations should return a *ProviderError when they can
// classify a failure; any other error is classified by the client
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// OutputFilter rewrites the messages about to be sent to the provider. It must not modify its input
type OutputFilter func(messages []ai.Message) []ai.Message

type Config struct {
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int64
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// DefaultConfig returns the retry and sampling defaults
func DefaultConfig() Config {
	return Config{
		Temperature:    0.2,
		MaxTokens:      4096,
		MaxAttempts:    3,
		AttemptTimeout: 60 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
	}
}

// Client obtains completions with retries. It is safe for concurrent use
type Client struct {
	provider Provider
	cfg      Config
	filters  []OutputFilter

	logger *zap.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithOutputFilters adds filters applied, in order, to every outgoing request
func WithOutputFilters(filters ...OutputFilter) Option {
	return func(c *Client) {
		c.filters = append(c.filters, filters...)
	}
}

// NewClient creates a client. Zero-valued fields of cfg take their defaults
func NewClient(provider Provider, cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}

	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(telemetry.InstrumentationName),
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends the conversation to the provider and returns the model's reply as an assistant message. The caller's
// slice is never modified. Transient failures are retried with jittered exponential backoff; when the attempt budget
// runs out, or a failure is not retryable, the returned error is a *ProviderError
func (c *Client) Complete(ctx context.Context, log []ai.Message, tools []ai.ToolSchema, mode Mode) (ai.Message, error) {
	req := Request{
		Messages:    c.prepare(log),
		Tools:       slices.Clone(tools),
		Temperature: c.cfg.Temperature,
		ToolChoice:  mode,
		MaxTokens:   c.cfg.MaxTokens,
	}

	logger := c.logger.With(telemetry.LogFields(ctx)...)

	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(ctx, req, attempt)
		if err == nil {
			logger.Debug("Completion received",
				zap.Int("attempt", attempt),
				zap.String("stop_reason", resp.StopReason),
				zap.Int("tool_calls", len(resp.Message.ToolCalls)),
				zap.Int64("input_tokens", resp.Usage.InputTokens),
				zap.Int64("output_tokens", resp.Usage.OutputTokens),
			)
			return normalize(resp.Message), nil
		}

		var perr *ProviderError
		if !errors.As(err, &perr) {
			return ai.Message{}, err
		}
		perr.Attempts = attempt

		if ctx.Err() != nil {
			return ai.Message{}, fmt.Errorf("completion cancelled: %w", errors.Join(ctx.Err(), perr))
		}
		if !perr.Class.Transient() || attempt >= c.cfg.MaxAttempts {
			return ai.Message{}, perr
		}

		delay := c.backoff(attempt, perr.RetryAfter)
		logger.Warn("Completion attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("class", string(perr.Class)),
			zap.Int("status", perr.StatusCode),
			zap.Duration("delay", delay),
			zap.Error(perr.Err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return ai.Message{}, fmt.Errorf("completion cancelled: %w", errors.Join(err, perr))
		}
	}
}

// prepare builds the outgoing message list: a deep copy with the system prompt pinned first, dangling tool calls
// closed, and output filters applied
func (c *Client) prepare(log []ai.Message) []ai.Message {
	messages := make([]ai.Message, 0, len(log)+1)
	if c.cfg.SystemPrompt != "" && (len(log) == 0 || log[0].Role != ai.RoleSystem) {
		messages = append(messages, ai.NewSystemMessage(c.cfg.SystemPrompt))
	}
	for _, msg := range log {
		msg.ToolCalls = slices.Clone(msg.ToolCalls)
		for i, call := range msg.ToolCalls {
			msg.ToolCalls[i].Arguments = bytes.Clone(call.Arguments)
		}
		messages = append(messages, msg)
	}

	messages = ai.CloseDanglingCalls(messages)
	for _, filter := range c.filters {
		messages = filter(messages)
	}
	return messages
}

func (c *Client) attempt(ctx context.Context, req Request, n int) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "completion.Complete", trace.WithAttributes(
		attribute.Int("completion.attempt", n),
		attribute.Int("completion.messages", len(req.Messages)),
		attribute.Int("completion.tools", len(req.Tools)),
		attribute.String("completion.tool_choice", req.ToolChoice.String()),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	resp, err := c.provider.Complete(attemptCtx, req)
	if err != nil {
		perr := classify(ctx, attemptCtx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(perr.Class))
		span.SetAttributes(attribute.String("completion.error_class", string(perr.Class)))
		return Response{}, perr
	}

	span.SetAttributes(
		attribute.String("completion.stop_reason", resp.StopReason),
		attribute.Int64("completion.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("completion.output_tokens", resp.Usage.OutputTokens),
		attribute.Int64("completion.cache_read_tokens", resp.Usage.CacheRead),
		attribute.Int64("completion.cache_write_tokens", resp.Usage.CacheWrite),
		attribute.Int("completion.tool_calls", len(resp.Message.ToolCalls)),
	)
	return resp, nil
}

// classify turns any provider failure into a fresh *ProviderError. A per-attempt deadline that fires while the
// parent context is live is a network failure
func classify(parent context.Context, attemptCtx context.Context, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		cp := *perr
		return &cp
	}

	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Class: ClassNetwork, Err: fmt.Errorf("attempt timed out: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Class: ClassNetwork, Err: err}
	}
	return &ProviderError{Class: ClassUnknown, Err: err}
}

// backoff returns the delay before the attempt following the given one. A provider-requested delay wins over the
// computed one; both are capped at MaxDelay
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, c.cfg.MaxDelay)
	}
	ceiling := c.cfg.MaxDelay
	if shift := attempt - 1; shift < 30 {
		ceiling = min(c.cfg.BaseDelay<<shift, c.cfg.MaxDelay)
	}
	return time.Duration(c.jitter() * float64(ceiling))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// normalize makes a provider reply safe to append: every tool call gets an ID and a JSON object for arguments. Calls
// without a name cannot be dispatched or answered, so they are dropped
func normalize(msg ai.Message) ai.Message {
	msg.Role = ai.RoleAssistant
	msg.ToolCallID = ""
	msg.Name = ""
	msg.IsError = false

	var calls []ai.ToolCall
	for _, call := range msg.ToolCalls {
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		args := bytes.TrimSpace(call.Arguments)
		if len(args) == 0 || bytes.Equal(args, []byte("null")) {
			args = json.RawMessage(`{}`)
		}
		call.Arguments = args
		calls = append(calls, call)
	}
	msg.ToolCalls = calls
	return msg
}

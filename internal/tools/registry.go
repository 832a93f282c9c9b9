// Package tools provides the tool registry the assistant exposes to the model, and the portfolio tools built on it.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/telemetry"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultParallelism = 4
)

// Handler performs a tool call. args is the raw JSON object sent by the model and has already been validated against
// the tool's schema. The returned value is serialized to JSON and sent back to the model. Return a ToolInputError if
// the call could be fixed by changing its arguments
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolInputError represents an error that could be recovered by correcting inputs to the tool. This error will be
// uploaded to the AI, so it must not contain any sensitive information
type ToolInputError struct {
	cause error
}

func (tie ToolInputError) Error() string {
	return fmt.Sprintf("tool input error: %s", tie.cause)
}

func (tie ToolInputError) Unwrap() error {
	return tie.cause
}

func NewToolInputError(cause error) ToolInputError {
	return ToolInputError{cause: cause}
}

type tool struct {
	name        string
	description string
	schema      Schema
	handler     Handler
}

// Registry manages the tools available to the model. Registration must complete before the first dispatch; after that
// the registry is safe for concurrent use
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool

	timeout     time.Duration
	parallelism int
	logger      *zap.Logger
	tracer      trace.Tracer
}

type Option func(*Registry)

// WithTimeout sets the per-call handler timeout
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithParallelism bounds how many calls DispatchAll runs at once
func WithParallelism(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:       map[string]tool{},
		timeout:     DefaultTimeout,
		parallelism: DefaultParallelism,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(telemetry.InstrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. schema must be a JSON Schema object describing the tool's arguments
func (r *Registry) Register(name string, description string, schema json.RawMessage, handler Handler) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool '%s' has no handler", name)
	}
	parsed, err := ParseSchema(schema)
	if err != nil {
		return fmt.Errorf("invalid schema for tool '%s': %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool '%s' is already registered", name)
	}
	r.tools[name] = tool{
		name:        name,
		description: description,
		schema:      parsed,
		handler:     handler,
	}
	return nil
}

// RegisterFunc registers a tool whose arguments are decoded into T. The schema is derived from T's JSON and jsonschema
// struct tags
func RegisterFunc[T any](r *Registry, name string, description string, fn func(ctx context.Context, args T) (any, error)) error {
	schema, err := SchemaFor[T]()
	if err != nil {
		return fmt.Errorf("failed to generate schema for tool '%s': %w", name, err)
	}
	return r.Register(name, description, schema, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, NewToolInputError(fmt.Errorf("failed to parse arguments: %w", err))
		}
		return fn(ctx, args)
	})
}

// Schemas returns the declarations of all registered tools, sorted by name
func (r *Registry) Schemas() []ai.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]ai.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, ai.ToolSchema{
			Name:        t.name,
			Description: t.description,
			Parameters:  t.schema.Raw(),
		})
	}
	slices.SortFunc(schemas, func(a, b ai.ToolSchema) int { return strings.Compare(a.Name, b.Name) })
	return schemas
}

// Dispatch runs a single tool call and converts every failure into an error result; it never fails. If seen is
// non-nil and already holds a result for the call's ID, that result is returned without running the handler again
func (r *Registry) Dispatch(ctx context.Context, call ai.ToolCall, seen *ai.DedupSet) ai.ToolResult {
	if seen == nil {
		return r.dispatch(ctx, call)
	}
	result, shared := seen.Do(call.ID, func() ai.ToolResult {
		return r.dispatch(ctx, call)
	})
	if shared {
		r.logger.Debug("Tool call already processed this turn, reusing result",
			zap.String("tool", call.Name),
			zap.String("tool_call_id", call.ID),
		)
	}
	return result
}

// DispatchAll runs independent calls in parallel, bounded by the registry's parallelism. Results are returned in call
// order
func (r *Registry) DispatchAll(ctx context.Context, calls []ai.ToolCall, seen *ai.DedupSet) []ai.ToolResult {
	results := make([]ai.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Dispatch(ctx, call, seen)
			return nil
		})
	}
	_ = g.Wait() // Dispatch never fails

	return results
}

func (r *Registry) dispatch(ctx context.Context, call ai.ToolCall) ai.ToolResult {
	ctx, span := r.tracer.Start(ctx, "tools.Dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	result := r.run(ctx, call)

	span.SetAttributes(
		attribute.String("tool.status", string(result.Status)),
		attribute.Int("tool.result_size", len(result.Payload)),
	)
	fields := append(telemetry.LogFields(ctx),
		zap.String("tool", call.Name),
		zap.String("tool_call_id", call.ID),
		zap.Duration("duration", time.Since(start)),
	)
	if result.IsError() {
		span.SetAttributes(attribute.String("tool.error_kind", string(result.Kind)))
		span.SetStatus(codes.Error, string(result.Kind))
		r.logger.Warn("Tool call failed, reporting to the AI", append(fields,
			zap.String("kind", string(result.Kind)),
			zap.ByteString("payload", result.Payload),
		)...)
	} else {
		r.logger.Info("Tool call succeeded", fields...)
	}
	return result
}

func (r *Registry) run(ctx context.Context, call ai.ToolCall) ai.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return ai.NewErrorResult(call, ai.KindUnknownTool, fmt.Sprintf("unknown tool '%s'", call.Name))
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := t.schema.Validate(args); err != nil {
		return ai.NewErrorResult(call, ai.KindInvalidArguments, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	value, err := r.invoke(callCtx, t, args)

	var tie ToolInputError
	switch {
	case err == nil:
	case errors.As(err, &tie):
		return ai.NewErrorResult(call, ai.KindInvalidArguments, tie.Error())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return ai.NewErrorResult(call, ai.KindTimeout, fmt.Sprintf("tool '%s' timed out after %s", call.Name, r.timeout))
	case ctx.Err() != nil:
		return ai.NewErrorResult(call, ai.KindExecutionError, "tool call was cancelled")
	default:
		return ai.NewErrorResult(call, ai.KindExecutionError, err.Error())
	}

	payload, err := json.Marshal(value)
	if err != nil {
		r.logger.Error("Failed to serialize tool result", zap.String("tool", call.Name), zap.Error(err))
		return ai.NewErrorResult(call, ai.KindExecutionError, "tool result could not be serialized")
	}
	return ai.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Status:     ai.StatusSuccess,
		Payload:    payload,
	}
}

var errPanic = errors.New("tool panicked")

// invoke runs the handler on its own goroutine so that a handler ignoring ctx cannot hold the dispatch past its
// deadline
func (r *Registry) invoke(ctx context.Context, t tool, args json.RawMessage) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Tool handler panicked",
					zap.String("tool", t.name),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- outcome{err: errPanic}
			}
		}()
		value, err := t.handler(ctx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

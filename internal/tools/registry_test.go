package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/cchalm/portfolio-assistant/internal/ai"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

func newEchoRegistry(t *testing.T, opts ...Option) (*Registry, *atomic.Int32) {
	t.Helper()
	var runs atomic.Int32
	r := NewRegistry(opts...)
	err := RegisterFunc(r, "echo", "Echo the text", func(ctx context.Context, args echoArgs) (any, error) {
		runs.Add(1)
		return map[string]any{"text": args.Text}, nil
	})
	require.NoError(t, err)
	return r, &runs
}

func toolCall(id string, name string, args string) ai.ToolCall {
	return ai.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func errorKind(t *testing.T, res ai.ToolResult) (ai.ToolErrorKind, string) {
	t.Helper()
	require.True(t, res.IsError(), "expected error result, got %s", res.Payload)
	var payload struct {
		Status string           `json:"status"`
		Kind   ai.ToolErrorKind `json:"kind"`
		Error  string           `json:"error"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	assert.Equal(t, "error", payload.Status)
	assert.Equal(t, res.Kind, payload.Kind)
	return payload.Kind, payload.Error
}

func TestRegister_RejectsBadRegistrations(t *testing.T) {
	r, _ := newEchoRegistry(t)
	handler := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	assert.Error(t, r.Register("", "no name", json.RawMessage(`{"type":"object"}`), handler))
	assert.Error(t, r.Register("echo", "duplicate", json.RawMessage(`{"type":"object"}`), handler))
	assert.Error(t, r.Register("nohandler", "", json.RawMessage(`{"type":"object"}`), nil))
	assert.Error(t, r.Register("array", "", json.RawMessage(`{"type":"array"}`), handler))
	assert.Error(t, r.Register("broken", "", json.RawMessage(`{"type":`), handler))
}

func TestSchemas_SortedByName(t *testing.T) {
	r, _ := newEchoRegistry(t)
	handler := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, r.Register("alpha", "first", json.RawMessage(`{"type":"object"}`), handler))
	require.NoError(t, r.Register("zulu", "last", json.RawMessage(`{"type":"object"}`), handler))

	schemas := r.Schemas()

	require.Len(t, schemas, 3)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "echo", schemas[1].Name)
	assert.Equal(t, "zulu", schemas[2].Name)
	assert.JSONEq(t, `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"count": {"type": "integer"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`, string(schemas[1].Parameters))
}

func TestDispatch_Success(t *testing.T) {
	r, runs := newEchoRegistry(t)

	res := r.Dispatch(context.Background(), toolCall("c1", "echo", `{"text":"hi"}`), nil)

	assert.Equal(t, ai.StatusSuccess, res.Status)
	assert.Equal(t, "c1", res.ToolCallID)
	assert.Equal(t, "echo", res.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Payload))
	assert.Equal(t, int32(1), runs.Load())
}

func TestDispatch_UnknownTool(t *testing.T) {
	r, _ := newEchoRegistry(t)

	res := r.Dispatch(context.Background(), toolCall("c1", "nope", `{}`), nil)

	kind, msg := errorKind(t, res)
	assert.Equal(t, ai.KindUnknownTool, kind)
	assert.Contains(t, msg, "nope")
}

func TestDispatch_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantMsg string
	}{
		{"not json", `{"text":`, "not valid JSON"},
		{"not an object", `["hi"]`, "must be a JSON object"},
		{"missing required", `{"count":1}`, "missing required property 'text'"},
		{"wrong type", `{"text":5}`, "property 'text' must be of type string"},
		{"fractional integer", `{"text":"hi","count":1.5}`, "property 'count' must be of type integer"},
		{"unknown property", `{"text":"hi","colour":"red"}`, "unknown property 'colour'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, runs := newEchoRegistry(t)

			res := r.Dispatch(context.Background(), toolCall("c1", "echo", tt.args), nil)

			kind, msg := errorKind(t, res)
			assert.Equal(t, ai.KindInvalidArguments, kind)
			assert.Contains(t, msg, tt.wantMsg)
			assert.Equal(t, int32(0), runs.Load(), "handler must not run on invalid arguments")
		})
	}
}

func TestDispatch_EmptyArgumentsAreAnEmptyObject(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterFunc(r, "noargs", "", func(ctx context.Context, args struct{}) (any, error) {
		return "ok", nil
	}))

	res := r.Dispatch(context.Background(), ai.ToolCall{ID: "c1", Name: "noargs"}, nil)

	assert.Equal(t, ai.StatusSuccess, res.Status)
	assert.JSONEq(t, `"ok"`, string(res.Payload))
}

func TestDispatch_HandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  Handler
		wantKind ai.ToolErrorKind
		wantMsg  string
	}{
		{
			name: "tool input error",
			handler: func(context.Context, json.RawMessage) (any, error) {
				return nil, NewToolInputError(errors.New("project 'x' not found"))
			},
			wantKind: ai.KindInvalidArguments,
			wantMsg:  "project 'x' not found",
		},
		{
			name: "wrapped tool input error",
			handler: func(context.Context, json.RawMessage) (any, error) {
				return nil, fmt.Errorf("lookup: %w", NewToolInputError(errors.New("bad id")))
			},
			wantKind: ai.KindInvalidArguments,
			wantMsg:  "bad id",
		},
		{
			name: "execution error",
			handler: func(context.Context, json.RawMessage) (any, error) {
				return nil, errors.New("upstream unavailable")
			},
			wantKind: ai.KindExecutionError,
			wantMsg:  "upstream unavailable",
		},
		{
			name: "panic",
			handler: func(context.Context, json.RawMessage) (any, error) {
				panic("boom")
			},
			wantKind: ai.KindExecutionError,
			wantMsg:  "tool panicked",
		},
		{
			name: "unserializable result",
			handler: func(context.Context, json.RawMessage) (any, error) {
				return map[string]any{"ch": make(chan int)}, nil
			},
			wantKind: ai.KindExecutionError,
			wantMsg:  "could not be serialized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, r.Register("tool", "", json.RawMessage(`{"type":"object"}`), tt.handler))

			res := r.Dispatch(context.Background(), toolCall("c1", "tool", `{}`), nil)

			kind, msg := errorKind(t, res)
			assert.Equal(t, tt.wantKind, kind)
			assert.Contains(t, msg, tt.wantMsg)
		})
	}
}

func TestDispatch_Timeout(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	require.NoError(t, r.Register("slow", "", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	res := r.Dispatch(context.Background(), toolCall("c1", "slow", `{}`), nil)

	kind, _ := errorKind(t, res)
	assert.Equal(t, ai.KindTimeout, kind)
}

func TestDispatch_ParentCancellationIsNotATimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("slow", "", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Dispatch(ctx, toolCall("c1", "slow", `{}`), nil)

	kind, _ := errorKind(t, res)
	assert.Equal(t, ai.KindExecutionError, kind)
}

func TestDispatch_DedupRunsHandlerOnce(t *testing.T) {
	r, runs := newEchoRegistry(t)
	seen := ai.NewDedupSet()
	call := toolCall("c1", "echo", `{"text":"hi"}`)

	first := r.Dispatch(context.Background(), call, seen)
	second := r.Dispatch(context.Background(), call, seen)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), runs.Load())
}

func TestDispatchAll_PreservesOrderAndRunsInParallel(t *testing.T) {
	const n = 4
	var inFlight, peak atomic.Int32
	started := make(chan struct{}, n)
	release := make(chan struct{})

	r := NewRegistry(WithParallelism(n))
	require.NoError(t, RegisterFunc(r, "wait", "", func(ctx context.Context, args echoArgs) (any, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		inFlight.Add(-1)
		return args.Text, nil
	}))

	var calls []ai.ToolCall
	for i := range n {
		calls = append(calls, toolCall(fmt.Sprintf("c%d", i), "wait", fmt.Sprintf(`{"text":"r%d"}`, i)))
	}

	done := make(chan []ai.ToolResult)
	go func() { done <- r.DispatchAll(context.Background(), calls, ai.NewDedupSet()) }()

	for range n {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("calls were not dispatched in parallel")
		}
	}
	close(release)
	results := <-done

	assert.Equal(t, int32(n), peak.Load())
	require.Len(t, results, n)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("c%d", i), res.ToolCallID)
		assert.JSONEq(t, fmt.Sprintf(`"r%d"`, i), string(res.Payload))
	}
}

func TestDispatch_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r, _ := newEchoRegistry(t, WithTracer(tp.Tracer("test")))

	r.Dispatch(context.Background(), toolCall("c1", "echo", `{"text":"hi"}`), nil)
	r.Dispatch(context.Background(), toolCall("c2", "nope", `{}`), nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "tools.Dispatch", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "nope", attrs["tool.name"])
	assert.Equal(t, "error", attrs["tool.status"])
	assert.Equal(t, "unknown_tool", attrs["tool.error_kind"])
}

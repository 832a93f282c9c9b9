package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/artifact"
	"github.com/cchalm/portfolio-assistant/internal/completion"
	"github.com/cchalm/portfolio-assistant/internal/recovery"
	"github.com/cchalm/portfolio-assistant/internal/tools"
)

func TestMain(m *testing.M) {
	// genai's cloud dependencies start an opencensus worker at init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const testSystemPrompt = "You are a portfolio assistant."

// scriptedCompleter replays canned replies in order and records the log and mode of every request
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []func(log []ai.Message) (ai.Message, error)
	modes   []completion.Mode
	logs    [][]ai.Message
}

func (sc *scriptedCompleter) Complete(ctx context.Context, log []ai.Message, _ []ai.ToolSchema, mode completion.Mode) (ai.Message, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.modes = append(sc.modes, mode)
	sc.logs = append(sc.logs, log)
	if len(sc.replies) == 0 {
		return ai.Message{}, errors.New("script exhausted")
	}
	next := sc.replies[0]
	sc.replies = sc.replies[1:]
	return next(log)
}

func script(replies ...func(log []ai.Message) (ai.Message, error)) *scriptedCompleter {
	return &scriptedCompleter{replies: replies}
}

func say(text string) func([]ai.Message) (ai.Message, error) {
	return func([]ai.Message) (ai.Message, error) { return ai.NewAssistantMessage(text), nil }
}

func callTools(calls ...ai.ToolCall) func([]ai.Message) (ai.Message, error) {
	return func([]ai.Message) (ai.Message, error) { return ai.NewAssistantMessage("", calls...), nil }
}

func fail(err error) func([]ai.Message) (ai.Message, error) {
	return func([]ai.Message) (ai.Message, error) { return ai.Message{}, err }
}

func toolCall(id string, name string) ai.ToolCall {
	return ai.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

// newTestRegistry registers get_projects, which counts its invocations, and a chart tool that emits an artifact
func newTestRegistry(t *testing.T, invocations *atomic.Int32) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register("get_projects", "List projects", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			invocations.Add(1)
			return []map[string]string{{"id": "p1"}, {"id": "p2"}, {"id": "p3"}}, nil
		}))
	require.NoError(t, r.Register("create_chart", "Chart", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			emitter, ok := artifact.FromContext(ctx)
			if !ok {
				return nil, errors.New("no emitter")
			}
			emitter.Emit(artifact.Artifact{Kind: "chart", Payload: json.RawMessage(`{"mark":"bar"}`)})
			return map[string]string{"status": "created"}, nil
		}))
	return r
}

func newTestLoop(t *testing.T, c Completer, invocations *atomic.Int32, opts ...Option) *Loop {
	t.Helper()
	return NewLoop(c, newTestRegistry(t, invocations), recovery.NewManager(testSystemPrompt), Config{}, opts...)
}

func roles(messages []ai.Message) []ai.Role {
	out := make([]ai.Role, len(messages))
	for i, m := range messages {
		out[i] = m.Role
	}
	return out
}

func TestSubmit_ToolRoundTrip(t *testing.T) {
	var invocations atomic.Int32
	c := script(callTools(toolCall("c1", "get_projects")), say("You have 3 projects."))
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "list my projects")

	require.NoError(t, err)
	assert.Equal(t, "You have 3 projects.", result.Answer)
	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, 2, result.Steps)
	assert.NoError(t, result.Err)
	assert.NotEmpty(t, result.TurnID)

	msgs := s.Log.Messages()
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant, ai.RoleTool, ai.RoleAssistant}, roles(msgs))
	assert.Equal(t, "c1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.False(t, msgs[2].IsError)
	assert.Empty(t, s.Log.Validate())
	assert.Equal(t, int32(1), invocations.Load())

	answer, ok := s.LastAnswer()
	assert.True(t, ok)
	assert.Equal(t, "You have 3 projects.", answer)
}

func TestSubmit_DuplicateToolCallRunsOnce(t *testing.T) {
	var invocations atomic.Int32
	c := script(
		// The same call twice in one reply, then again in the next reply
		callTools(toolCall("c1", "get_projects"), toolCall("c1", "get_projects")),
		callTools(toolCall("c1", "get_projects")),
		say("You have 3 projects."),
	)
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "list my projects")

	require.NoError(t, err)
	assert.Equal(t, "You have 3 projects.", result.Answer)
	assert.Equal(t, int32(1), invocations.Load())
	assert.Equal(t, []completion.Mode{completion.ModeAuto, completion.ModeAuto, completion.ModeNone}, c.modes)

	msgs := s.Log.Messages()
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant, ai.RoleTool, ai.RoleSystem, ai.RoleAssistant}, roles(msgs))
	assert.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, AlreadyProcessedNudge, msgs[3].Content)
	assert.Empty(t, s.Log.Validate())
}

func TestSubmit_RepairsCorruptedLog(t *testing.T) {
	var invocations atomic.Int32
	c := script(say("Still here."))
	loop := newTestLoop(t, c, &invocations)

	s := NewSession("")
	s.Log = ai.NewConversationLog(
		ai.NewUserMessage("hi"),
		ai.NewAssistantMessage("hello"),
		ai.NewToolMessage("zzz", "get_projects", "{}", false),
	)
	require.NotEmpty(t, s.Log.Validate())

	result, err := loop.Submit(context.Background(), s, "are you there?")

	require.NoError(t, err)
	assert.Equal(t, "Still here.", result.Answer)
	assert.Equal(t, 1, result.Recoveries)
	assert.False(t, result.Reset)
	assert.Empty(t, s.Log.Validate())
	for _, msg := range s.Log.Messages() {
		assert.NotEqual(t, "zzz", msg.ToolCallID)
	}
	// The completion saw the repaired log
	require.Len(t, c.logs, 1)
	assert.Empty(t, ai.Validate(c.logs[0]))
}

func TestSubmit_ResetsLogWhenRepairIsExhausted(t *testing.T) {
	var invocations atomic.Int32
	c := script(say("Fresh start."))
	loop := newTestLoop(t, c, &invocations)

	// A result with no tool name survives rebuilding, so repairs never succeed
	s := NewSession("")
	s.Log = ai.NewConversationLog(
		ai.NewSystemMessage("IMPORTANT: always report dates in ISO format."),
		ai.NewUserMessage("hi"),
		ai.NewAssistantMessage("", toolCall("c1", "get_projects")),
		ai.Message{Role: ai.RoleTool, ToolCallID: "c1", Content: "{}"},
	)

	result, err := loop.Submit(context.Background(), s, "show progress")

	require.NoError(t, err)
	assert.True(t, result.Reset)
	assert.Equal(t, DefaultMaxRecoveryAttempts, result.Recoveries)
	assert.Equal(t, "Fresh start.", result.Answer)
	assert.Equal(t, []ai.Message{
		ai.NewSystemMessage(testSystemPrompt),
		ai.NewSystemMessage("IMPORTANT: always report dates in ISO format."),
		ai.NewUserMessage("show progress"),
		ai.NewAssistantMessage("Fresh start."),
	}, s.Log.Messages())
}

func TestSubmit_RetriesRateLimitedCompletions(t *testing.T) {
	var invocations atomic.Int32
	var attempts atomic.Int32
	provider := providerFunc(func(ctx context.Context, req completion.Request) (completion.Response, error) {
		if attempts.Add(1) <= 2 {
			return completion.Response{}, &completion.ProviderError{Class: completion.ClassRateLimited, StatusCode: 429, Err: errors.New("slow down")}
		}
		return completion.Response{Message: ai.NewAssistantMessage("All good.")}, nil
	})
	client := completion.NewClient(provider, completion.Config{
		SystemPrompt: testSystemPrompt,
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
	loop := newTestLoop(t, client, &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "status?")

	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswered, result.Outcome)
	assert.Equal(t, "All good.", result.Answer)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant}, roles(s.Log.Messages()))
}

type providerFunc func(ctx context.Context, req completion.Request) (completion.Response, error)

func (f providerFunc) Complete(ctx context.Context, req completion.Request) (completion.Response, error) {
	return f(ctx, req)
}

func TestSubmit_StopsAtIterationLimit(t *testing.T) {
	var invocations atomic.Int32
	var n atomic.Int32
	endless := completerFunc(func(ctx context.Context, log []ai.Message, _ []ai.ToolSchema, _ completion.Mode) (ai.Message, error) {
		return ai.NewAssistantMessage("", toolCall(fmt.Sprintf("c%d", n.Add(1)), "get_projects")), nil
	})
	loop := newTestLoop(t, endless, &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "loop forever")

	require.NoError(t, err)
	assert.Equal(t, IterationLimitAnswer, result.Answer)
	assert.Equal(t, OutcomeIterationLimit, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrIterationLimitExceeded)
	assert.Equal(t, DefaultMaxToolTurns, result.Steps)
	assert.Equal(t, int32(DefaultMaxToolTurns), invocations.Load())
	assert.Empty(t, s.Log.Validate())

	answer, ok := s.LastAnswer()
	assert.True(t, ok)
	assert.Equal(t, IterationLimitAnswer, answer)
}

type completerFunc func(ctx context.Context, log []ai.Message, tools []ai.ToolSchema, mode completion.Mode) (ai.Message, error)

func (f completerFunc) Complete(ctx context.Context, log []ai.Message, tools []ai.ToolSchema, mode completion.Mode) (ai.Message, error) {
	return f(ctx, log, tools, mode)
}

func TestSubmit_ProviderErrorEndsTurnWithSafeMessage(t *testing.T) {
	var invocations atomic.Int32
	perr := &completion.ProviderError{Class: completion.ClassServerError, StatusCode: 503, Attempts: 3, Err: errors.New("upstream secret detail")}
	loop := newTestLoop(t, script(fail(perr)), &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "hello")

	require.NoError(t, err)
	assert.Equal(t, OutcomeProviderError, result.Outcome)
	assert.Equal(t, ProviderErrorAnswer, result.Answer)
	assert.ErrorIs(t, result.Err, completion.ErrTransient)
	assert.NotContains(t, result.Answer, "secret")
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant}, roles(s.Log.Messages()))
}

func TestSubmit_InvalidRequestResetsOnce(t *testing.T) {
	invalid := &completion.ProviderError{Class: completion.ClassInvalidRequest, StatusCode: 400, Err: errors.New("bad")}

	t.Run("recovers after reset", func(t *testing.T) {
		var invocations atomic.Int32
		c := script(fail(invalid), say("Recovered."))
		loop := newTestLoop(t, c, &invocations)
		s := NewSession("")

		result, err := loop.Submit(context.Background(), s, "hello")

		require.NoError(t, err)
		assert.Equal(t, OutcomeAnswered, result.Outcome)
		assert.True(t, result.Reset)
		assert.Equal(t, 2, result.Steps)
		assert.Equal(t, []ai.Role{ai.RoleSystem, ai.RoleUser, ai.RoleAssistant}, roles(s.Log.Messages()))
	})

	t.Run("gives up on second rejection", func(t *testing.T) {
		var invocations atomic.Int32
		c := script(fail(invalid), fail(invalid), say("never reached"))
		loop := newTestLoop(t, c, &invocations)
		s := NewSession("")

		result, err := loop.Submit(context.Background(), s, "hello")

		require.NoError(t, err)
		assert.Equal(t, OutcomeProviderError, result.Outcome)
		assert.Equal(t, ProviderErrorAnswer, result.Answer)
		assert.ErrorIs(t, result.Err, completion.ErrInvalidRequest)
	})
}

func TestSubmit_Cancelled(t *testing.T) {
	var invocations atomic.Int32
	c := script(say("never reached"))
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := loop.Submit(ctx, s, "hello")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, CancelledAnswer, result.Answer)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Empty(t, c.modes)
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant}, roles(s.Log.Messages()))
}

func TestSubmit_RejectsInput(t *testing.T) {
	var invocations atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := completerFunc(func(ctx context.Context, _ []ai.Message, _ []ai.ToolSchema, _ completion.Mode) (ai.Message, error) {
		close(started)
		<-release
		return ai.NewAssistantMessage("done"), nil
	})
	loop := newTestLoop(t, blocking, &invocations)
	s := NewSession("")

	_, err := loop.Submit(context.Background(), s, "   ")
	require.ErrorIs(t, err, ai.ErrInvalidMessage)
	assert.Equal(t, 0, s.Log.Len())

	done := make(chan TurnResult)
	go func() {
		result, _ := loop.Submit(context.Background(), s, "first")
		done <- result
	}()
	<-started

	_, err = loop.Submit(context.Background(), s, "second")
	require.ErrorIs(t, err, ErrTurnInProgress)
	assert.True(t, s.Busy())

	close(release)
	result := <-done
	assert.Equal(t, "done", result.Answer)
	assert.False(t, s.Busy())
	assert.Equal(t, []ai.Role{ai.RoleUser, ai.RoleAssistant}, roles(s.Log.Messages()))
}

func TestSubmit_DrainsArtifacts(t *testing.T) {
	var invocations atomic.Int32
	c := script(callTools(toolCall("c1", "create_chart")), say("Here is your chart."))
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	result, err := loop.Submit(context.Background(), s, "chart it")

	require.NoError(t, err)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "chart", result.Artifacts[0].Kind)
	assert.Equal(t, result.TurnID, result.Artifacts[0].TurnID)
	assert.Equal(t, 0, s.Artifacts.Pending())
}

func TestSubmit_AnswerFilters(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"id request is replaced", "Could you please provide the project ID?", IDRequestAnalysis},
		{"empty answer gets fallback", "", FallbackAnswer},
		{"ordinary answer is kept", "Project p1 is on track.", "Project p1 is on track."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invocations atomic.Int32
			loop := newTestLoop(t, script(say(tt.reply)), &invocations, WithAnswerFilters(IDRequestFilter()))
			s := NewSession("")

			result, err := loop.Submit(context.Background(), s, "how is my project?")

			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Answer)
			last, _ := s.LastAnswer()
			assert.Equal(t, tt.want, last)
		})
	}
}

func TestSubmit_RenamesIDsReusedFromEarlierTurns(t *testing.T) {
	var invocations atomic.Int32
	c := script(
		callTools(toolCall("c1", "get_projects")), say("Three projects."),
		callTools(toolCall("c1", "get_projects")), say("Still three."),
	)
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	_, err := loop.Submit(context.Background(), s, "list projects")
	require.NoError(t, err)
	result, err := loop.Submit(context.Background(), s, "list them again")
	require.NoError(t, err)

	assert.Equal(t, "Still three.", result.Answer)
	assert.Equal(t, int32(2), invocations.Load())
	assert.Empty(t, s.Log.Validate())

	msgs := s.Log.Messages()
	require.Len(t, msgs, 8)
	assert.NotEqual(t, "c1", msgs[5].ToolCalls[0].ID)
	assert.Equal(t, msgs[5].ToolCalls[0].ID, msgs[6].ToolCallID)
}

func TestSubmit_ReusedIDRepeatedWithinTurnRunsOnce(t *testing.T) {
	var invocations atomic.Int32
	c := script(
		callTools(toolCall("c1", "get_projects")), say("Three projects."),
		// The second turn reuses c1, then repeats it
		callTools(toolCall("c1", "get_projects")),
		callTools(toolCall("c1", "get_projects")),
		say("Still three."),
	)
	loop := newTestLoop(t, c, &invocations)
	s := NewSession("")

	_, err := loop.Submit(context.Background(), s, "list projects")
	require.NoError(t, err)
	require.Equal(t, int32(1), invocations.Load())

	result, err := loop.Submit(context.Background(), s, "list them again")
	require.NoError(t, err)

	assert.Equal(t, "Still three.", result.Answer)
	assert.Equal(t, int32(2), invocations.Load())
	assert.Equal(t, []completion.Mode{completion.ModeAuto, completion.ModeAuto, completion.ModeAuto, completion.ModeAuto, completion.ModeNone}, c.modes)
	assert.Empty(t, s.Log.Validate())

	msgs := s.Log.Messages()
	assert.Equal(t, []ai.Role{
		ai.RoleUser, ai.RoleAssistant, ai.RoleTool, ai.RoleAssistant,
		ai.RoleUser, ai.RoleAssistant, ai.RoleTool, ai.RoleSystem, ai.RoleAssistant,
	}, roles(msgs))
	assert.Equal(t, AlreadyProcessedNudge, msgs[7].Content)
}

func TestSubmit_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var invocations atomic.Int32
	loop := newTestLoop(t, script(say("hi")), &invocations, WithTracer(tp.Tracer("test")))
	s := NewSession("session-1")

	result, err := loop.Submit(context.Background(), s, "hello")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bot.Submit", spans[0].Name())

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "session-1", attrs["session.id"])
	assert.Equal(t, result.TurnID, attrs["turn.id"])
	assert.Equal(t, "answered", attrs["turn.outcome"])
}

package bot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cchalm/portfolio-assistant/internal/ai"
)

func projectsExchange(id string, content string) []ai.Message {
	return []ai.Message{
		ai.NewAssistantMessage("", ai.ToolCall{ID: id, Name: "get_projects"}),
		ai.NewToolMessage(id, "get_projects", content, false),
	}
}

func TestSupersededResultFilter_SingleResult(t *testing.T) {
	messages := append([]ai.Message{ai.NewUserMessage("list projects")}, projectsExchange("c1", `[{"id":"p1"}]`)...)

	filtered := NewSupersededResultFilter(SnapshotTools...)(messages)

	// With only one result, nothing is suppressed
	assert.Equal(t, messages, filtered)
}

func TestSupersededResultFilter_MultipleResults(t *testing.T) {
	var messages []ai.Message
	messages = append(messages, ai.NewUserMessage("list projects"))
	messages = append(messages, projectsExchange("c1", "first")...)
	messages = append(messages, projectsExchange("c2", "second")...)
	messages = append(messages, ai.NewUserMessage("and now?"))
	messages = append(messages, projectsExchange("c3", "third")...)

	filtered := NewSupersededResultFilter(SnapshotTools...)(messages)

	require.Len(t, filtered, len(messages))
	const suppressed = "[get_projects result suppressed - see the most recent get_projects result]"
	assert.Equal(t, suppressed, filtered[2].Content)
	assert.Equal(t, suppressed, filtered[4].Content)
	assert.Equal(t, "third", filtered[7].Content)

	// Pairing is untouched
	assert.Empty(t, ai.Validate(filtered))
	assert.Equal(t, "c1", filtered[2].ToolCallID)

	// The input is not modified
	assert.Equal(t, "first", messages[2].Content)
	assert.Equal(t, "second", messages[4].Content)
}

func TestSupersededResultFilter_IgnoresOtherTools(t *testing.T) {
	messages := []ai.Message{
		ai.NewUserMessage("chart it twice"),
		ai.NewAssistantMessage("", ai.ToolCall{ID: "c1", Name: "create_chart"}),
		ai.NewToolMessage("c1", "create_chart", "chart one", false),
		ai.NewAssistantMessage("", ai.ToolCall{ID: "c2", Name: "create_chart"}),
		ai.NewToolMessage("c2", "create_chart", "chart two", false),
	}

	filtered := NewSupersededResultFilter(SnapshotTools...)(messages)

	assert.Equal(t, messages, filtered)
}

func TestSupersededResultFilter_TracksToolsSeparately(t *testing.T) {
	messages := []ai.Message{
		ai.NewUserMessage("go"),
		ai.NewAssistantMessage("", ai.ToolCall{ID: "a1", Name: "get_projects"}, ai.ToolCall{ID: "b1", Name: "get_tasks"}),
		ai.NewToolMessage("a1", "get_projects", "projects 1", false),
		ai.NewToolMessage("b1", "get_tasks", "tasks 1", false),
		ai.NewAssistantMessage("", ai.ToolCall{ID: "b2", Name: "get_tasks"}),
		ai.NewToolMessage("b2", "get_tasks", "tasks 2", false),
	}

	filtered := NewSupersededResultFilter("get_projects", "get_tasks")(messages)

	assert.Equal(t, "projects 1", filtered[2].Content)
	assert.Equal(t, "[get_tasks result suppressed - see the most recent get_tasks result]", filtered[3].Content)
	assert.Equal(t, "tasks 2", filtered[5].Content)
}

func projectsCall(id string, args string, content string) []ai.Message {
	return []ai.Message{
		ai.NewAssistantMessage("", ai.ToolCall{ID: id, Name: "get_projects", Arguments: json.RawMessage(args)}),
		ai.NewToolMessage(id, "get_projects", content, false),
	}
}

func TestSupersededResultFilter_KeepsResultsOfDifferentArguments(t *testing.T) {
	var messages []ai.Message
	messages = append(messages, ai.NewUserMessage("list projects"))
	messages = append(messages, projectsCall("c1", `{}`, "all projects")...)
	messages = append(messages, projectsCall("c2", `{"owner":"alice"}`, "alice's projects")...)

	filtered := NewSupersededResultFilter(SnapshotTools...)(messages)

	// A filtered listing does not supersede the unfiltered one
	assert.Equal(t, messages, filtered)
}

func TestSupersededResultFilter_MatchesEquivalentArguments(t *testing.T) {
	var messages []ai.Message
	messages = append(messages, ai.NewUserMessage("list projects"))
	messages = append(messages, projectsCall("c1", `{"owner": "alice", "limit": 5}`, "first")...)
	messages = append(messages, projectsCall("c2", `{"owner":"bob"}`, "bob")...)
	messages = append(messages, projectsCall("c3", `{"limit":5,"owner":"alice"}`, "second")...)
	messages = append(messages, ai.NewAssistantMessage("", ai.ToolCall{ID: "c4", Name: "get_projects"}))
	messages = append(messages, ai.NewToolMessage("c4", "get_projects", "no args", false))
	messages = append(messages, projectsCall("c5", `null`, "null args")...)

	filtered := NewSupersededResultFilter(SnapshotTools...)(messages)

	const suppressed = "[get_projects result suppressed - see the most recent get_projects result]"
	assert.Equal(t, suppressed, filtered[2].Content)
	assert.Equal(t, "bob", filtered[4].Content)
	assert.Equal(t, "second", filtered[6].Content)
	// Missing and null arguments are the same call
	assert.Equal(t, suppressed, filtered[8].Content)
	assert.Equal(t, "null args", filtered[10].Content)
}

package bot

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/completion"
)

// SnapshotTools return a full view of state that a later call of the same tool with the same arguments supersedes
var SnapshotTools = []string{"get_projects"}

// NewSupersededResultFilter creates an output filter that keeps only the most recent result of each named tool per
// distinct set of arguments in the messages sent to the model. Earlier results of an identical call are replaced with a
// brief note that the content was suppressed. Results of calls with different arguments, such as a filtered listing
// after an unfiltered one, are kept.
//
// This reduces token usage while the stored log keeps every result.
func NewSupersededResultFilter(toolNames ...string) completion.OutputFilter {
	return func(messages []ai.Message) []ai.Message {
		// First pass: find the arguments of every call and the last result of each distinct call
		args := map[string]string{}
		for _, msg := range messages {
			for _, call := range msg.ToolCalls {
				args[call.ID] = canonicalArguments(call.Arguments)
			}
		}
		key := func(msg ai.Message) (string, bool) {
			if msg.Role != ai.RoleTool || !slices.Contains(toolNames, msg.Name) {
				return "", false
			}
			a, ok := args[msg.ToolCallID]
			if !ok {
				return "", false
			}
			return msg.Name + "\x00" + a, true
		}

		last := map[string]int{}
		for i, msg := range messages {
			if k, ok := key(msg); ok {
				last[k] = i
			}
		}
		if len(last) == 0 {
			return messages
		}

		// Second pass: suppress every result except the last one of each distinct call
		filtered := make([]ai.Message, len(messages))
		for i, msg := range messages {
			if k, ok := key(msg); ok && last[k] != i {
				msg.Content = fmt.Sprintf("[%s result suppressed - see the most recent %s result]", msg.Name, msg.Name)
			}
			filtered[i] = msg
		}
		return filtered
	}
}

// canonicalArguments renders tool call arguments so that equal objects compare equal regardless of key order or
// whitespace. Missing and null arguments are the empty object
func canonicalArguments(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}

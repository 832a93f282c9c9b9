package ai

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

//go:embed conversation_template.tmpl
var conversationMarkdownTemplate string

// conversationMarkdownData represents the simplified data structure for markdown rendering
type conversationMarkdownData struct {
	SessionID    string
	SystemPrompt string
	Messages     []conversationMessage
	UpdatedAt    string
	ToolCalls    int
	ToolErrors   int
}

// conversationMessage represents a single sequential entry in the rendered transcript
type conversationMessage struct {
	Type       string // "system_text", "user_text", "assistant_text", "tool_action"
	Text       string
	ToolName   string
	ToolInput  string
	ToolResult string
	IsError    bool
	Answered   bool
}

// ToMarkdown renders a stored conversation as a markdown transcript. Each tool call is rendered once, together with
// its result if the history contains one
func ToMarkdown(history ConversationHistory) (string, error) {
	data := buildMarkdownData(history)
	return renderConversationMarkdown(data)
}

func buildMarkdownData(history ConversationHistory) *conversationMarkdownData {
	data := &conversationMarkdownData{
		SessionID:    history.SessionID,
		SystemPrompt: history.SystemPrompt,
	}
	if !history.UpdatedAt.IsZero() {
		data.UpdatedAt = history.UpdatedAt.Format("2006-01-02 15:04:05 MST")
	} else {
		data.UpdatedAt = time.Now().Format("2006-01-02 15:04:05 MST")
	}

	// Tool actions are keyed by call ID so results can be attached regardless of where they appear
	actions := map[string]int{}
	for _, msg := range history.Messages {
		switch msg.Role {
		case RoleSystem:
			data.Messages = append(data.Messages, conversationMessage{Type: "system_text", Text: msg.Content})
		case RoleUser:
			data.Messages = append(data.Messages, conversationMessage{Type: "user_text", Text: msg.Content})
		case RoleAssistant:
			if msg.Content != "" {
				data.Messages = append(data.Messages, conversationMessage{Type: "assistant_text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				data.ToolCalls++
				actions[call.ID] = len(data.Messages)
				data.Messages = append(data.Messages, conversationMessage{
					Type:      "tool_action",
					ToolName:  call.Name,
					ToolInput: string(call.Arguments),
				})
			}
		case RoleTool:
			i, ok := actions[msg.ToolCallID]
			if !ok {
				// A result with no visible call; render it standalone
				i = len(data.Messages)
				data.Messages = append(data.Messages, conversationMessage{Type: "tool_action", ToolName: msg.Name})
			}
			data.Messages[i].ToolResult = msg.Content
			data.Messages[i].IsError = msg.IsError
			data.Messages[i].Answered = true
			if msg.IsError {
				data.ToolErrors++
			}
		}
	}

	return data
}

// renderConversationMarkdown renders the conversation data using the template
func renderConversationMarkdown(data *conversationMarkdownData) (string, error) {
	funcMap := template.FuncMap{
		"prettifyJSON": func(jsonStr string) string {
			var prettyJSON bytes.Buffer
			if err := json.Indent(&prettyJSON, []byte(jsonStr), "", "  "); err == nil {
				return prettyJSON.String()
			}
			return jsonStr
		},
		"truncateContent": func(content string) string {
			if len(content) > 5000 {
				return content[:5000] + "\n... (content truncated)"
			}
			return content
		},
		"toolSummary": toolSummary,
		"indent": func(prefix string, text string) string {
			prefixed := strings.Builder{}
			for line := range strings.Lines(text) {
				prefixed.WriteString(prefix)
				prefixed.WriteString(line)
			}
			return prefixed.String()
		},
	}

	tmpl, err := template.New("conversation").Funcs(funcMap).Parse(conversationMarkdownTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse conversation template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute conversation template: %w", err)
	}

	return buf.String(), nil
}

// toolSummary generates a one-line human-readable summary of a tool action
func toolSummary(toolName string, toolInput string) string {
	var input map[string]any
	_ = json.Unmarshal([]byte(toolInput), &input)
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch toolName {
	case "create_chart":
		if title := str("title"); title != "" {
			return fmt.Sprintf("📊 Charting '%s'", title)
		}
		return "📊 Creating chart"
	case "search_tasks":
		return fmt.Sprintf("🔎 Searching tasks for '%s'", str("query"))
	case "find_project_by_name":
		return fmt.Sprintf("🔎 Looking up project '%s'", str("name"))
	case "get_tasks_by_assignee":
		return fmt.Sprintf("👤 Listing tasks assigned to '%s'", str("assignee"))
	default:
		if id := str("project_id"); id != "" {
			return fmt.Sprintf("🔧 %s (project %s)", toolName, id)
		}
		if id := str("task_id"); id != "" {
			return fmt.Sprintf("🔧 %s (task %s)", toolName, id)
		}
		return fmt.Sprintf("🔧 %s", toolName)
	}
}

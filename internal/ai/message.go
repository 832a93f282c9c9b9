// Package ai provides the provider-neutral conversation model: messages, the conversation log, and the structural
// checks and repairs that keep tool calls paired with their results.
package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the sender of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrInvalidMessage is returned when a message does not satisfy the structural requirements of its role
var ErrInvalidMessage = errors.New("invalid message")

// ToolCall is a model-requested invocation of a named tool
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is a single entry in a conversation log. Which fields are meaningful depends on Role:
//   - system and user messages carry Content only
//   - assistant messages carry Content, ToolCalls, or both
//   - tool messages carry ToolCallID, Name and Content, and optionally IsError
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message. Content may be empty if at least one tool call is given
func NewAssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolMessage creates a tool result message answering the tool call with the given ID
func NewToolMessage(toolCallID string, name string, content string, isError bool) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Name: name, Content: content, IsError: isError}
}

// HasToolCalls reports whether the message is an assistant message requesting tool invocations
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Validate checks the message against the requirements of its role. The returned error wraps ErrInvalidMessage
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if strings.TrimSpace(m.Content) == "" {
			return invalidMessage(m.Role, "content must not be empty")
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return invalidMessage(m.Role, "must not carry tool call fields")
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return invalidMessage(m.Role, "content may only be empty when tool calls are present")
		}
		if m.ToolCallID != "" {
			return invalidMessage(m.Role, "must not carry a tool call ID")
		}
		for i, call := range m.ToolCalls {
			if call.ID == "" {
				return invalidMessage(m.Role, fmt.Sprintf("tool call %d has no ID", i))
			}
			if call.Name == "" {
				return invalidMessage(m.Role, fmt.Sprintf("tool call '%s' has no name", call.ID))
			}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return invalidMessage(m.Role, "tool call ID is required")
		}
		if m.Name == "" {
			return invalidMessage(m.Role, "tool name is required")
		}
		if len(m.ToolCalls) > 0 {
			return invalidMessage(m.Role, "must not carry tool calls")
		}
	default:
		return fmt.Errorf("%w: unknown role '%s'", ErrInvalidMessage, m.Role)
	}
	return nil
}

func invalidMessage(role Role, reason string) error {
	return fmt.Errorf("%w: %s message %s", ErrInvalidMessage, role, reason)
}

// ToolResultStatus is the outcome of a tool dispatch
type ToolResultStatus string

const (
	StatusSuccess ToolResultStatus = "success"
	StatusError   ToolResultStatus = "error"
)

// ToolErrorKind classifies a failed tool dispatch
type ToolErrorKind string

const (
	KindUnknownTool      ToolErrorKind = "unknown_tool"
	KindInvalidArguments ToolErrorKind = "invalid_arguments"
	KindExecutionError   ToolErrorKind = "execution_error"
	KindTimeout          ToolErrorKind = "timeout"
)

// ToolResult is the outcome of dispatching one tool call. Payload is always a JSON value
type ToolResult struct {
	ToolCallID string           `json:"toolCallId"`
	Name       string           `json:"name"`
	Status     ToolResultStatus `json:"status"`
	Kind       ToolErrorKind    `json:"kind,omitempty"`
	Payload    json.RawMessage  `json:"payload"`
}

// IsError reports whether the dispatch failed
func (r ToolResult) IsError() bool {
	return r.Status == StatusError
}

// Message converts the result into the tool message that answers its call
func (r ToolResult) Message() Message {
	content := string(r.Payload)
	if content == "" {
		content = "null"
	}
	return NewToolMessage(r.ToolCallID, r.Name, content, r.IsError())
}

// NewErrorResult builds an error result whose payload is a JSON object describing the failure. The message is shown
// to the model, so it must not contain sensitive information
func NewErrorResult(call ToolCall, kind ToolErrorKind, message string) ToolResult {
	payload, err := json.Marshal(struct {
		Status string        `json:"status"`
		Kind   ToolErrorKind `json:"kind"`
		Error  string        `json:"error"`
	}{
		Status: string(StatusError),
		Kind:   kind,
		Error:  message,
	})
	if err != nil {
		// Marshalling a struct of strings cannot fail
		panic(err)
	}
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Status:     StatusError,
		Kind:       kind,
		Payload:    payload,
	}
}

// ToolSchema declares a tool to a completion provider. Parameters is a JSON Schema object
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

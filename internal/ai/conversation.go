package ai

import (
	"fmt"
	"slices"
	"strings"
)

// ConversationLog is the ordered message history of one session, plus the set of tool calls processed during the
// current turn. It is not safe for concurrent use; a session runs at most one turn at a time
type ConversationLog struct {
	messages  []Message
	processed *DedupSet
}

// NewConversationLog creates a log holding the given messages. The messages are not validated, so that a log restored
// from storage can be inspected and repaired
func NewConversationLog(messages ...Message) *ConversationLog {
	return &ConversationLog{
		messages:  slices.Clone(messages),
		processed: NewDedupSet(),
	}
}

// Append validates msg and adds it to the end of the log. Nothing is appended if validation fails
func (l *ConversationLog) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	msg.ToolCalls = slices.Clone(msg.ToolCalls)
	l.messages = append(l.messages, msg)
	return nil
}

// Messages returns a copy of the log's messages
func (l *ConversationLog) Messages() []Message {
	return slices.Clone(l.messages)
}

func (l *ConversationLog) Len() int {
	return len(l.messages)
}

// Reset replaces the entire message history and forgets processed tool calls
func (l *ConversationLog) Reset(messages []Message) {
	l.messages = slices.Clone(messages)
	l.processed.Reset()
}

// Replace swaps in a repaired message history, keeping the processed tool calls of the current turn
func (l *ConversationLog) Replace(messages []Message) {
	l.messages = slices.Clone(messages)
}

// Processed returns the set of tool calls dispatched during the current turn
func (l *ConversationLog) Processed() *DedupSet {
	return l.processed
}

// BeginTurn clears the processed tool calls of the previous turn
func (l *ConversationLog) BeginTurn() {
	l.processed.Reset()
}

// HasToolCall reports whether any assistant message in the log introduced a tool call with the given ID
func (l *ConversationLog) HasToolCall(id string) bool {
	for _, msg := range l.messages {
		for _, call := range msg.ToolCalls {
			if call.ID == id {
				return true
			}
		}
	}
	return false
}

// LastAnswer returns the content of the most recent assistant message that did not request tool calls
func (l *ConversationLog) LastAnswer() (string, bool) {
	for i := len(l.messages) - 1; i >= 0; i-- {
		msg := l.messages[i]
		if msg.Role == RoleAssistant && len(msg.ToolCalls) == 0 {
			return msg.Content, true
		}
	}
	return "", false
}

// Validate checks the log's structural invariants. See Validate
func (l *ConversationLog) Validate() []Violation {
	return Validate(l.messages)
}

// ViolationKind classifies a structural problem in a message sequence
type ViolationKind string

const (
	ViolationMalformed       ViolationKind = "malformed"
	ViolationDuplicateCall   ViolationKind = "duplicate_call"
	ViolationMissingID       ViolationKind = "missing_id"
	ViolationOrphanResult    ViolationKind = "orphan_result"
	ViolationDuplicateResult ViolationKind = "duplicate_result"
)

// Violation describes one structural problem found by Validate
type Violation struct {
	Index      int
	Kind       ViolationKind
	ToolCallID string
	Detail     string
}

func (v Violation) String() string {
	if v.ToolCallID != "" {
		return fmt.Sprintf("message %d: %s (tool call '%s')", v.Index, v.Kind, v.ToolCallID)
	}
	return fmt.Sprintf("message %d: %s: %s", v.Index, v.Kind, v.Detail)
}

// Validate walks messages in order and reports every message that is malformed, every tool call ID introduced more
// than once, and every tool result that does not answer exactly one earlier tool call. A nil result means the
// sequence is valid. An empty sequence is valid
func Validate(messages []Message) []Violation {
	var violations []Violation
	introduced := map[string]bool{}
	answered := map[string]bool{}

	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			violations = append(violations, Violation{Index: i, Kind: ViolationMalformed, Detail: err.Error()})
		}

		switch msg.Role {
		case RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue // Reported as malformed
				}
				if introduced[call.ID] {
					violations = append(violations, Violation{Index: i, Kind: ViolationDuplicateCall, ToolCallID: call.ID})
				}
				introduced[call.ID] = true
			}
		case RoleTool:
			id := msg.ToolCallID
			switch {
			case id == "":
				violations = append(violations, Violation{Index: i, Kind: ViolationMissingID, Detail: "tool result has no tool call ID"})
			case !introduced[id]:
				violations = append(violations, Violation{Index: i, Kind: ViolationOrphanResult, ToolCallID: id})
			case answered[id]:
				violations = append(violations, Violation{Index: i, Kind: ViolationDuplicateResult, ToolCallID: id})
			default:
				answered[id] = true
			}
		}
	}

	return violations
}

// RepairReport lists the tool results Rebuild could not place
type RepairReport struct {
	Orphans    []Message // Results answering no tool call in the log
	Duplicates []Message // Second and later results answering the same tool call
}

// Dropped returns the total number of messages removed by the repair
func (r RepairReport) Dropped() int {
	return len(r.Orphans) + len(r.Duplicates)
}

// Rebuild returns a copy of messages in which every tool result directly follows the assistant message that
// introduced its call, in tool call order. Non-tool messages keep their relative order. Results that answer no call
// in the sequence, and repeated results for an already-answered call, are dropped and reported. Rebuild never fails
func Rebuild(messages []Message) ([]Message, RepairReport) {
	var report RepairReport

	// Pass 1: separate tool results from everything else
	retained := make([]Message, 0, len(messages))
	pending := map[string]Message{}
	var pendingOrder []string
	for _, msg := range messages {
		if msg.Role != RoleTool {
			retained = append(retained, msg)
			continue
		}
		if msg.ToolCallID == "" {
			report.Orphans = append(report.Orphans, msg)
			continue
		}
		if _, ok := pending[msg.ToolCallID]; ok {
			report.Duplicates = append(report.Duplicates, msg)
			continue
		}
		pending[msg.ToolCallID] = msg
		pendingOrder = append(pendingOrder, msg.ToolCallID)
	}

	// Pass 2: re-insert each result immediately after the assistant message that owns it
	rebuilt := make([]Message, 0, len(messages))
	for _, msg := range retained {
		rebuilt = append(rebuilt, msg)
		if msg.Role != RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if result, ok := pending[call.ID]; ok {
				rebuilt = append(rebuilt, result)
				delete(pending, call.ID)
			}
		}
	}

	for _, id := range pendingOrder {
		if result, ok := pending[id]; ok {
			report.Orphans = append(report.Orphans, result)
		}
	}

	return rebuilt, report
}

// DanglingResultContent is the content of the synthetic result CloseDanglingCalls inserts for an unanswered call
const DanglingResultContent = `{"status":"error","kind":"execution_error","error":"no result was recorded for this tool call"}`

// CloseDanglingCalls returns a copy of messages in which every tool call without a result is answered by a synthetic
// error result. Synthetic results are placed after the call's assistant message and any results directly following it
func CloseDanglingCalls(messages []Message) []Message {
	answered := map[string]bool{}
	for _, msg := range messages {
		if msg.Role == RoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	closed := make([]Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		closed = append(closed, msg)
		if !msg.HasToolCalls() {
			continue
		}
		// Copy the results that directly follow the call
		for i+1 < len(messages) && messages[i+1].Role == RoleTool {
			i++
			closed = append(closed, messages[i])
		}
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				continue
			}
			answered[call.ID] = true
			closed = append(closed, NewToolMessage(call.ID, call.Name, DanglingResultContent, true))
		}
	}
	return closed
}

// FormatViolations renders violations as a single line for logging
func FormatViolations(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

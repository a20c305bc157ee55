package bus

import (
	"fmt"
	"regexp"
	"strings"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Subject scheme (wire-level, subscribers may be external):
//
//	agent.msg.<execution_id>.<recipient_role>.<recipient_id>   point-to-point
//	agent.msg.<execution_id>.broadcast.<scope>                 fanout
//	conv.<execution_id>.<conversation_id>                      conversation lifecycle
//	state.<execution_id>                                       workflow state changes

// AgentSubject builds the point-to-point subject for a recipient.
func AgentSubject(executionID string, role v1.AgentRole, agentID string) string {
	return fmt.Sprintf("agent.msg.%s.%s.%s", executionID, role, agentID)
}

// AgentInboxPattern matches every message addressed to an agent regardless of
// the role token the sender dispatched under.
func AgentInboxPattern(executionID, agentID string) string {
	return fmt.Sprintf("agent.msg.%s.*.%s", executionID, agentID)
}

// BroadcastSubject builds the fanout subject for a scope.
func BroadcastSubject(executionID string, scope v1.BroadcastScope) string {
	return fmt.Sprintf("agent.msg.%s.broadcast.%s", executionID, scope)
}

// ExecutionMessagesPattern matches all agent traffic of an execution.
func ExecutionMessagesPattern(executionID string) string {
	return fmt.Sprintf("agent.msg.%s.>", executionID)
}

// ConversationSubject builds the conversation lifecycle subject.
func ConversationSubject(executionID, conversationID string) string {
	return fmt.Sprintf("conv.%s.%s", executionID, conversationID)
}

// ConversationPattern matches all conversation events of an execution.
func ConversationPattern(executionID string) string {
	return fmt.Sprintf("conv.%s.>", executionID)
}

// StateSubject builds the workflow state-change subject.
func StateSubject(executionID string) string {
	return fmt.Sprintf("state.%s", executionID)
}

// Match reports whether a concrete subject matches a pattern with NATS-style
// wildcards: * matches exactly one token, > matches one or more trailing tokens.
func Match(subject, pattern string) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	re := compilePattern(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	// * matches a single token (anything except the separator)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// > matches the remaining tokens
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	re, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return re
}

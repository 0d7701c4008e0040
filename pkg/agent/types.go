package agent

import (
	"time"

	"github.com/harun/statsbot/pkg/sqltool"
)

// State is a node of the session state machine.
type State string

const (
	StateStarted       State = "started"
	StateAwaitingModel State = "awaiting_model"
	StateToolRequested State = "tool_requested"
	StateFinished      State = "finished"
	StateAborted       State = "aborted"
)

// Request is one question to answer.
type Request struct {
	Question string
	// CorrelationID tags every model call of this run. Generated when empty.
	CorrelationID string
	// Actor identifies who asked, for the audit trail only.
	Actor string
}

// Result is the outcome of a finished run.
type Result struct {
	Answer        string           `json:"answer"`
	CorrelationID string           `json:"correlation_id"`
	Transcript    []ToolInvocation `json:"transcript"`
	States        []State          `json:"states"`
	Turns         int              `json:"turns"`
	Usage         TokenUsage       `json:"usage"`
	Duration      time.Duration    `json:"duration"`
}

// ToolInvocation is one entry of the session transcript: what the model
// asked for and what it got back.
type ToolInvocation struct {
	Turn    int             `json:"turn"`
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	SQL     string          `json:"sql,omitempty"`
	Outcome sqltool.Outcome `json:"-"`
	Kind    string          `json:"kind"`
	Attempt int             `json:"attempt"`
	// Result is the rows as sent to the model; Error is set instead when
	// the call failed.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u *TokenUsage) {
	if u == nil {
		return
	}
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
}

// AgentMessage represents a message in the conversation
type AgentMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

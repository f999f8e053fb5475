package agentloop

import (
	"time"

	"github.com/nullstack/agentloop/providers/ai"
	"github.com/nullstack/agentloop/providers/tool"
)

// EventType is the closed set of event kinds that can appear on an
// EventStream. New types are never added by callers; the kernel owns the
// enumeration.
type EventType string

const (
	EventUserMessage                 EventType = "user_message"
	EventEnvironmentInput             EventType = "environment_input"
	EventAssistantStreamingMessage    EventType = "assistant_streaming_message"
	EventAssistantStreamingThinking   EventType = "assistant_streaming_thinking_message"
	EventAssistantStreamingToolCall   EventType = "assistant_streaming_tool_call"
	EventAssistantMessage             EventType = "assistant_message"
	EventAssistantThinkingMessage     EventType = "assistant_thinking_message"
	EventToolCall                     EventType = "tool_call"
	EventToolResult                   EventType = "tool_result"
	EventPlanStart                    EventType = "plan_start"
	EventPlanUpdate                   EventType = "plan_update"
	EventPlanFinish                   EventType = "plan_finish"
	EventSystem                       EventType = "system"
)

// Finish reasons. FinishAbort and FinishMaxIterations are kernel-internal
// and are never sent to a provider; the rest mirror the OpenAI-compatible
// wire vocabulary ("stop", "tool_calls", "length", "content_filter").
const (
	FinishStop          = "stop"
	FinishToolCalls      = "tool_calls"
	FinishLength         = "length"
	FinishContentFilter  = "content_filter"
	FinishAbort          = "abort"
	FinishMaxIterations  = "max_iterations"
)

// SystemLevel classifies a system event's severity.
type SystemLevel string

const (
	SystemLevelDebug   SystemLevel = "debug"
	SystemLevelInfo    SystemLevel = "info"
	SystemLevelWarning SystemLevel = "warning"
	SystemLevelError   SystemLevel = "error"
)

// Event is an immutable, totally-ordered record appended to an EventStream.
// Payload holds one of the *Payload types below; which one is determined by
// Type. Use the As* accessor methods instead of a raw type assertion.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func (e Event) AsUserMessage() (UserMessagePayload, bool) {
	p, ok := e.Payload.(UserMessagePayload)
	return p, ok
}

func (e Event) AsEnvironmentInput() (EnvironmentInputPayload, bool) {
	p, ok := e.Payload.(EnvironmentInputPayload)
	return p, ok
}

func (e Event) AsAssistantStreamingMessage() (AssistantStreamingMessagePayload, bool) {
	p, ok := e.Payload.(AssistantStreamingMessagePayload)
	return p, ok
}

func (e Event) AsAssistantStreamingThinking() (AssistantStreamingThinkingPayload, bool) {
	p, ok := e.Payload.(AssistantStreamingThinkingPayload)
	return p, ok
}

func (e Event) AsAssistantStreamingToolCall() (AssistantStreamingToolCallPayload, bool) {
	p, ok := e.Payload.(AssistantStreamingToolCallPayload)
	return p, ok
}

func (e Event) AsAssistantMessage() (AssistantMessagePayload, bool) {
	p, ok := e.Payload.(AssistantMessagePayload)
	return p, ok
}

func (e Event) AsAssistantThinking() (AssistantThinkingPayload, bool) {
	p, ok := e.Payload.(AssistantThinkingPayload)
	return p, ok
}

func (e Event) AsToolCall() (ToolCallPayload, bool) {
	p, ok := e.Payload.(ToolCallPayload)
	return p, ok
}

func (e Event) AsToolResult() (ToolResultPayload, bool) {
	p, ok := e.Payload.(ToolResultPayload)
	return p, ok
}

func (e Event) AsSystem() (SystemPayload, bool) {
	p, ok := e.Payload.(SystemPayload)
	return p, ok
}

// UserMessagePayload carries the user input for a run. Content is either a
// plain string or []ai.ContentPart for multimodal input.
type UserMessagePayload struct {
	Content   any    `json:"content"`
	SessionID string `json:"session_id"`
}

// EnvironmentInputPayload carries injected context (a file, a screenshot,
// ambient state) attached to a run, always after the run's UserMessagePayload.
type EnvironmentInputPayload struct {
	Content     any    `json:"content"`
	Description string `json:"description,omitempty"`
	SessionID   string `json:"session_id"`
}

// AssistantStreamingMessagePayload carries one incremental text delta.
type AssistantStreamingMessagePayload struct {
	Content    string `json:"content"`
	MessageID  string `json:"message_id"`
	IsComplete bool   `json:"is_complete"`
}

// AssistantStreamingThinkingPayload carries one incremental reasoning delta.
type AssistantStreamingThinkingPayload struct {
	Content    string `json:"content"`
	MessageID  string `json:"message_id"`
	IsComplete bool   `json:"is_complete"`
}

// AssistantStreamingToolCallPayload carries incremental tool-call argument
// bytes. ArgumentsDelta is the newly appended fragment only (never the
// cumulative total); it is empty on the IsComplete=true update.
type AssistantStreamingToolCallPayload struct {
	ToolCallID     string `json:"tool_call_id"`
	ToolName       string `json:"tool_name"`
	ArgumentsDelta string `json:"arguments_delta"`
	IsComplete     bool   `json:"is_complete"`
}

// AssistantMessagePayload is the final, non-streaming assistant turn that
// supersedes any preceding streaming updates for the same MessageID.
type AssistantMessagePayload struct {
	Content      string          `json:"content"`
	RawContent   string          `json:"raw_content,omitempty"`
	ToolCalls    []ai.ToolCall   `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"`
	MessageID    string          `json:"message_id"`
}

// AssistantThinkingPayload is the final reasoning block for a turn.
// ThinkingDurationMs is only populated in streaming mode (Open Question b):
// it is omitted, not zero, when the turn was not streamed.
type AssistantThinkingPayload struct {
	Content            string `json:"content"`
	ThinkingDurationMs *int64 `json:"thinking_duration_ms,omitempty"`
}

// ToolCallPayload records a tool invocation request. StartTime is the wall
// clock reading used to compute the paired ToolResultPayload.ElapsedMs.
type ToolCallPayload struct {
	ToolCallID string    `json:"tool_call_id"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	StartTime  time.Time `json:"start_time"`
	Tool       *ai.ToolDescription `json:"tool,omitempty"`
}

// ToolResultPayload records the outcome of a tool call. ElapsedMs is always
// >= 0, on both the success and failure path. Error is set only on failure;
// Content holds the error surrogate string in that case.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// PlanStep describes one step of an (optional) plan attached to a run.
type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// PlanPayload is shared by plan_start/plan_update/plan_finish events.
type PlanPayload struct {
	SessionID string     `json:"session_id"`
	Steps     []PlanStep `json:"steps,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// SystemPayload is an informational or warning record emitted by the kernel
// itself (duplicate tool registration, engine parse errors, recovery,
// max-iterations, provider errors that reach the kernel, ...).
type SystemPayload struct {
	Level   SystemLevel `json:"level"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

// MultimodalToolResult is an ordered sequence of result parts. At least one
// text part is always present (possibly empty), mirroring providers/ai's
// ContentPart shape so results fold into provider messages directly.
type MultimodalToolResult struct {
	Parts []ai.ContentPart
}

// Text concatenates every text part, in order.
func (r MultimodalToolResult) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Type == ai.ContentTypeText {
			out += p.Text
		}
	}
	return out
}

// RunState is the agent's coarse lifecycle state (spec.md section 3's Run
// State Machine: IDLE -> EXECUTING -> IDLE | ABORTED, ABORTED -> IDLE).
type RunState string

const (
	StateIdle      RunState = "IDLE"
	StateExecuting RunState = "EXECUTING"
	StateAborted   RunState = "ABORTED"
)

// Tool is the registry-facing description of a callable tool: it is
// exactly providers/tool.GenericTool, re-exported under this package so
// call sites need only import agentloop.
type Tool = tool.GenericTool

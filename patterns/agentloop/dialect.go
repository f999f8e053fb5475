package agentloop

import (
	"github.com/nullstack/agentloop/providers/ai"
)

// Dialect is the tool-call engine's capability set. A dialect governs how
// tool instructions reach the model, how the wire request is shaped, how a
// streamed response is decoded into kernel events, and how history is
// reconstructed for the next turn. NativeDialect targets providers with
// first-class function calling; PromptEngineeringDialect targets providers
// that only understand plain text, via an inline tagged-JSON protocol.
type Dialect interface {
	// PreparePrompt returns the system instructions to use, given the base
	// instructions and the tools available this iteration. NativeDialect
	// returns instructions unchanged; PromptEngineeringDialect appends a
	// tool-instruction block.
	PreparePrompt(instructions string, tools []ai.ToolDescription) string

	// PrepareRequest shapes the outgoing request: NativeDialect attaches a
	// tools field, PromptEngineeringDialect attaches stop sequences instead.
	PrepareRequest(req ai.ChatRequest, tools []ai.ToolDescription) ai.ChatRequest

	// InitStreamState returns a fresh, zero-value decoding state for one
	// assistant turn.
	InitStreamState() StreamState

	// ProcessChunk folds one decoded provider stream event into state,
	// returning the updated state and zero or more StreamUpdates to emit as
	// streaming events.
	ProcessChunk(state StreamState, chunk ai.StreamEvent) (StreamState, []StreamUpdate)

	// Finalize is called once the provider stream ends (or the
	// single-event fallback completes). It returns the finalized message
	// and any trailing updates (for example, a recovered truncated tool
	// call) that ProcessChunk did not already emit.
	Finalize(state StreamState) (FinalizedMessage, []StreamUpdate)

	// BuildHistoricalAssistantMessage converts a persisted assistant turn
	// back into a provider message for the next request.
	BuildHistoricalAssistantMessage(payload AssistantMessagePayload) ai.Message

	// BuildHistoricalToolResultMessages converts a run of persisted tool
	// results (one iteration's worth) back into provider messages.
	BuildHistoricalToolResultMessages(results []ToolResultPayload) []ai.Message
}

// StreamState is the plain record a Dialect threads across ProcessChunk
// calls for one assistant turn. It carries no methods of its own; the LLM
// Processor owns its lifecycle (InitStreamState -> N x ProcessChunk ->
// Finalize), matching the rule that dialect instances stay stateless
// between turns.
type StreamState struct {
	// Content accumulates plain assistant text seen so far.
	Content string
	// Thinking accumulates reasoning/thinking text seen so far.
	Thinking string
	// ThinkingStarted/ThinkingEnded bound the wall-clock interval used to
	// compute AssistantThinkingPayload.ThinkingDurationMs in streaming mode.
	ThinkingStarted, ThinkingEnded int64 // unix nanos, 0 = unset
	// FinishReason is set once a chunk carries one.
	FinishReason string
	// MessageID names the in-flight message for streaming event payloads.
	MessageID string

	// native holds NativeDialect's index-keyed tool-call builders, grown by
	// append exactly as providers/ai/stream.go's accumulateToolCallDelta
	// grows its own builder slice: a tool call at index i is never visited
	// before the slice has been extended to length i+1.
	native []*nativeToolCallBuilder

	// pe holds PromptEngineeringDialect's parser state.
	pe *promptEngineParserState
}

// StreamUpdate is one unit of streaming output the LLM Processor turns
// directly into an EventStream event.
type StreamUpdate struct {
	// Kind selects which payload field is meaningful.
	Kind StreamUpdateKind

	Content    string // Kind == UpdateContent | UpdateThinking
	IsComplete bool   // Kind == UpdateToolCall, set on the closing update

	ToolCallID     string // Kind == UpdateToolCall
	ToolName       string // Kind == UpdateToolCall, set on the opening update
	ArgumentsDelta string // Kind == UpdateToolCall
}

// StreamUpdateKind distinguishes the four kinds of streaming update a
// Dialect can produce.
type StreamUpdateKind int

const (
	UpdateContent StreamUpdateKind = iota
	UpdateThinking
	UpdateToolCall
	// UpdateSystemWarning carries an engine-level parse/recovery diagnostic
	// that the LLM Processor turns into a `system` event rather than a
	// streaming content/tool-call event.
	UpdateSystemWarning
)

// FinalizedMessage is the fully decoded assistant turn once a Dialect's
// Finalize runs.
type FinalizedMessage struct {
	Content      string
	RawContent   string
	Thinking     string
	ThinkingMs   *int64
	ToolCalls    []ai.ToolCall
	FinishReason string
}

package agentloop

import (
	"strconv"
	"strings"

	"github.com/nullstack/agentloop/providers/ai"
)

// NativeDialect targets providers with first-class function calling: tools
// are declared on the request's Tools field and the provider streams
// structured tool_calls[] deltas indexed by position, exactly the shape
// providers/ai/stream.go's ChatStream already yields.
//
// The accumulation below adapts providers/ai/stream.go's own
// accumulateToolCallDelta: an index-keyed slice grown by append as new
// indices appear, each slot's ID/Name/Arguments merged the same way. It
// adds one thing that accumulator doesn't need: an "opened" flag per
// builder, so the LLM Processor can emit a StreamUpdate the moment a tool
// call's name is first known, rather than only once at Finalize.
type NativeDialect struct{}

// nativeToolCallBuilder accumulates one in-flight tool call's deltas.
type nativeToolCallBuilder struct {
	id        string
	name      string
	arguments strings.Builder
	opened    bool // true once the opening StreamUpdate has been emitted
}

func (NativeDialect) PreparePrompt(instructions string, _ []ai.ToolDescription) string {
	return instructions
}

func (NativeDialect) PrepareRequest(req ai.ChatRequest, tools []ai.ToolDescription) ai.ChatRequest {
	if len(tools) > 0 {
		req.Tools = tools
	}
	return req
}

func (NativeDialect) InitStreamState() StreamState {
	return StreamState{}
}

func (NativeDialect) ProcessChunk(state StreamState, chunk ai.StreamEvent) (StreamState, []StreamUpdate) {
	var updates []StreamUpdate

	switch chunk.Type {
	case ai.StreamEventContent:
		state.Content += chunk.Content
		if chunk.Content != "" {
			updates = append(updates, StreamUpdate{Kind: UpdateContent, Content: chunk.Content})
		}

	case ai.StreamEventReasoning:
		if state.Thinking == "" && chunk.Reasoning != "" {
			state.ThinkingStarted = nowNano()
		}
		state.Thinking += chunk.Reasoning
		if chunk.Reasoning != "" {
			state.ThinkingEnded = nowNano()
			updates = append(updates, StreamUpdate{Kind: UpdateThinking, Content: chunk.Reasoning})
		}

	case ai.StreamEventToolCall:
		if chunk.ToolCall == nil {
			break
		}
		delta := chunk.ToolCall
		for len(state.native) <= delta.Index {
			state.native = append(state.native, &nativeToolCallBuilder{})
		}
		builder := state.native[delta.Index]
		if delta.ID != "" {
			builder.id = delta.ID
		}
		if delta.Name != "" {
			builder.name = delta.Name
		}
		if !builder.opened && builder.name != "" {
			builder.opened = true
			updates = append(updates, StreamUpdate{
				Kind:       UpdateToolCall,
				ToolCallID: builder.toolCallID(delta.Index),
				ToolName:   builder.name,
			})
		}
		if delta.Arguments != "" {
			builder.arguments.WriteString(delta.Arguments)
			updates = append(updates, StreamUpdate{
				Kind:           UpdateToolCall,
				ToolCallID:     builder.toolCallID(delta.Index),
				ArgumentsDelta: delta.Arguments,
			})
		}

	case ai.StreamEventDone:
		state.FinishReason = chunk.FinishReason
	}

	return state, updates
}

// toolCallID returns the builder's provider-assigned ID, falling back to a
// positional placeholder if the provider never sent one (some dialects omit
// IDs entirely on tool calls with a single candidate).
func (b *nativeToolCallBuilder) toolCallID(index int) string {
	if b.id != "" {
		return b.id
	}
	return "call_" + strconv.Itoa(index)
}

func (NativeDialect) Finalize(state StreamState) (FinalizedMessage, []StreamUpdate) {
	var updates []StreamUpdate
	msg := FinalizedMessage{
		Content:      state.Content,
		Thinking:     state.Thinking,
		FinishReason: state.FinishReason,
	}

	if state.Thinking != "" && state.ThinkingStarted != 0 && state.ThinkingEnded != 0 {
		ms := (state.ThinkingEnded - state.ThinkingStarted) / int64(1e6)
		msg.ThinkingMs = &ms
	}

	for index, builder := range state.native {
		if builder.name == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, ai.ToolCall{
			ID:   builder.toolCallID(index),
			Type: "function",
			Function: ai.ToolCallFunction{
				Name:      builder.name,
				Arguments: builder.arguments.String(),
			},
		})
		updates = append(updates, StreamUpdate{
			Kind:       UpdateToolCall,
			ToolCallID: builder.toolCallID(index),
			IsComplete: true,
		})
	}

	if len(msg.ToolCalls) > 0 {
		msg.FinishReason = FinishToolCalls
	}

	return msg, updates
}

func (NativeDialect) BuildHistoricalAssistantMessage(payload AssistantMessagePayload) ai.Message {
	return ai.Message{
		Role:      ai.RoleAssistant,
		Content:   payload.Content,
		ToolCalls: payload.ToolCalls,
	}
}

func (NativeDialect) BuildHistoricalToolResultMessages(results []ToolResultPayload) []ai.Message {
	messages := make([]ai.Message, 0, len(results))
	for _, result := range results {
		messages = append(messages, ai.Message{
			Role:       ai.RoleTool,
			Content:    result.Content,
			ToolCallID: result.ToolCallID,
			Name:       result.Name,
		})
	}
	return messages
}

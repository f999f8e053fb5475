package agentloop

import (
	"context"
	"fmt"

	"github.com/nullstack/agentloop/providers/ai"
)

// iterationResult is everything the Loop Executor needs after one LLM
// Processor pass: the persisted assistant_message payload and whether it
// carried tool calls (in which case the Tool Processor already ran).
type iterationResult struct {
	assistant  AssistantMessagePayload
	toolCalls  []ai.ToolCall
	toolResults []ToolResultPayload
}

// runIteration implements the LLM Processor (spec section 4.3): shape a
// request via the active dialect, call the injected provider (streaming
// when available, falling back to a single-event stream otherwise), drive
// the dialect's state machine over the response, persist the resulting
// events, and -- if the final message carries tool calls -- hand them to
// the Tool Processor.
func (a *Agent) runIteration(ctx context.Context, sessionID string, iteration int) (iterationResult, error) {
	instructions, tools := a.prepareRequest(ctx, iteration)
	a.toolProcessor.setExecutionTools(tools)

	messages := BuildHistory(a.events, instructions, tools, a.dialect, a.historyOptions)

	req := ai.ChatRequest{
		Model:        a.activeModel(),
		Messages:     messages[1:], // index 0 is the system message
		SystemPrompt: messages[0].Content,
	}
	req = a.dialect.PrepareRequest(req, tools)

	if a.hooks.OnLLMRequest != nil {
		req = a.hooks.OnLLMRequest(ctx, req)
	}
	a.overview.AddRequest(&req)

	stream, streamed, err := a.openStream(ctx, req)
	if err != nil {
		return iterationResult{}, fmt.Errorf("provider call failed: %w", err)
	}

	messageID := a.events.Create(EventAssistantMessage, nil).ID
	state := a.dialect.InitStreamState()
	state.MessageID = messageID

	for event, streamErr := range stream.Iter() {
		if streamErr != nil {
			return iterationResult{}, fmt.Errorf("provider stream failed: %w", streamErr)
		}
		var updates []StreamUpdate
		state, updates = a.dialect.ProcessChunk(state, event)
		a.emitUpdates(sessionID, messageID, updates)
	}

	final, trailingUpdates := a.dialect.Finalize(state)
	a.emitUpdates(sessionID, messageID, trailingUpdates)

	if !streamed {
		final.ThinkingMs = nil
	}

	if a.hooks.OnLLMResponse != nil {
		final = a.hooks.OnLLMResponse(ctx, final)
	}

	assistantPayload := AssistantMessagePayload{
		Content:      final.Content,
		RawContent:   final.RawContent,
		ToolCalls:    final.ToolCalls,
		FinishReason: final.FinishReason,
		MessageID:    messageID,
	}
	a.events.Send(Event{ID: messageID, Type: EventAssistantMessage, Timestamp: timeNow(), Payload: assistantPayload})

	if final.Thinking != "" {
		a.events.Emit(EventAssistantThinkingMessage, AssistantThinkingPayload{
			Content:            final.Thinking,
			ThinkingDurationMs: final.ThinkingMs,
		})
	}

	if len(final.ToolCalls) > 0 {
		a.overview.AddToolCalls(final.ToolCalls)
	}

	result := iterationResult{assistant: assistantPayload, toolCalls: final.ToolCalls}
	if len(final.ToolCalls) > 0 {
		result.toolResults = a.toolProcessor.processToolCalls(ctx, final.ToolCalls, sessionID)
	}
	return result, nil
}

// prepareRequest asks the onPrepareRequest hook for possibly-rewritten
// instructions and a possibly filtered/extended tool list; the returned
// tool list becomes this iteration's execution tool set.
func (a *Agent) prepareRequest(ctx context.Context, iteration int) (string, []ai.ToolDescription) {
	instructions := a.systemPrompt
	tools := a.toolRegistry.Descriptions()

	if a.hooks.OnPrepareRequest != nil {
		instructions, tools = a.hooks.OnPrepareRequest(ctx, instructions, tools, iteration)
	}
	return instructions, tools
}

// emitUpdates turns a batch of StreamUpdates into EventStream events.
func (a *Agent) emitUpdates(sessionID, messageID string, updates []StreamUpdate) {
	for _, u := range updates {
		switch u.Kind {
		case UpdateContent:
			a.events.Emit(EventAssistantStreamingMessage, AssistantStreamingMessagePayload{
				Content: u.Content, MessageID: messageID,
			})
		case UpdateThinking:
			a.events.Emit(EventAssistantStreamingThinking, AssistantStreamingThinkingPayload{
				Content: u.Content, MessageID: messageID,
			})
		case UpdateToolCall:
			a.events.Emit(EventAssistantStreamingToolCall, AssistantStreamingToolCallPayload{
				ToolCallID:     u.ToolCallID,
				ToolName:       u.ToolName,
				ArgumentsDelta: u.ArgumentsDelta,
				IsComplete:     u.IsComplete,
			})
		case UpdateSystemWarning:
			a.events.Emit(EventSystem, SystemPayload{Level: SystemLevelWarning, Message: u.Content})
		}
	}
}

// openStream drives the provider call, preferring the provider's native
// streaming transport when available and falling back to wrapping a
// synchronous SendMessage response as a single-event stream. The second
// return value reports whether the call was genuinely streamed, which
// gates whether a thinkingDurationMs is computed.
func (a *Agent) openStream(ctx context.Context, req ai.ChatRequest) (*ai.ChatStream, bool, error) {
	provider := a.activeProvider()
	if streamer, ok := provider.(ai.StreamProvider); ok {
		stream, err := streamer.StreamMessage(ctx, req)
		if err != nil {
			return nil, false, err
		}
		return stream, true, nil
	}

	response, err := provider.SendMessage(ctx, req)
	if err != nil {
		return nil, false, err
	}
	a.overview.AddResponse(response)
	return ai.NewSingleEventStream(response), false, nil
}

// activeProvider returns this run's provider override if one was supplied,
// otherwise the agent's default.
func (a *Agent) activeProvider() ai.Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runProvider != nil {
		return a.runProvider
	}
	return a.provider
}

// activeModel returns this run's model override if one was supplied,
// otherwise the agent's default.
func (a *Agent) activeModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runModel != "" {
		return a.runModel
	}
	return a.model
}

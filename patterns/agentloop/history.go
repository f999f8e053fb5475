package agentloop

import (
	"time"

	"github.com/nullstack/agentloop/providers/ai"
)

// HistoryOptions configures BuildHistory. MaxImages bounds the number of
// image parts retained across the rebuilt history (0 means unlimited);
// Clock overrides the timestamp line appended to the system message, for
// tests that need byte-stable golden output.
type HistoryOptions struct {
	MaxImages int
	Clock     func() time.Time
}

// BuildHistory reconstructs the provider-shaped message list for a given
// system prompt, tool list, and dialect, by folding the event stream in
// order: user_message and environment_input become role:user messages,
// assistant_message becomes the dialect's historical assistant message,
// and each contiguous run of tool_result events becomes the dialect's
// historical tool-result messages.
func BuildHistory(stream *EventStream, systemPrompt string, tools []ai.ToolDescription, dialect Dialect, opts HistoryOptions) []ai.Message {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	prompt := dialect.PreparePrompt(systemPrompt, tools)
	systemContent := prompt + "\nCurrent time: " + clock().Format(time.RFC3339)

	messages := []ai.Message{{Role: ai.RoleSystem, Content: systemContent}}

	var pendingResults []ToolResultPayload
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		messages = append(messages, dialect.BuildHistoricalToolResultMessages(pendingResults)...)
		pendingResults = nil
	}

	for _, event := range stream.GetEvents() {
		switch event.Type {
		case EventUserMessage:
			if payload, ok := event.AsUserMessage(); ok {
				flushResults()
				messages = append(messages, contentMessage(ai.RoleUser, payload.Content))
			}

		case EventEnvironmentInput:
			if payload, ok := event.AsEnvironmentInput(); ok {
				flushResults()
				messages = append(messages, contentMessage(ai.RoleUser, payload.Content))
			}

		case EventAssistantMessage:
			if payload, ok := event.AsAssistantMessage(); ok {
				flushResults()
				messages = append(messages, dialect.BuildHistoricalAssistantMessage(payload))
			}

		case EventToolResult:
			if payload, ok := event.AsToolResult(); ok {
				pendingResults = append(pendingResults, payload)
			}
		}
	}
	flushResults()

	if opts.MaxImages > 0 {
		capImages(messages, opts.MaxImages)
	}

	return messages
}

// contentMessage builds a user-role message from either a plain string or
// []ai.ContentPart, matching UserMessagePayload/EnvironmentInputPayload's
// permissive Content field.
func contentMessage(role ai.MessageRole, content any) ai.Message {
	switch v := content.(type) {
	case string:
		return ai.Message{Role: role, Content: v}
	case []ai.ContentPart:
		return ai.Message{Role: role, ContentParts: v}
	default:
		return ai.Message{Role: role}
	}
}

// capImages bounds the number of image parts retained across the whole
// message history to maxImages, dropping the oldest first and replacing
// each with a short text placeholder. Text content is never dropped.
func capImages(messages []ai.Message, maxImages int) {
	type imageRef struct {
		msgIndex, partIndex int
	}
	var images []imageRef
	for mi, msg := range messages {
		for pi, part := range msg.ContentParts {
			if part.Type == ai.ContentTypeImage {
				images = append(images, imageRef{mi, pi})
			}
		}
	}

	overflow := len(images) - maxImages
	if overflow <= 0 {
		return
	}

	for _, ref := range images[:overflow] {
		messages[ref.msgIndex].ContentParts[ref.partIndex] = ai.NewTextPart("[image omitted: history image cap reached]")
	}
}

package agentloop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// persistedEvent mirrors Event but keeps Payload as raw JSON on decode so
// it can be re-typed against EventType before being unmarshaled into the
// concrete payload struct.
type persistedEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeJSONL writes events as line-delimited JSON, one event per line, in
// the order given. There is no schema version field; forward compatibility
// is maintained by only ever adding optional fields to payload types.
func EncodeJSONL(w io.Writer, events []Event) error {
	encoder := json.NewEncoder(w)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("agentloop: encode event %s: %w", event.ID, err)
		}
	}
	return nil
}

// DecodeJSONL reads back events written by EncodeJSONL. Each payload is
// decoded into the concrete *Payload type matching its EventType; an
// unrecognized type's payload is left as a json.RawMessage so forward
// compatibility holds for readers older than the stream they're reading.
func DecodeJSONL(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var events []Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw persistedEvent
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("agentloop: decode event line: %w", err)
		}

		timestamp, err := parseRFC3339(raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("agentloop: decode event %s timestamp: %w", raw.ID, err)
		}

		payload, err := decodePayload(raw.Type, raw.Payload)
		if err != nil {
			return nil, fmt.Errorf("agentloop: decode event %s payload: %w", raw.ID, err)
		}

		events = append(events, Event{ID: raw.ID, Type: raw.Type, Timestamp: timestamp, Payload: payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("agentloop: scan event stream: %w", err)
	}
	return events, nil
}

func decodePayload(eventType EventType, raw json.RawMessage) (any, error) {
	var target any
	switch eventType {
	case EventUserMessage:
		target = &UserMessagePayload{}
	case EventEnvironmentInput:
		target = &EnvironmentInputPayload{}
	case EventAssistantStreamingMessage:
		target = &AssistantStreamingMessagePayload{}
	case EventAssistantStreamingThinking:
		target = &AssistantStreamingThinkingPayload{}
	case EventAssistantStreamingToolCall:
		target = &AssistantStreamingToolCallPayload{}
	case EventAssistantMessage:
		target = &AssistantMessagePayload{}
	case EventAssistantThinkingMessage:
		target = &AssistantThinkingPayload{}
	case EventToolCall:
		target = &ToolCallPayload{}
	case EventToolResult:
		target = &ToolResultPayload{}
	case EventPlanStart, EventPlanUpdate, EventPlanFinish:
		target = &PlanPayload{}
	case EventSystem:
		target = &SystemPayload{}
	default:
		return raw, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return derefPayload(target), nil
}

// derefPayload dereferences the pointer so Event.Payload holds the same
// value kind (not a pointer) that Send/Emit produce, keeping the As*
// accessor type assertions working after a decode round-trip.
func derefPayload(v any) any {
	switch p := v.(type) {
	case *UserMessagePayload:
		return *p
	case *EnvironmentInputPayload:
		return *p
	case *AssistantStreamingMessagePayload:
		return *p
	case *AssistantStreamingThinkingPayload:
		return *p
	case *AssistantStreamingToolCallPayload:
		return *p
	case *AssistantMessagePayload:
		return *p
	case *AssistantThinkingPayload:
		return *p
	case *ToolCallPayload:
		return *p
	case *ToolResultPayload:
		return *p
	case *PlanPayload:
		return *p
	case *SystemPayload:
		return *p
	default:
		return v
	}
}

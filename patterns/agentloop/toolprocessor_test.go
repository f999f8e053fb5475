package agentloop

import (
	"context"
	"testing"

	"github.com/nullstack/agentloop/providers/ai"
	"github.com/nullstack/agentloop/providers/tool"
)

type panicInput struct{}
type panicOutput struct{}

func newPanicTool() *tool.Tool[panicInput, panicOutput] {
	return tool.NewTool[panicInput, panicOutput]("boom", func(ctx context.Context, in panicInput) (panicOutput, error) {
		panic("handler exploded")
	})
}

func TestToolProcessor_ElapsedMsAlwaysNonNegative_OnSuccess(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	registry.Register(newEchoTool("-ok"))
	p := NewToolProcessor(registry, events)

	calls := []ai.ToolCall{{ID: "call_1", Function: ai.ToolCallFunction{Name: "echo", Arguments: `{"text":"hi"}`}}}
	results := p.processToolCalls(context.Background(), calls, "session-1")

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ElapsedMs < 0 {
		t.Errorf("expected ElapsedMs >= 0, got %d", results[0].ElapsedMs)
	}
	if results[0].Error != "" {
		t.Errorf("expected no error, got %q", results[0].Error)
	}
}

func TestToolProcessor_ElapsedMsAlwaysNonNegative_OnUnregisteredTool(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	p := NewToolProcessor(registry, events)

	calls := []ai.ToolCall{{ID: "call_1", Function: ai.ToolCallFunction{Name: "missing", Arguments: `{}`}}}
	results := p.processToolCalls(context.Background(), calls, "session-1")

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ElapsedMs < 0 {
		t.Errorf("expected ElapsedMs >= 0 on the unregistered-tool path, got %d", results[0].ElapsedMs)
	}
	if results[0].Error == "" {
		t.Error("expected an error for an unregistered tool")
	}
}

func TestToolProcessor_ElapsedMsAlwaysNonNegative_OnInvalidArguments(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	registry.Register(newEchoTool("-ok"))
	p := NewToolProcessor(registry, events)

	calls := []ai.ToolCall{{ID: "call_1", Function: ai.ToolCallFunction{Name: "echo", Arguments: `not json`}}}
	results := p.processToolCalls(context.Background(), calls, "session-1")

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ElapsedMs < 0 {
		t.Errorf("expected ElapsedMs >= 0 on the invalid-arguments path, got %d", results[0].ElapsedMs)
	}
	if results[0].Error == "" {
		t.Error("expected an error for invalid arguments")
	}
}

func TestToolProcessor_PanickingHandlerIsRecovered(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	registry.Register(newPanicTool())
	p := NewToolProcessor(registry, events)

	calls := []ai.ToolCall{{ID: "call_1", Function: ai.ToolCallFunction{Name: "boom", Arguments: `{}`}}}
	results := p.processToolCalls(context.Background(), calls, "session-1")

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Error == "" {
		t.Error("expected a panic to surface as a tool error, not crash the run")
	}
	if results[0].ElapsedMs < 0 {
		t.Errorf("expected ElapsedMs >= 0 on the panic path, got %d", results[0].ElapsedMs)
	}
}

// TestToolProcessor_EmitsPairedCallAndResultEvents verifies every tool_call
// event has a matching tool_result event carrying the same ToolCallID, in
// the order calls were issued.
func TestToolProcessor_EmitsPairedCallAndResultEvents(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	registry.Register(newEchoTool("-ok"))
	p := NewToolProcessor(registry, events)

	calls := []ai.ToolCall{
		{ID: "call_1", Function: ai.ToolCallFunction{Name: "echo", Arguments: `{"text":"a"}`}},
		{ID: "call_2", Function: ai.ToolCallFunction{Name: "echo", Arguments: `{"text":"b"}`}},
	}
	p.processToolCalls(context.Background(), calls, "session-1")

	callEvents := events.GetEventsByType(EventToolCall)
	resultEvents := events.GetEventsByType(EventToolResult)
	if len(callEvents) != 2 || len(resultEvents) != 2 {
		t.Fatalf("expected 2 tool_call and 2 tool_result events, got %d and %d", len(callEvents), len(resultEvents))
	}
	for i, ce := range callEvents {
		callPayload, ok := ce.AsToolCall()
		if !ok {
			t.Fatalf("event %d is not a ToolCallPayload", i)
		}
		resultPayload, ok := resultEvents[i].AsToolResult()
		if !ok {
			t.Fatalf("event %d is not a ToolResultPayload", i)
		}
		if callPayload.ToolCallID != resultPayload.ToolCallID {
			t.Errorf("call/result %d: IDs do not match (%q vs %q)", i, callPayload.ToolCallID, resultPayload.ToolCallID)
		}
	}
}

// TestToolProcessor_OnProcessToolCallsSeamShortCircuits verifies the test
// seam bypasses normal execution entirely when it reports handled=true.
func TestToolProcessor_OnProcessToolCallsSeamShortCircuits(t *testing.T) {
	events := NewEventStream()
	registry := NewToolRegistry(events)
	p := NewToolProcessor(registry, events)

	var sawSeamCall bool
	p.onProcessToolCalls = func(sessionID string, calls []ai.ToolCall) ([]ToolResultPayload, bool) {
		sawSeamCall = true
		out := make([]ToolResultPayload, len(calls))
		for i, c := range calls {
			out[i] = ToolResultPayload{ToolCallID: c.ID, Name: c.Function.Name, Content: "stubbed"}
		}
		return out, true
	}

	calls := []ai.ToolCall{{ID: "call_1", Function: ai.ToolCallFunction{Name: "never-registered", Arguments: `{}`}}}
	results := p.processToolCalls(context.Background(), calls, "session-1")

	if !sawSeamCall {
		t.Fatal("expected the onProcessToolCalls seam to be invoked")
	}
	if len(results) != 1 || results[0].Content != "stubbed" {
		t.Errorf("expected the seam's stubbed result to be returned verbatim, got %+v", results)
	}
}

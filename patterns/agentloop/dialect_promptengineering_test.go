package agentloop

import (
	"testing"

	"github.com/nullstack/agentloop/providers/ai"
)

// feedContent drives PromptEngineeringDialect.ProcessChunk over content,
// split exactly along the given chunk boundaries, and returns the
// concatenated non-tool-call text plus the finalized message.
func feedContent(t *testing.T, chunks []string) (string, FinalizedMessage) {
	t.Helper()
	d := PromptEngineeringDialect{}
	state := d.InitStreamState()

	var text string
	for _, c := range chunks {
		var updates []StreamUpdate
		state, updates = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventContent, Content: c})
		for _, u := range updates {
			if u.Kind == UpdateContent {
				text += u.Content
			}
		}
	}
	state, _ = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventDone, FinishReason: FinishStop})
	final, _ := d.Finalize(state)
	return text, final
}

// TestPromptEngineeringDialect_Scenario3_TwoChunkSplit is SPEC_FULL.md
// scenario 3: the stream splits mid-tag, across "Sure.<tool_" and
// "call>\n{...}\n</tool_call>". Normal content delivered to subscribers
// must be exactly "Sure." with no partial tag leakage, and the resulting
// tool call must have name "echo" and arguments {"x":1}.
func TestPromptEngineeringDialect_Scenario3_TwoChunkSplit(t *testing.T) {
	chunks := []string{
		"Sure.<tool_",
		"call>\n{\"name\":\"echo\",\"parameters\":{\"x\":1}}\n</tool_call>",
	}
	text, final := feedContent(t, chunks)

	if text != "Sure." {
		t.Errorf("expected normal content %q, got %q", "Sure.", text)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(final.ToolCalls))
	}
	if final.ToolCalls[0].Function.Name != "echo" {
		t.Errorf("expected tool name %q, got %q", "echo", final.ToolCalls[0].Function.Name)
	}
	if final.ToolCalls[0].Function.Arguments != `{"x":1}` {
		t.Errorf("expected arguments %q, got %q", `{"x":1}`, final.ToolCalls[0].Function.Arguments)
	}
}

// TestPromptEngineeringDialect_PrefixSafety verifies the state machine is
// prefix-safe: splitting the same input into chunks of every width from 1
// byte up to the whole string produces the same non-tool-call text output
// as processing it in one shot.
func TestPromptEngineeringDialect_PrefixSafety(t *testing.T) {
	whole := "Sure.<tool_call>\n{\"name\":\"echo\",\"parameters\":{\"x\":1}}\n</tool_call> Done."

	refText, reference := feedContent(t, []string{whole})

	for width := 1; width <= len(whole); width++ {
		var chunks []string
		for i := 0; i < len(whole); i += width {
			end := i + width
			if end > len(whole) {
				end = len(whole)
			}
			chunks = append(chunks, whole[i:end])
		}
		text, final := feedContent(t, chunks)
		if text != refText {
			t.Fatalf("width %d: normal text %q != single-chunk text %q", width, text, refText)
		}
		if len(final.ToolCalls) != len(reference.ToolCalls) {
			t.Fatalf("width %d: got %d tool calls, reference has %d", width, len(final.ToolCalls), len(reference.ToolCalls))
		}
		for i := range final.ToolCalls {
			if final.ToolCalls[i].Function.Name != reference.ToolCalls[i].Function.Name {
				t.Fatalf("width %d: tool call %d name %q != reference %q", width, i, final.ToolCalls[i].Function.Name, reference.ToolCalls[i].Function.Name)
			}
			if final.ToolCalls[i].Function.Arguments != reference.ToolCalls[i].Function.Arguments {
				t.Fatalf("width %d: tool call %d arguments %q != reference %q", width, i, final.ToolCalls[i].Function.Arguments, reference.ToolCalls[i].Function.Arguments)
			}
		}
	}
}

// TestPromptEngineeringDialect_Scenario4_StopSequenceTruncation is
// SPEC_FULL.md scenario 4: the provider stream ends mid-block (stopped by
// the dialect's own stop sequence) after an opening brace count that never
// balances. Finalize's recovery path must complete the JSON and emit the
// tool call. A successful repair is not recorded as a system-level update;
// only a failed one is (see the UnrecoverableTruncationWarns test below).
func TestPromptEngineeringDialect_Scenario4_StopSequenceTruncation(t *testing.T) {
	d := PromptEngineeringDialect{}
	state := d.InitStreamState()

	content := `<tool_call>` + "\n" + `{"name":"ls","parameters":{"path":"/"`
	state, _ = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventContent, Content: content})
	state, _ = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventDone, FinishReason: FinishLength})

	final, updates := d.Finalize(state)

	if len(final.ToolCalls) != 1 {
		t.Fatalf("expected recovery to produce 1 tool call, got %d", len(final.ToolCalls))
	}
	if final.ToolCalls[0].Function.Name != "ls" {
		t.Errorf("expected recovered tool name %q, got %q", "ls", final.ToolCalls[0].Function.Name)
	}
	if final.ToolCalls[0].Function.Arguments != `{"path":"/"}` {
		t.Errorf("expected recovered arguments %q, got %q", `{"path":"/"}`, final.ToolCalls[0].Function.Arguments)
	}
	if final.FinishReason != FinishToolCalls {
		t.Errorf("expected finish reason forced to %q, got %q", FinishToolCalls, final.FinishReason)
	}

	var sawCompletion bool
	for _, u := range updates {
		if u.Kind == UpdateToolCall && u.IsComplete {
			sawCompletion = true
		}
	}
	if !sawCompletion {
		t.Error("expected a trailing isComplete:true UpdateToolCall for the recovered call")
	}
}

// TestPromptEngineeringDialect_UnrecoverableTruncationWarns verifies that
// when recovery cannot produce valid JSON at all (no tool name ever
// appeared), Finalize drops the call and emits an UpdateSystemWarning
// instead of fabricating a tool call.
func TestPromptEngineeringDialect_UnrecoverableTruncationWarns(t *testing.T) {
	d := PromptEngineeringDialect{}
	state := d.InitStreamState()

	state, _ = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventContent, Content: "<tool_call>\nnot json at all"})
	state, _ = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventDone, FinishReason: FinishLength})

	final, updates := d.Finalize(state)
	if len(final.ToolCalls) != 0 {
		t.Errorf("expected no tool calls from unrecoverable input, got %d", len(final.ToolCalls))
	}

	var sawWarning bool
	for _, u := range updates {
		if u.Kind == UpdateSystemWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("expected an UpdateSystemWarning when recovery fails")
	}
}

// TestPromptEngineeringDialect_ArgumentsDeltaConcatenationEqualsFinal
// exercises the same arguments-delta invariant as the native dialect test,
// but through the tagged-JSON parser: concatenating non-final
// ArgumentsDelta updates must equal the eventual tool call's arguments.
func TestPromptEngineeringDialect_ArgumentsDeltaConcatenationEqualsFinal(t *testing.T) {
	d := PromptEngineeringDialect{}
	state := d.InitStreamState()

	chunks := []string{
		`<tool_call>`,
		"\n",
		`{"name":"echo","parameters":{"x":1,"y":"two"}}`,
		"\n</tool_call>",
	}

	var concatenated string
	for _, c := range chunks {
		var updates []StreamUpdate
		state, updates = d.ProcessChunk(state, ai.StreamEvent{Type: ai.StreamEventContent, Content: c})
		for _, u := range updates {
			if u.Kind == UpdateToolCall && !u.IsComplete {
				concatenated += u.ArgumentsDelta
			}
		}
	}
	final, _ := d.Finalize(state)

	if len(final.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(final.ToolCalls))
	}
	if concatenated != final.ToolCalls[0].Function.Arguments {
		t.Errorf("concatenated argument deltas %q != final arguments %q", concatenated, final.ToolCalls[0].Function.Arguments)
	}
}

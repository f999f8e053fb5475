package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"testing"

	"github.com/nullstack/agentloop/providers/ai"
	"github.com/nullstack/agentloop/providers/tool"
)

// turnScript is one scripted provider call: either a sequence of stream
// events to replay, or an error to return instead.
type turnScript struct {
	events []ai.StreamEvent
	err    error
}

func sliceIter(events []ai.StreamEvent) iter.Seq2[ai.StreamEvent, error] {
	return func(yield func(ai.StreamEvent, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// providerCore is the scripted-call bookkeeping shared by fakeStreamingProvider
// and fakeSyncProvider: each call to SendMessage/StreamMessage consumes the
// next turn in order, recording the request it was given.
type providerCore struct {
	mu       sync.Mutex
	turns    []turnScript
	calls    int
	requests []ai.ChatRequest
}

func (c *providerCore) takeTurn(req ai.ChatRequest) (turnScript, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.calls >= len(c.turns) {
		return turnScript{}, fmt.Errorf("fake provider: no turn scripted for call %d", c.calls)
	}
	turn := c.turns[c.calls]
	c.calls++
	return turn, nil
}

func (c *providerCore) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeStreamingProvider implements ai.Provider and ai.StreamProvider,
// replaying a scripted sequence of ai.StreamEvent chunks per call -- the Go
// analogue of the literal end-to-end scenarios in SPEC_FULL.md section 8.
type fakeStreamingProvider struct {
	core providerCore
}

func newFakeStreamingProvider(turns ...turnScript) *fakeStreamingProvider {
	return &fakeStreamingProvider{core: providerCore{turns: turns}}
}

func (p *fakeStreamingProvider) StreamMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatStream, error) {
	turn, err := p.core.takeTurn(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return ai.NewChatStream(sliceIter(turn.events)), nil
}

func (p *fakeStreamingProvider) SendMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	turn, err := p.core.takeTurn(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return ai.NewChatStream(sliceIter(turn.events)).Collect()
}

func (p *fakeStreamingProvider) IsStopMessage(msg *ai.ChatResponse) bool {
	return msg.FinishReason != FinishToolCalls
}
func (p *fakeStreamingProvider) WithAPIKey(string) ai.Provider              { return p }
func (p *fakeStreamingProvider) WithBaseURL(string) ai.Provider            { return p }
func (p *fakeStreamingProvider) WithHttpClient(*http.Client) ai.Provider { return p }

// fakeSyncProvider implements ai.Provider only (no StreamMessage), exercising
// the LLM Processor's synchronous fallback path (openStream in
// llmprocessor.go wraps SendMessage's response with ai.NewSingleEventStream
// whenever the active provider does not implement ai.StreamProvider).
type fakeSyncProvider struct {
	core providerCore
}

func newFakeSyncProvider(turns ...turnScript) *fakeSyncProvider {
	return &fakeSyncProvider{core: providerCore{turns: turns}}
}

func (p *fakeSyncProvider) SendMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	turn, err := p.core.takeTurn(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return ai.NewChatStream(sliceIter(turn.events)).Collect()
}

func (p *fakeSyncProvider) IsStopMessage(msg *ai.ChatResponse) bool {
	return msg.FinishReason != FinishToolCalls
}
func (p *fakeSyncProvider) WithAPIKey(string) ai.Provider              { return p }
func (p *fakeSyncProvider) WithBaseURL(string) ai.Provider            { return p }
func (p *fakeSyncProvider) WithHttpClient(*http.Client) ai.Provider { return p }

// collectEvents drains an agent's subscription into a slice, stopping once
// an assistant_message event without tool calls (the run's terminal event)
// has been seen. Each tool-calling iteration also emits an assistant_message,
// which carries its tool calls and does not end the collection.
func collectEvents(sub *Subscription) []Event {
	var out []Event
	for event := range sub.C {
		out = append(out, event)
		if p, ok := event.AsAssistantMessage(); ok && len(p.ToolCalls) == 0 {
			break
		}
	}
	return out
}

func contentEvents(events []Event) []AssistantStreamingMessagePayload {
	var out []AssistantStreamingMessagePayload
	for _, e := range events {
		if p, ok := e.AsAssistantStreamingMessage(); ok {
			out = append(out, p)
		}
	}
	return out
}

// getWeatherInput/Output and its GenericTool back scenario 2 (native single
// tool call).
type getWeatherInput struct {
	Location string `json:"location"`
}
type getWeatherOutput struct {
	Temperature string `json:"temperature"`
}

func newGetWeatherTool() *tool.Tool[getWeatherInput, getWeatherOutput] {
	return tool.NewTool[getWeatherInput, getWeatherOutput](
		"getWeather",
		func(ctx context.Context, in getWeatherInput) (getWeatherOutput, error) {
			return getWeatherOutput{Temperature: "70°F"}, nil
		},
		tool.WithDescription("Looks up the current weather for a location."),
	)
}

// ========== Scenario 1: no-tool stop ==========

func TestAgentRun_Scenario1_NoToolStop(t *testing.T) {
	provider := newFakeStreamingProvider(turnScript{events: []ai.StreamEvent{
		{Type: ai.StreamEventContent, Content: "Hello, world"},
		{Type: ai.StreamEventDone, FinishReason: FinishStop},
	}})

	agent := New(Config{
		Provider:     provider,
		Model:        "test-model",
		SystemPrompt: "You are helpful.",
		Dialect:      NativeDialect{},
	})
	defer agent.Dispose()

	sub := agent.EventStream().Subscribe(64)
	defer sub.Unsubscribe()

	final, err := agent.Run(context.Background(), RunInput{Content: "Hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := collectEvents(sub)

	if events[0].Type != EventUserMessage {
		t.Fatalf("expected first event to be user_message, got %s", events[0].Type)
	}
	if um, ok := events[0].AsUserMessage(); !ok || um.Content != "Hi" {
		t.Fatalf("expected user_message content %q, got %+v", "Hi", events[0].Payload)
	}

	deltas := contentEvents(events)
	var concatenated string
	for _, d := range deltas {
		concatenated += d.Content
	}
	if concatenated != "Hello, world" {
		t.Errorf("expected concatenated streaming content %q, got %q", "Hello, world", concatenated)
	}

	payload, ok := final.AsAssistantMessage()
	if !ok {
		t.Fatalf("expected final event to be an assistant_message")
	}
	if payload.Content != "Hello, world" {
		t.Errorf("expected final content %q, got %q", "Hello, world", payload.Content)
	}
	if payload.FinishReason != FinishStop {
		t.Errorf("expected finish reason %q, got %q", FinishStop, payload.FinishReason)
	}
	if len(payload.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(payload.ToolCalls))
	}
}

// ========== Scenario 2: native single tool ==========

func TestAgentRun_Scenario2_NativeSingleTool(t *testing.T) {
	provider := newFakeStreamingProvider(
		turnScript{events: []ai.StreamEvent{
			{Type: ai.StreamEventToolCall, ToolCall: &ai.ToolCallDelta{Index: 0, ID: "call_1", Name: "getWeather"}},
			{Type: ai.StreamEventToolCall, ToolCall: &ai.ToolCallDelta{Index: 0, Arguments: `{"location":"Boston"}`}},
			{Type: ai.StreamEventDone, FinishReason: FinishToolCalls},
		}},
		turnScript{events: []ai.StreamEvent{
			{Type: ai.StreamEventContent, Content: "It is 70°F in Boston."},
			{Type: ai.StreamEventDone, FinishReason: FinishStop},
		}},
	)

	agent := New(Config{
		Provider: provider,
		Model:    "test-model",
		Dialect:  NativeDialect{},
		Tools:    []Tool{newGetWeatherTool()},
	})
	defer agent.Dispose()

	sub := agent.EventStream().Subscribe(64)
	defer sub.Unsubscribe()

	final, err := agent.Run(context.Background(), RunInput{Content: "What's the weather in Boston?"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events := collectEvents(sub)

	var toolCall *ToolCallPayload
	var toolResult *ToolResultPayload
	for i := range events {
		if p, ok := events[i].AsToolCall(); ok {
			toolCall = &p
		}
		if p, ok := events[i].AsToolResult(); ok {
			toolResult = &p
		}
	}
	if toolCall == nil {
		t.Fatal("expected a tool_call event")
	}
	if toolCall.Name != "getWeather" {
		t.Errorf("expected tool name %q, got %q", "getWeather", toolCall.Name)
	}
	if toolCall.Arguments != `{"location":"Boston"}` {
		t.Errorf("expected arguments %q, got %q", `{"location":"Boston"}`, toolCall.Arguments)
	}
	if toolResult == nil {
		t.Fatal("expected a tool_result event")
	}
	if toolResult.ToolCallID != toolCall.ToolCallID {
		t.Errorf("expected tool_result to pair with tool_call id %q, got %q", toolCall.ToolCallID, toolResult.ToolCallID)
	}
	if toolResult.ElapsedMs < 0 {
		t.Errorf("expected elapsedMs >= 0, got %d", toolResult.ElapsedMs)
	}

	var out getWeatherOutput
	if err := json.Unmarshal([]byte(toolResult.Content), &out); err != nil {
		t.Fatalf("tool result is not valid JSON: %v", err)
	}
	if out.Temperature != "70°F" {
		t.Errorf("expected temperature %q, got %q", "70°F", out.Temperature)
	}

	payload, _ := final.AsAssistantMessage()
	if payload.Content != "It is 70°F in Boston." {
		t.Errorf("expected second-iteration content, got %q", payload.Content)
	}
	if provider.core.callCount() != 2 {
		t.Errorf("expected exactly 2 provider calls (tool turn + final turn), got %d", provider.core.callCount())
	}
}

// ========== Scenario 5: abort mid-stream ==========

func TestAgentRun_Scenario5_AbortMidStream(t *testing.T) {
	abortAfter := 5
	var emitted int
	var mu sync.Mutex

	events := func(yield func(ai.StreamEvent, error) bool) {
		for i := 0; i < 20; i++ {
			if !yield(ai.StreamEvent{Type: ai.StreamEventContent, Content: "x"}, nil) {
				return
			}
		}
	}

	abortProvider := &abortingStreamProvider{iterator: events, onYield: func() {
		mu.Lock()
		emitted++
		mu.Unlock()
	}, abortAfter: abortAfter}

	agent := New(Config{
		Provider: abortProvider,
		Model:    "test-model",
		Dialect:  NativeDialect{},
	})
	defer agent.Dispose()

	sub := agent.EventStream().Subscribe(64)
	defer sub.Unsubscribe()

	var streamingCount int
	var sawAbortFinal bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub.C {
			if event.Type == EventAssistantStreamingMessage {
				streamingCount++
				if streamingCount == abortAfter {
					agent.Abort()
				}
			}
			if event.Type == EventAssistantMessage {
				if p, ok := event.AsAssistantMessage(); ok {
					sawAbortFinal = p.FinishReason == FinishAbort
				}
				return
			}
		}
	}()

	final, err := agent.Run(context.Background(), RunInput{Content: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-done

	payload, _ := final.AsAssistantMessage()
	if payload.FinishReason != FinishAbort {
		t.Errorf("expected finish reason %q, got %q", FinishAbort, payload.FinishReason)
	}
	if payload.Content != "Request was aborted" {
		t.Errorf("expected abort content, got %q", payload.Content)
	}
	if !sawAbortFinal {
		t.Error("expected the terminal assistant_message observed via subscription to carry finishReason=abort")
	}

	if status := agent.Status(); status != StateAborted {
		t.Errorf("expected status ABORTED immediately after an aborted run completes, got %s", status)
	}

	// status() leaves ABORTED as soon as the next run is accepted; override
	// the provider for this one run so it answers immediately.
	secondProvider := newFakeStreamingProvider(turnScript{events: []ai.StreamEvent{
		{Type: ai.StreamEventContent, Content: "hi again"},
		{Type: ai.StreamEventDone, FinishReason: FinishStop},
	}})
	if _, err := agent.Run(context.Background(), RunInput{Content: "once more", Provider: secondProvider}); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if status := agent.Status(); status != StateIdle {
		t.Errorf("expected status IDLE after the next run completes, got %s", status)
	}
}

// abortingStreamProvider streams its iterator's events until they run out or
// its context is canceled, calling onYield before each event; scenario 5
// calls Abort from its subscriber goroutine after the fifth streamed delta.
type abortingStreamProvider struct {
	iterator   func(yield func(ai.StreamEvent, error) bool)
	onYield    func()
	abortAfter int
}

func (p *abortingStreamProvider) StreamMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatStream, error) {
	wrapped := func(yield func(ai.StreamEvent, error) bool) {
		for event, err := range p.iterator {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.onYield()
			if !yield(event, err) {
				return
			}
		}
	}
	return ai.NewChatStream(wrapped), nil
}

func (p *abortingStreamProvider) SendMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	return ai.NewChatStream(p.iterator).Collect()
}

func (p *abortingStreamProvider) IsStopMessage(msg *ai.ChatResponse) bool { return true }
func (p *abortingStreamProvider) WithAPIKey(string) ai.Provider              { return p }
func (p *abortingStreamProvider) WithBaseURL(string) ai.Provider            { return p }
func (p *abortingStreamProvider) WithHttpClient(*http.Client) ai.Provider { return p }

// ========== Scenario 6: max iterations ==========

func TestAgentRun_Scenario6_MaxIterations(t *testing.T) {
	toolTurn := func(i int) turnScript {
		return turnScript{events: []ai.StreamEvent{
			{Type: ai.StreamEventToolCall, ToolCall: &ai.ToolCallDelta{Index: 0, ID: fmt.Sprintf("call_%d", i), Name: "getWeather"}},
			{Type: ai.StreamEventToolCall, ToolCall: &ai.ToolCallDelta{Index: 0, Arguments: `{"location":"Boston"}`}},
			{Type: ai.StreamEventDone, FinishReason: FinishToolCalls},
		}}
	}
	provider := newFakeStreamingProvider(toolTurn(1), toolTurn(2), toolTurn(3))

	agent := New(Config{
		Provider:      provider,
		Model:         "test-model",
		Dialect:       NativeDialect{},
		Tools:         []Tool{newGetWeatherTool()},
		MaxIterations: 3,
	})
	defer agent.Dispose()

	sub := agent.EventStream().Subscribe(64)
	defer sub.Unsubscribe()

	final, err := agent.Run(context.Background(), RunInput{Content: "loop forever"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events := collectEvents(sub)

	var toolCallCount, toolResultCount int
	var sawMaxIterationsWarning bool
	for _, e := range events {
		if e.Type == EventToolCall {
			toolCallCount++
		}
		if e.Type == EventToolResult {
			toolResultCount++
		}
		if p, ok := e.AsSystem(); ok && p.Level == SystemLevelWarning {
			sawMaxIterationsWarning = true
		}
	}
	if toolCallCount != 3 {
		t.Errorf("expected 3 tool_call events, got %d", toolCallCount)
	}
	if toolResultCount != 3 {
		t.Errorf("expected 3 tool_result events, got %d", toolResultCount)
	}
	if !sawMaxIterationsWarning {
		t.Error("expected a system warning event preceding the max-iterations final event")
	}

	payload, _ := final.AsAssistantMessage()
	if payload.FinishReason != FinishMaxIterations {
		t.Errorf("expected finish reason %q, got %q", FinishMaxIterations, payload.FinishReason)
	}
}

// ========== ErrAlreadyRunning / ErrDisposed / ErrReentrant ==========

func TestAgentRun_ErrDisposedAfterDispose(t *testing.T) {
	provider := newFakeStreamingProvider(turnScript{events: []ai.StreamEvent{
		{Type: ai.StreamEventDone, FinishReason: FinishStop},
	}})
	agent := New(Config{Provider: provider, Model: "m"})
	agent.Dispose()

	if _, err := agent.Run(context.Background(), RunInput{Content: "hi"}); err != ErrDisposed {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestAgentRun_ErrAlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &blockingProvider{started: started, release: release}
	agent := New(Config{Provider: provider, Model: "m"})
	defer agent.Dispose()

	runDone := make(chan struct{})
	go func() {
		agent.Run(context.Background(), RunInput{Content: "hi"})
		close(runDone)
	}()

	<-started // the first run has entered EXECUTING and is blocked in the provider call

	if _, err := agent.Run(context.Background(), RunInput{Content: "again"}); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(release)
	<-runDone
}

// blockingProvider signals started and then blocks StreamMessage until
// release is closed, giving the ErrAlreadyRunning test a deterministic
// EXECUTING window to race a second Run call against.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProvider) StreamMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatStream, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return ai.NewChatStream(sliceIter([]ai.StreamEvent{
		{Type: ai.StreamEventContent, Content: "done"},
		{Type: ai.StreamEventDone, FinishReason: FinishStop},
	})), nil
}
func (p *blockingProvider) SendMessage(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return &ai.ChatResponse{Content: "done", FinishReason: FinishStop}, nil
}
func (p *blockingProvider) IsStopMessage(msg *ai.ChatResponse) bool { return true }
func (p *blockingProvider) WithAPIKey(string) ai.Provider           { return p }
func (p *blockingProvider) WithBaseURL(string) ai.Provider          { return p }
func (p *blockingProvider) WithHttpClient(*http.Client) ai.Provider { return p }

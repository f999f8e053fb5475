package agentloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nullstack/agentloop/core/overview"
	"github.com/nullstack/agentloop/providers/ai"
	"github.com/nullstack/agentloop/providers/observability"
)

// Hooks are the overridable extension points of an Agent's run loop. Every
// field is optional; a nil hook is simply skipped.
type Hooks struct {
	OnPrepareRequest func(ctx context.Context, instructions string, tools []ai.ToolDescription, iteration int) (string, []ai.ToolDescription)
	OnLLMRequest     func(ctx context.Context, req ai.ChatRequest) ai.ChatRequest
	OnLLMResponse    func(ctx context.Context, msg FinalizedMessage) FinalizedMessage

	OnBeforeToolCall   func(ctx context.Context, call ai.ToolCall) ai.ToolCall
	OnAfterToolCall    func(ctx context.Context, call ai.ToolCall, result string) string
	OnToolCallError    func(ctx context.Context, call ai.ToolCall, err error) string
	OnProcessToolCalls func(sessionID string, calls []ai.ToolCall) ([]ToolResultPayload, bool)

	OnEachAgentLoopStart    func(sessionID string, iteration int)
	OnEachAgentLoopEnd      func(info LoopEndInfo)
	OnBeforeLoopTermination func(finalEvent AssistantMessagePayload) (finished bool, message string)
	OnAgentLoopEnd          func(sessionID string, finalEvent AssistantMessagePayload)
	OnDispose               func()
}

// LoopEndInfo is passed to OnEachAgentLoopEnd after every iteration.
type LoopEndInfo struct {
	SessionID      string
	Iteration      int
	HasFinalAnswer bool
	WillContinue   bool
	AssistantEvent *AssistantMessagePayload
}

// Config configures a new Agent. Provider and Model are required; all
// other fields have sane defaults.
type Config struct {
	Provider     ai.Provider
	Model        string
	SystemPrompt string
	Dialect      Dialect // defaults to NativeDialect{}
	Tools        []Tool
	MaxIterations int // defaults to 25
	MaxImages     int // defaults to 0 (unlimited)
	Observer      observability.Provider
	Hooks         Hooks
}

// Agent is the public façade tying the Event Stream, Tool Registry,
// Dialect, Tool Processor, Message History Builder, and Loop Executor into
// a single run/abort/status surface over an injected model client.
type Agent struct {
	events        *EventStream
	toolRegistry  *ToolRegistry
	toolProcessor *ToolProcessor
	dialect       Dialect
	provider      ai.Provider
	model         string
	systemPrompt  string
	maxIterations int
	historyOptions HistoryOptions
	observer      observability.Provider
	hooks         Hooks
	overview      *overview.Overview

	mu              sync.Mutex
	state           RunState
	cancel          context.CancelFunc
	disposed        bool
	reentrancy      int32 // depth counter; >0 means inside Run/Abort on this goroutine
	terminateReq    bool
	runProvider     ai.Provider // per-run override, valid only while EXECUTING
	runModel        string
}

// New constructs an Agent from cfg.
func New(cfg Config) *Agent {
	dialect := cfg.Dialect
	if dialect == nil {
		dialect = NativeDialect{}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}

	events := NewEventStream()
	registry := NewToolRegistry(events)
	registry.Register(cfg.Tools...)

	toolProcessor := NewToolProcessor(registry, events)
	toolProcessor.onProcessToolCalls = cfg.Hooks.OnProcessToolCalls
	toolProcessor.onBeforeToolCall = cfg.Hooks.OnBeforeToolCall
	toolProcessor.onAfterToolCall = cfg.Hooks.OnAfterToolCall
	toolProcessor.onToolCallError = cfg.Hooks.OnToolCallError

	a := &Agent{
		events:        events,
		toolRegistry:  registry,
		toolProcessor: toolProcessor,
		dialect:       dialect,
		provider:      cfg.Provider,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: maxIterations,
		historyOptions: HistoryOptions{MaxImages: cfg.MaxImages},
		observer:      cfg.Observer,
		hooks:         cfg.Hooks,
		overview:      &overview.Overview{},
		state:         StateIdle,
	}
	return a
}

// RunInput is the Go shape of Run's "string or a configuration" input.
type RunInput struct {
	// Content is either a string or []ai.ContentPart.
	Content any
	// EnvironmentInput, if non-nil, is recorded as an environment_input
	// event immediately after the user_message event.
	EnvironmentInput *EnvironmentInput
	// SessionID correlates events across a run; auto-generated if empty.
	SessionID string

	// Provider/Model override the agent's default model handle for this
	// run only; a nil Provider means "use the agent's default."
	Provider ai.Provider
	Model    string
}

// EnvironmentInput is injected context (a file, ambient state) attached to
// a run.
type EnvironmentInput struct {
	Content     any
	Description string
}

// RegisterTool adds tools to the agent's registry.
func (a *Agent) RegisterTool(tools ...Tool) {
	a.toolRegistry.Register(tools...)
}

// GetTools returns the descriptions of every tool currently registered.
func (a *Agent) GetTools() []ai.ToolDescription {
	return a.toolRegistry.Descriptions()
}

// EventStream exposes the agent's underlying event log for subscription.
func (a *Agent) EventStream() *EventStream {
	return a.events
}

// Messages reconstructs the current provider-shaped message history.
func (a *Agent) Messages() []ai.Message {
	tools := a.toolRegistry.Descriptions()
	return BuildHistory(a.events, a.systemPrompt, tools, a.dialect, a.historyOptions)
}

// Overview returns the agent's accumulated cost/usage statistics.
func (a *Agent) Overview() *overview.Overview {
	return a.overview
}

// Status reports the agent's current lifecycle state.
func (a *Agent) Status() RunState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// requestLoopTermination asks the currently running loop to stop after its
// current iteration, as if the final assistant message had no tool calls.
func (a *Agent) requestLoopTermination() {
	a.mu.Lock()
	a.terminateReq = true
	a.mu.Unlock()
}

// Abort signals cooperative cancellation of an in-flight run. It returns
// true if a running task was actually signaled.
func (a *Agent) Abort() bool {
	if !a.enterReentrant() {
		return false
	}
	defer a.exitReentrant()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateExecuting || a.cancel == nil {
		return false
	}
	a.cancel()
	return true
}

// Dispose marks the agent disposed; it is idempotent. Further Run calls
// fail with ErrDisposed.
func (a *Agent) Dispose() {
	a.mu.Lock()
	alreadyDisposed := a.disposed
	a.disposed = true
	a.mu.Unlock()

	if alreadyDisposed {
		return
	}
	if a.hooks.OnDispose != nil {
		a.hooks.OnDispose()
	}
}

// enterReentrant returns false if the current goroutine is already inside
// Run/Abort (detected via a simple depth counter rather than a full
// re-entrant mutex, since the kernel is single-threaded-cooperative per
// agent and never needs goroutine identity).
func (a *Agent) enterReentrant() bool {
	return atomic.AddInt32(&a.reentrancy, 1) == 1
}

func (a *Agent) exitReentrant() {
	atomic.AddInt32(&a.reentrancy, -1)
}

// newSessionID generates an opaque correlation ID for a run that did not
// supply one.
func newSessionID() string {
	return uuid.NewString()
}

func (a *Agent) resolveProvider(input RunInput) (ai.Provider, error) {
	if input.Provider != nil {
		return input.Provider, nil
	}
	if a.provider != nil {
		return a.provider, nil
	}
	return nil, fmt.Errorf("agentloop: no model provider configured")
}

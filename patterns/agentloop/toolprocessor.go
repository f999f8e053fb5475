package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nullstack/agentloop/providers/ai"
)

// ToolFilter narrows a tool list by name. Include is a whitelist applied by
// substring match; Exclude is a blacklist applied the same way. Include, if
// non-empty, is applied first; Exclude is then applied to the result. Both
// are optional.
type ToolFilter struct {
	Include []string
	Exclude []string
}

// filterTools is a pure function: it never touches the registry.
func filterTools(tools []ai.ToolDescription, filter ToolFilter) []ai.ToolDescription {
	if len(filter.Include) == 0 && len(filter.Exclude) == 0 {
		return tools
	}

	matches := func(name string, needles []string) bool {
		for _, needle := range needles {
			if strings.Contains(name, needle) {
				return true
			}
		}
		return false
	}

	out := tools
	if len(filter.Include) > 0 {
		included := make([]ai.ToolDescription, 0, len(tools))
		for _, t := range tools {
			if matches(t.Name, filter.Include) {
				included = append(included, t)
			}
		}
		out = included
	}
	if len(filter.Exclude) > 0 {
		excluded := make([]ai.ToolDescription, 0, len(out))
		for _, t := range out {
			if !matches(t.Name, filter.Exclude) {
				excluded = append(excluded, t)
			}
		}
		out = excluded
	}
	return out
}

// ToolProcessor validates tool-call arguments, invokes handlers, traps
// panics and errors, and records tool_call/tool_result events. It wraps a
// ToolRegistry and adds a scoped, iteration-local execution tool set.
type ToolProcessor struct {
	registry *ToolRegistry
	events   *EventStream

	mu            sync.Mutex
	executionSet  []ai.ToolDescription
	hasExecution  bool

	// onProcessToolCalls is a test seam: if set, it may short-circuit
	// processToolCalls entirely, returning prebuilt results.
	onProcessToolCalls func(sessionID string, calls []ai.ToolCall) ([]ToolResultPayload, bool)
	onBeforeToolCall   func(ctx context.Context, call ai.ToolCall) ai.ToolCall
	onAfterToolCall    func(ctx context.Context, call ai.ToolCall, result string) string
	onToolCallError    func(ctx context.Context, call ai.ToolCall, err error) string
}

// NewToolProcessor builds a ToolProcessor over the given registry, emitting
// tool_call/tool_result/system events onto events.
func NewToolProcessor(registry *ToolRegistry, events *EventStream) *ToolProcessor {
	return &ToolProcessor{registry: registry, events: events}
}

// setExecutionTools installs an iteration-local tool set; getTools()
// returns it instead of the registry's full set until
// clearExecutionTools is called. Callers MUST pair this with a deferred
// clearExecutionTools so the override is released on every exit path,
// including a recovered panic from a hook.
func (p *ToolProcessor) setExecutionTools(tools []ai.ToolDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executionSet = tools
	p.hasExecution = true
}

// clearExecutionTools releases the iteration-local tool set override. It
// is idempotent.
func (p *ToolProcessor) clearExecutionTools() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executionSet = nil
	p.hasExecution = false
}

// getTools returns the active tool set: the execution override if one is
// installed, otherwise every tool in the registry.
func (p *ToolProcessor) getTools() []ai.ToolDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasExecution {
		out := make([]ai.ToolDescription, len(p.executionSet))
		copy(out, p.executionSet)
		return out
	}
	return p.registry.Descriptions()
}

// processToolCalls implements the four-step sequence: emit tool_call,
// consult the onProcessToolCalls test seam, invoke each handler (isolating
// argument-parse and handler errors to their own call), and emit
// tool_result for every call, success or failure.
func (p *ToolProcessor) processToolCalls(ctx context.Context, calls []ai.ToolCall, sessionID string) []ToolResultPayload {
	now := time.Now()
	for _, call := range calls {
		p.events.Emit(EventToolCall, ToolCallPayload{
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Arguments:  call.Function.Arguments,
			StartTime:  now,
		})
	}

	if p.onProcessToolCalls != nil {
		if results, handled := p.onProcessToolCalls(sessionID, calls); handled {
			for _, r := range results {
				p.events.Emit(EventToolResult, r)
			}
			return results
		}
	}

	results := make([]ToolResultPayload, 0, len(calls))
	for _, call := range calls {
		result := p.executeOne(ctx, call)
		result.ElapsedMs = time.Since(now).Milliseconds()
		p.events.Emit(EventToolResult, result)
		results = append(results, result)
	}
	return results
}

func (p *ToolProcessor) executeOne(ctx context.Context, call ai.ToolCall) ToolResultPayload {
	base := ToolResultPayload{ToolCallID: call.ID, Name: call.Function.Name}

	if p.onBeforeToolCall != nil {
		call = p.onBeforeToolCall(ctx, call)
	}

	var argCheck map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &argCheck); err != nil {
			base.Error = fmt.Sprintf("invalid tool arguments: %v", err)
			base.Content = base.Error
			return base
		}
	}

	handler, found := p.registry.Get(call.Function.Name)
	if !found {
		base.Error = fmt.Sprintf("tool %q is not registered", call.Function.Name)
		base.Content = base.Error
		return base
	}

	// Per-call isolated cancellation: a child of the run's token so one
	// failing or hanging call never affects its siblings. providers/tool's
	// GenericTool.Call does not itself accept a context (it runs handlers
	// against context.Background() internally), so today this only bounds
	// the hook calls below; see DESIGN.md for the upstream limitation.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result, err := p.callWithRecover(handler, call.Function.Arguments)
	if err != nil {
		errText := err.Error()
		if p.onToolCallError != nil {
			errText = p.onToolCallError(callCtx, call, err)
		}
		base.Error = errText
		base.Content = errText
		return base
	}

	if p.onAfterToolCall != nil {
		result = p.onAfterToolCall(callCtx, call, result)
	}
	base.Content = result
	return base
}

// callWithRecover invokes the tool handler, converting a panic into an
// error so one misbehaving tool never takes down the run.
func (p *ToolProcessor) callWithRecover(handler Tool, argumentsJSON string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler.Call(argumentsJSON)
}

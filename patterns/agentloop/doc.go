// Package agentloop implements the Agent Loop Kernel: a provider-agnostic
// "reason -> call tools -> observe -> reason" loop driven against any
// [github.com/nullstack/agentloop/providers/ai.Provider].
//
// The kernel is built from six cooperating pieces, each in its own file but
// sharing this one package:
//
//   - EventStream: an append-only, typed, subscribable log of everything
//     that happens during a run (types.go, event_stream.go).
//   - ToolRegistry: a name -> tool mapping with duplicate-registration
//     warnings (registry.go), wrapping [providers/tool.Catalog].
//   - Dialect: the tool-call "engine" polymorphism. NativeDialect targets
//     providers with first-class function calling; PromptEngineeringDialect
//     targets providers without it, via an explicit state-machine parser for
//     the inline `<tool_call>{...}</tool_call>` protocol (dialect*.go).
//   - ToolProcessor: validates arguments, invokes handlers, traps panics and
//     errors, and records tool_call/tool_result events (toolprocessor.go).
//   - BuildHistory: reconstructs provider-shaped [providers/ai.Message]
//     values from the event stream, dialect-aware (history.go).
//   - Agent: the public façade tying the above together into Run/Abort/
//     Status, plus overridable hooks (agent.go, loopexecutor.go,
//     llmprocessor.go).
//
// A single run goes: Run -> loop executor drives iterations -> each
// iteration asks the LLM processor to shape a request via the configured
// Dialect, stream/call the injected provider, decode the response, and
// (if tool calls are present) hand them to the Tool Processor -> the loop
// executor repeats until a final answer, an abort, or max iterations.
package agentloop

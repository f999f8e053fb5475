package agentloop

import (
	"github.com/nullstack/agentloop/providers/ai"
	"github.com/nullstack/agentloop/providers/tool"
)

// ToolRegistry is a name -> Tool mapping available to an Agent's runs. It
// wraps a [tool.Catalog], adding duplicate-registration warnings surfaced
// as system events rather than errors: registering a tool under a name
// already in use replaces the previous tool (last writer wins, matching
// Catalog.AddTools) but the replacement is never silent.
type ToolRegistry struct {
	catalog *tool.Catalog
	events  *EventStream
}

// NewToolRegistry returns an empty registry. events may be nil, in which
// case duplicate registrations are not reported anywhere; this is mainly
// useful in tests that only exercise the catalog mechanics.
func NewToolRegistry(events *EventStream) *ToolRegistry {
	return &ToolRegistry{
		catalog: tool.NewCatalog(),
		events:  events,
	}
}

// Register adds tools to the registry. A name collision with an
// already-registered tool emits a SystemLevelWarning system event naming
// the tool, then proceeds with the replacement.
func (r *ToolRegistry) Register(tools ...Tool) {
	for _, t := range tools {
		name := t.ToolInfo().Name
		if r.catalog.Has(name) && r.events != nil {
			r.events.Emit(EventSystem, SystemPayload{
				Level:   SystemLevelWarning,
				Message: "tool registered under a name that is already in use, replacing previous registration",
				Details: map[string]string{"tool_name": name},
			})
		}
		r.catalog.AddTools(t)
	}
}

// Get looks up a tool by name, case-insensitively.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	return r.catalog.Get(name)
}

// Remove removes a tool by name, case-insensitively. Reports whether a
// tool was actually present.
func (r *ToolRegistry) Remove(name string) bool {
	return r.catalog.Remove(name)
}

// Descriptions returns the [ai.ToolDescription] of every registered tool,
// in no particular order, ready to attach to an [ai.ChatRequest].
func (r *ToolRegistry) Descriptions() []ai.ToolDescription {
	tools := r.catalog.Tools()
	out := make([]ai.ToolDescription, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.ToolInfo())
	}
	return out
}

// Size reports how many distinct tool names are registered.
func (r *ToolRegistry) Size() int {
	return r.catalog.Size()
}

// Clone returns an independent copy of the registry sharing the same
// EventStream, so a per-run restriction of tools (see ToolProcessor's
// filterTools) never mutates the Agent's base registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	return &ToolRegistry{
		catalog: r.catalog.Clone(),
		events:  r.events,
	}
}

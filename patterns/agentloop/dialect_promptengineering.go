package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/nullstack/agentloop/providers/ai"
)

const (
	tagOpen  = "<tool_call>"
	tagClose = "</tool_call>"
)

// PromptEngineeringDialect targets providers with no native function
// calling: tool instructions are appended to the system prompt as plain
// text, and the model is asked to emit an inline
// `<tool_call>{"name":"...","parameters":{...}}</tool_call>` block instead
// of a structured tool_calls[] field. ProcessChunk implements the
// four-state token parser (normal / possible-tag-start / collecting-call /
// possible-tag-end) as an explicit state+transition function.
type PromptEngineeringDialect struct{}

type peParserStateKind int

const (
	peNormal peParserStateKind = iota
	pePossibleTagStart
	peCollectingToolCall
	pePossibleTagEnd
)

// promptEngineParserState is the mutable scratch record threaded through
// StreamState.pe across ProcessChunk calls for one assistant turn.
type promptEngineParserState struct {
	st peParserStateKind

	fullRaw strings.Builder // every byte seen this turn, tags included
	tagBuf  strings.Builder // scratch while matching a candidate tag
	callBuf strings.Builder // raw text of the in-flight tool call body

	toolName    string
	toolCallID  string
	nameEmitted bool

	paramsStarted  bool
	paramsComplete bool
	paramScanPos   int
	paramDepth     int
	paramInString  bool
	paramEscapeNext bool

	completedCalls []ai.ToolCall
}

func newPromptEngineParserState() *promptEngineParserState {
	return &promptEngineParserState{}
}

func (ps *promptEngineParserState) resetCall() {
	ps.callBuf.Reset()
	ps.toolName = ""
	ps.toolCallID = ""
	ps.nameEmitted = false
	ps.paramsStarted = false
	ps.paramsComplete = false
	ps.paramScanPos = 0
	ps.paramDepth = 0
	ps.paramInString = false
	ps.paramEscapeNext = false
}

func (PromptEngineeringDialect) PreparePrompt(instructions string, tools []ai.ToolDescription) string {
	if len(tools) == 0 {
		return instructions
	}

	var block strings.Builder
	block.WriteString(instructions)
	block.WriteString("\n\nYou have access to the following tools. To call one, emit exactly one block of the form:\n\n")
	block.WriteString(tagOpen)
	block.WriteString("\n{\"name\":\"<tool>\",\"parameters\":{...}}\n")
	block.WriteString(tagClose)
	block.WriteString("\n\nRules: emit exactly one JSON object per block, with no commentary inside it; stop immediately after the closing tag; never call a tool that is not listed below.\n\nTools:\n")

	for _, t := range tools {
		block.WriteString("- ")
		block.WriteString(t.Name)
		if t.Description != "" {
			block.WriteString(": ")
			block.WriteString(t.Description)
		}
		if t.Parameters != nil {
			if schemaJSON, err := json.Marshal(t.Parameters); err == nil {
				block.WriteString("\n  parameters schema: ")
				block.Write(schemaJSON)
			}
		}
		block.WriteString("\n")
	}

	return block.String()
}

func (PromptEngineeringDialect) PrepareRequest(req ai.ChatRequest, _ []ai.ToolDescription) ai.ChatRequest {
	req.Tools = nil
	if req.GenerationConfig == nil {
		req.GenerationConfig = &ai.GenerationConfig{}
	}
	stops := []string{tagClose, tagClose + "\n"}
	req.GenerationConfig.Stop = append(req.GenerationConfig.Stop, stops...)
	req.GenerationConfig.StopSequences = append(req.GenerationConfig.StopSequences, stops...)
	return req
}

func (PromptEngineeringDialect) InitStreamState() StreamState {
	return StreamState{pe: newPromptEngineParserState()}
}

func (d PromptEngineeringDialect) ProcessChunk(state StreamState, chunk ai.StreamEvent) (StreamState, []StreamUpdate) {
	var updates []StreamUpdate

	switch chunk.Type {
	case ai.StreamEventReasoning:
		if state.Thinking == "" && chunk.Reasoning != "" {
			state.ThinkingStarted = nowNano()
		}
		if chunk.Reasoning != "" {
			state.Thinking += chunk.Reasoning
			state.ThinkingEnded = nowNano()
			updates = append(updates, StreamUpdate{Kind: UpdateThinking, Content: chunk.Reasoning})
		}

	case ai.StreamEventDone:
		state.FinishReason = chunk.FinishReason

	case ai.StreamEventContent:
		if state.pe == nil {
			state.pe = newPromptEngineParserState()
		}
		updates = d.feed(&state, chunk.Content)
	}

	return state, updates
}

// feed drives the four-state parser over one chunk of raw provider text,
// mutating state in place and returning the StreamUpdates this chunk
// produced, in order.
func (d PromptEngineeringDialect) feed(state *StreamState, content string) []StreamUpdate {
	ps := state.pe
	var updates []StreamUpdate
	var normalAccum strings.Builder
	var paramAccum strings.Builder

	flushNormal := func() {
		if normalAccum.Len() == 0 {
			return
		}
		s := normalAccum.String()
		state.Content += s
		updates = append(updates, StreamUpdate{Kind: UpdateContent, Content: s})
		normalAccum.Reset()
	}
	flushParam := func() {
		if paramAccum.Len() == 0 {
			return
		}
		updates = append(updates, StreamUpdate{
			Kind:           UpdateToolCall,
			ToolCallID:     ps.toolCallID,
			ArgumentsDelta: paramAccum.String(),
		})
		paramAccum.Reset()
	}

	for i := 0; i < len(content); i++ {
		b := content[i]
		ps.fullRaw.WriteByte(b)

		switch ps.st {
		case peNormal:
			if b == '<' {
				flushNormal()
				ps.st = pePossibleTagStart
				ps.tagBuf.Reset()
				ps.tagBuf.WriteByte(b)
			} else {
				normalAccum.WriteByte(b)
			}

		case pePossibleTagStart:
			ps.tagBuf.WriteByte(b)
			buf := ps.tagBuf.String()
			switch {
			case buf == tagOpen:
				ps.st = peCollectingToolCall
				ps.resetCall()
			case strings.HasPrefix(tagOpen, buf):
				// still a candidate prefix, keep accumulating
			default:
				normalAccum.WriteString(buf)
				ps.tagBuf.Reset()
				ps.st = peNormal
			}

		case peCollectingToolCall:
			if b == '<' {
				ps.st = pePossibleTagEnd
				ps.tagBuf.Reset()
				ps.tagBuf.WriteByte(b)
				continue
			}
			ps.callBuf.WriteByte(b)
			d.scanCallProgress(ps, &paramAccum, &updates, flushParam)

		case pePossibleTagEnd:
			ps.tagBuf.WriteByte(b)
			buf := ps.tagBuf.String()
			switch {
			case buf == tagClose:
				flushParam()
				if call, ok := ps.finalizeCurrentCall(); ok {
					ps.completedCalls = append(ps.completedCalls, call)
					updates = append(updates, StreamUpdate{Kind: UpdateToolCall, ToolCallID: call.ID, IsComplete: true})
				} else {
					updates = append(updates, StreamUpdate{
						Kind:    UpdateSystemWarning,
						Content: "prompt-engineering tool call block was malformed JSON and was dropped",
					})
				}
				ps.tagBuf.Reset()
				ps.st = peNormal
			case strings.HasPrefix(tagClose, buf):
				// still a candidate prefix, keep accumulating
			default:
				ps.callBuf.WriteString(buf)
				ps.tagBuf.Reset()
				ps.st = peCollectingToolCall
				d.scanCallProgress(ps, &paramAccum, &updates, flushParam)
			}
		}
	}

	flushNormal()
	flushParam()
	return updates
}

// scanCallProgress re-derives name/parameters progress from the call
// buffer accumulated so far, emitting the opening streaming update the
// first time a name is recognized and streaming the parameters object's
// raw bytes (braces included) thereafter, so that concatenating every
// ArgumentsDelta reproduces the eventual tool call's arguments exactly.
func (d PromptEngineeringDialect) scanCallProgress(ps *promptEngineParserState, paramAccum *strings.Builder, updates *[]StreamUpdate, flushParam func()) {
	full := ps.callBuf.String()

	if !ps.nameEmitted {
		name, ok := extractStringField(full, "name")
		if !ok {
			return
		}
		ps.toolName = name
		ps.toolCallID = uuid.NewString()
		ps.nameEmitted = true
		*updates = append(*updates, StreamUpdate{
			Kind:       UpdateToolCall,
			ToolCallID: ps.toolCallID,
			ToolName:   ps.toolName,
			IsComplete: false,
		})
	}

	if ps.paramsComplete {
		return
	}

	if !ps.paramsStarted {
		idx := findParamsObjectStart(full)
		if idx < 0 {
			return
		}
		ps.paramsStarted = true
		ps.paramScanPos = idx
	}

	for ps.paramScanPos < len(full) {
		b := full[ps.paramScanPos]
		ps.paramScanPos++

		if ps.paramEscapeNext {
			ps.paramEscapeNext = false
			paramAccum.WriteByte(b)
			continue
		}
		if ps.paramInString {
			if b == '\\' {
				ps.paramEscapeNext = true
			} else if b == '"' {
				ps.paramInString = false
			}
			paramAccum.WriteByte(b)
			continue
		}

		switch b {
		case '"':
			ps.paramInString = true
			paramAccum.WriteByte(b)
		case '{':
			ps.paramDepth++
			paramAccum.WriteByte(b)
		case '}':
			paramAccum.WriteByte(b)
			ps.paramDepth--
			if ps.paramDepth == 0 {
				ps.paramsComplete = true
				return
			}
		default:
			paramAccum.WriteByte(b)
		}
	}
}

// finalizeCurrentCall parses the completed call buffer (a well-formed
// `{"name":...,"parameters":{...}}` body, the closing tag having just been
// matched) into an ai.ToolCall.
func (ps *promptEngineParserState) finalizeCurrentCall() (ai.ToolCall, bool) {
	var parsed struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(ps.callBuf.String()), &parsed); err != nil || parsed.Name == "" {
		return ai.ToolCall{}, false
	}
	args := "{}"
	if len(parsed.Parameters) > 0 {
		args = string(parsed.Parameters)
	}
	id := ps.toolCallID
	if id == "" {
		id = uuid.NewString()
	}
	return ai.ToolCall{
		ID:   id,
		Type: "function",
		Function: ai.ToolCallFunction{
			Name:      parsed.Name,
			Arguments: args,
		},
	}, true
}

func (d PromptEngineeringDialect) Finalize(state StreamState) (FinalizedMessage, []StreamUpdate) {
	var updates []StreamUpdate
	ps := state.pe
	if ps == nil {
		ps = newPromptEngineParserState()
	}

	msg := FinalizedMessage{
		Content:      state.Content,
		RawContent:   ps.fullRaw.String(),
		Thinking:     state.Thinking,
		FinishReason: state.FinishReason,
	}
	if state.Thinking != "" && state.ThinkingStarted != 0 && state.ThinkingEnded != 0 {
		ms := (state.ThinkingEnded - state.ThinkingStarted) / int64(1e6)
		msg.ThinkingMs = &ms
	}

	toolCalls := append([]ai.ToolCall{}, ps.completedCalls...)

	if ps.st == peCollectingToolCall || ps.st == pePossibleTagEnd {
		raw := ps.callBuf.String()
		if ps.st == pePossibleTagEnd {
			raw += ps.tagBuf.String()
		}
		if name, params, ok := repairTruncatedToolCall(raw); ok {
			id := ps.toolCallID
			if id == "" {
				id = uuid.NewString()
			}
			args := "{}"
			if len(params) > 0 {
				args = string(params)
			}
			toolCalls = append(toolCalls, ai.ToolCall{
				ID:   id,
				Type: "function",
				Function: ai.ToolCallFunction{
					Name:      name,
					Arguments: args,
				},
			})
			updates = append(updates, StreamUpdate{Kind: UpdateToolCall, ToolCallID: id, IsComplete: true})
		} else {
			updates = append(updates, StreamUpdate{
				Kind:    UpdateSystemWarning,
				Content: "stream ended mid tool call and recovery failed, dropping the call",
			})
		}
	}

	msg.ToolCalls = toolCalls
	if len(toolCalls) > 0 {
		msg.FinishReason = FinishToolCalls
	}
	return msg, updates
}

func (PromptEngineeringDialect) BuildHistoricalAssistantMessage(payload AssistantMessagePayload) ai.Message {
	content := payload.RawContent
	if content == "" {
		content = payload.Content
	}
	return ai.Message{
		Role:    ai.RoleAssistant,
		Content: content,
	}
}

func (PromptEngineeringDialect) BuildHistoricalToolResultMessages(results []ToolResultPayload) []ai.Message {
	messages := make([]ai.Message, 0, len(results))
	for _, result := range results {
		messages = append(messages, ai.Message{
			Role:    ai.RoleUser,
			Content: fmt.Sprintf("Tool: %s\nResult:\n%s", result.Name, result.Content),
		})
	}
	return messages
}

// extractStringField finds `"<key>":"<value>"` inside full and returns the
// (escape-preserving) raw value text. It returns ok=false both when the key
// has not appeared yet and when its value's closing quote has not arrived.
func extractStringField(full, key string) (string, bool) {
	marker := `"` + key + `"`
	idx := strings.Index(full, marker)
	if idx < 0 {
		return "", false
	}
	i := idx + len(marker)
	i = skipJSONWhitespace(full, i)
	if i >= len(full) || full[i] != ':' {
		return "", false
	}
	i++
	i = skipJSONWhitespace(full, i)
	if i >= len(full) || full[i] != '"' {
		return "", false
	}
	i++

	var value strings.Builder
	for i < len(full) {
		b := full[i]
		if b == '\\' && i+1 < len(full) {
			value.WriteByte(b)
			value.WriteByte(full[i+1])
			i += 2
			continue
		}
		if b == '"' {
			return value.String(), true
		}
		value.WriteByte(b)
		i++
	}
	return "", false
}

// findParamsObjectStart returns the index of the '{' opening the
// "parameters" value, or -1 if it has not arrived yet.
func findParamsObjectStart(full string) int {
	marker := `"parameters"`
	idx := strings.Index(full, marker)
	if idx < 0 {
		return -1
	}
	i := idx + len(marker)
	i = skipJSONWhitespace(full, i)
	if i >= len(full) || full[i] != ':' {
		return -1
	}
	i++
	i = skipJSONWhitespace(full, i)
	if i >= len(full) || full[i] != '{' {
		return -1
	}
	return i
}

func skipJSONWhitespace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// repairTruncatedToolCall handles the common stop-sequence-truncation
// case: the stream ended with the parser mid collecting_tool_call, so the
// raw buffer is missing its closing braces. It balances braces outside of
// JSON strings, then hands off to jsonrepair.JSONRepair for any remaining
// damage before parsing.
func repairTruncatedToolCall(raw string) (string, json.RawMessage, bool) {
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
		}
	}

	candidate := raw
	if depth > 0 {
		candidate += strings.Repeat("}", depth)
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		repaired = candidate
	}

	var parsed struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil || parsed.Name == "" {
		return "", nil, false
	}
	return parsed.Name, parsed.Parameters, true
}

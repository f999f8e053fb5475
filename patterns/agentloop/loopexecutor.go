package agentloop

import "context"

// Run executes the agent loop: reason, call tools, observe, repeat, until
// a final answer, an abort, an explicit termination request, or
// maxIterations is reached. Only one run may be active per agent at a
// time; a concurrent call fails immediately with ErrAlreadyRunning.
func (a *Agent) Run(ctx context.Context, input RunInput) (Event, error) {
	if !a.enterReentrant() {
		return Event{}, ErrReentrant
	}
	defer a.exitReentrant()

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return Event{}, ErrDisposed
	}
	if a.state == StateExecuting {
		a.mu.Unlock()
		return Event{}, ErrAlreadyRunning
	}

	if _, err := a.resolveProvider(input); err != nil {
		a.mu.Unlock()
		return Event{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.state = StateExecuting
	a.cancel = cancel
	a.terminateReq = false
	a.runProvider = input.Provider
	a.runModel = input.Model
	a.mu.Unlock()

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	a.recordInput(sessionID, input)

	var finalEvent AssistantMessagePayload
	defer func() {
		a.toolProcessor.clearExecutionTools()
		a.mu.Lock()
		a.runProvider = nil
		a.runModel = ""
		a.cancel = nil
		if a.state == StateExecuting {
			if finalEvent.FinishReason == FinishAbort {
				a.state = StateAborted
			} else {
				a.state = StateIdle
			}
		}
		a.mu.Unlock()
	}()

	finalEvent = a.runLoop(runCtx, sessionID)

	if a.hooks.OnAgentLoopEnd != nil {
		a.hooks.OnAgentLoopEnd(sessionID, finalEvent)
	}

	return Event{ID: finalEvent.MessageID, Type: EventAssistantMessage, Payload: finalEvent}, nil
}

func (a *Agent) recordInput(sessionID string, input RunInput) {
	a.events.Emit(EventUserMessage, UserMessagePayload{Content: input.Content, SessionID: sessionID})
	if input.EnvironmentInput != nil {
		a.events.Emit(EventEnvironmentInput, EnvironmentInputPayload{
			Content:     input.EnvironmentInput.Content,
			Description: input.EnvironmentInput.Description,
			SessionID:   sessionID,
		})
	}
}

// runLoop implements the seven numbered steps of the Loop Executor.
func (a *Agent) runLoop(ctx context.Context, sessionID string) AssistantMessagePayload {
	var candidate *AssistantMessagePayload

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		// Step 1: cooperative cancellation check.
		select {
		case <-ctx.Done():
			return a.finalize(sessionID, "Request was aborted", FinishAbort)
		default:
		}

		// Step 2: explicit termination request.
		a.mu.Lock()
		terminated := a.terminateReq
		a.mu.Unlock()
		if terminated {
			return a.finalize(sessionID, "", FinishStop)
		}

		// Step 3: consult onBeforeLoopTermination for the previous
		// iteration's candidate final event.
		if candidate != nil {
			if a.hooks.OnBeforeLoopTermination != nil {
				finished, message := a.hooks.OnBeforeLoopTermination(*candidate)
				if finished {
					return *candidate
				}
				if message != "" {
					a.events.Emit(EventSystem, SystemPayload{Level: SystemLevelInfo, Message: message})
				}
				candidate = nil
			} else {
				return *candidate
			}
		}

		if a.hooks.OnEachAgentLoopStart != nil {
			a.hooks.OnEachAgentLoopStart(sessionID, iteration)
		}

		// Step 4: run one iteration.
		result, err := a.runIteration(ctx, sessionID, iteration)
		if err != nil {
			a.events.Emit(EventSystem, SystemPayload{Level: SystemLevelError, Message: err.Error()})
			return a.finalize(sessionID, "The agent encountered an error: "+err.Error(), FinishStop)
		}

		// Step 5: a final answer has no tool calls.
		hasFinalAnswer := len(result.toolCalls) == 0
		if hasFinalAnswer {
			payload := result.assistant
			candidate = &payload
		}

		// Step 6: notify observers of the iteration boundary.
		if a.hooks.OnEachAgentLoopEnd != nil {
			var assistantEventPtr *AssistantMessagePayload
			if hasFinalAnswer {
				assistantEventPtr = candidate
			}
			a.hooks.OnEachAgentLoopEnd(LoopEndInfo{
				SessionID:      sessionID,
				Iteration:      iteration,
				HasFinalAnswer: hasFinalAnswer,
				WillContinue:   !hasFinalAnswer,
				AssistantEvent: assistantEventPtr,
			})
		}
	}

	// Step 7: iteration limit reached without a final event.
	if candidate != nil {
		return *candidate
	}
	a.events.Emit(EventSystem, SystemPayload{Level: SystemLevelWarning, Message: "maximum iterations reached without a final answer"})
	return a.finalize(sessionID, "", FinishMaxIterations)
}

// finalize emits the terminal assistant_message event for a run and returns
// its payload as the loop's result.
func (a *Agent) finalize(sessionID, content, finishReason string) AssistantMessagePayload {
	event := a.events.Emit(EventAssistantMessage, AssistantMessagePayload{
		Content:      content,
		FinishReason: finishReason,
	})
	payload, _ := event.AsAssistantMessage()
	payload.MessageID = event.ID
	return payload
}

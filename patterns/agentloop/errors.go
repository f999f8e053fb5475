package agentloop

import "errors"

// ErrAlreadyRunning is returned by Run when the agent is already EXECUTING.
// Run never queues a second call; the caller must wait for the first to
// finish or call Abort.
var ErrAlreadyRunning = errors.New("agentloop: agent is already running")

// ErrReentrant is returned when a hook callback calls back into Run or
// Abort on the same goroutine that is already inside one of them.
var ErrReentrant = errors.New("agentloop: reentrant call into Run/Abort from a hook")

// ErrDisposed is returned by Run on an agent that has been disposed.
var ErrDisposed = errors.New("agentloop: agent has been disposed")

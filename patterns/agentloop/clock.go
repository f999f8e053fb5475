package agentloop

import "time"

// nowNano returns the current wall clock in unix nanoseconds, used only for
// the thinkingDurationMs interval measurement (never persisted, never
// compared across processes).
func nowNano() int64 {
	return time.Now().UnixNano()
}

// timeNow is time.Now, broken out so it reads like the rest of the
// package's small seams rather than a bare stdlib call scattered around.
func timeNow() time.Time {
	return time.Now()
}

// parseRFC3339 parses a timestamp written by Event's JSON marshaling
// (encoding/json renders time.Time as RFC3339Nano).
func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

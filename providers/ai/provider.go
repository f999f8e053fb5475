package ai

import (
	"context"
	"net/http"
)

// Provider is the generic interface that all LLM providers must implement
type Provider interface {
	// SendMessage sends a chat request and returns the response
	SendMessage(ctx context.Context, request ChatRequest) (*ChatResponse, error)

	IsStopMessage(message *ChatResponse) bool

	// WithAPIKey sets the API key used for authenticating requests.
	WithAPIKey(apiKey string) Provider

	// WithBaseURL overrides the default base URL for API requests.
	WithBaseURL(baseURL string) Provider

	// WithHttpClient sets the HTTP client used for outbound requests.
	WithHttpClient(httpClient *http.Client) Provider
}

// StreamProvider is implemented by providers that can stream incremental
// deltas over SSE (today, [github.com/nullstack/agentloop/providers/ai/openai]).
// A Provider that does not implement StreamProvider can still be driven in
// streaming mode by callers: they call SendMessage and wrap the resulting
// ChatResponse with NewSingleEventStream, so streaming is always a strict
// superset of the synchronous call.
type StreamProvider interface {
	StreamMessage(ctx context.Context, request ChatRequest) (*ChatStream, error)
}

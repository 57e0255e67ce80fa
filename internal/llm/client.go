// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface the agent loop and knowledge initializer
// call models through.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Package llm provides completion clients for the model providers agoran
// routes across. The engine talks to the Client interface only, so tests
// and keyless deployments can swap in the stub transport.
package llm

import "context"

// Request is a single-turn completion request against a concrete model.
type Request struct {
	// Model is the provider model identifier, e.g. "claude-sonnet-4-5-20250929".
	Model string
	// System is the specialist system prompt. Empty means no system block.
	System string
	// Prompt is the user-visible task prompt.
	Prompt string
	// MaxTokens caps the response length. Zero uses the client default.
	MaxTokens int
}

// Response carries the completion text plus the usage needed for
// cost and latency accounting.
type Response struct {
	Text       string
	Model      string
	StopReason string
	TokensIn   int64
	TokensOut  int64
}

// Client is implemented by each provider transport.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

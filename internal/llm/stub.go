package llm

import (
	"context"
	"fmt"
)

// StubClient is an offline transport for development and tests. It echoes
// a deterministic completion without touching the network.
type StubClient struct{}

func NewStubClient() *StubClient {
	return &StubClient{}
}

func (s *StubClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, fmt.Errorf("completion request has no model")
	}

	text := fmt.Sprintf("[stub %s] %s", req.Model, truncate(req.Prompt, 120))
	return &Response{
		Text:       text,
		Model:      req.Model,
		StopReason: "end_turn",
		TokensIn:   int64(len(req.System)+len(req.Prompt)) / 4,
		TokensOut:  int64(len(text)) / 4,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

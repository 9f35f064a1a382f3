package llm

import (
	"context"
	"fmt"
)

// MockClient is a stand-in backend used when no provider is configured
// and in tests. With an empty script it parrots the last user turn.
type MockClient struct {
	Script []*Reply
}

func (m *MockClient) Send(ctx context.Context, req Request) (*Reply, error) {
	if len(m.Script) > 0 {
		reply := m.Script[0]
		m.Script = m.Script[1:]
		if req.OnChunk != nil && reply.Kind == ReplyFinalAnswer {
			req.OnChunk(reply.Text)
		}
		return reply, nil
	}

	last := ""
	for _, turn := range req.Turns {
		if turn.Role == "user" {
			last = turn.Content
		}
	}
	text := fmt.Sprintf("I am a mock LLM. You said: '%s'. I cannot use tools.", last)
	if req.OnChunk != nil {
		req.OnChunk(text)
	}
	return &Reply{Kind: ReplyFinalAnswer, Text: text}, nil
}

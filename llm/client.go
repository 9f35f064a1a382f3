package llm

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
)

// ReplyKind tags the two shapes a model reply can take.
type ReplyKind int

const (
	// ReplyFinalAnswer is a plain text answer for the user.
	ReplyFinalAnswer ReplyKind = iota
	// ReplyToolCalls requests one or more tool invocations.
	ReplyToolCalls
)

// Usage is provider-reported token accounting, passed through untouched.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Reply is the provider-agnostic model reply. Text accompanies both
// kinds: models may emit commentary alongside tool calls.
type Reply struct {
	Kind      ReplyKind
	Text      string
	ToolCalls []session.ToolCall
	Usage     *Usage
}

// Request carries everything a provider needs for one completion call.
// A non-nil OnChunk enables streaming: the client relays incremental
// text before returning the terminal reply. The stream is restartable
// only by re-issuing Send.
type Request struct {
	Turns   []session.Turn
	Tools   []tools.Definition
	Model   string
	System  string
	OnChunk func(text string)
}

// Client is the interface for interacting with a Large Language Model.
type Client interface {
	Send(ctx context.Context, req Request) (*Reply, error)
}

// ProviderError is a transport or backend failure. Retryable marks
// failures (rate limits, transient server errors) worth retrying with
// backoff.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedReplyError means the provider responded but the response
// could not be mapped onto a Reply.
type MalformedReplyError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("%s returned a malformed reply: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *MalformedReplyError) Unwrap() error { return e.Err }

// stderrorsAs is errors.As from the standard library. The project
// errors package shadows it inside this module.
func stderrorsAs(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// retryableStatus classifies HTTP statuses common to all backends.
func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// toolNameFor finds the tool name behind a call id by scanning the
// assistant turns. Providers that key results by name rather than call
// id (Gemini) need this.
func toolNameFor(turns []session.Turn, callID string) string {
	for _, turn := range turns {
		if turn.Role != session.RoleAssistant {
			continue
		}
		for _, tc := range turn.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return ""
}

package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/m4xw311/turtle/config"
	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/llm"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
)

type Mode string

const (
	// ModeAuto executes tool calls without confirmation.
	ModeAuto Mode = "auto"
	// ModePrompt asks before executing mutating tool calls.
	ModePrompt Mode = "prompt"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// Outcome is the terminal state of processing one user input.
type Outcome string

const (
	// OutcomeDone means the model produced a final answer.
	OutcomeDone Outcome = "done"
	// OutcomeError means an unrecoverable provider or persistence failure.
	OutcomeError Outcome = "error"
	// OutcomeBudgetExceeded means the iteration or wall-clock loop
	// budget ran out before a final answer. Provider retry exhaustion
	// is an OutcomeError, not a loop budget.
	OutcomeBudgetExceeded Outcome = "budget-exceeded"
	// OutcomeCancelled means the caller cancelled the context.
	OutcomeCancelled Outcome = "cancelled"
)

// ProcessCallbacks lets an interaction mode observe and steer the
// processing loop. Nil callbacks are skipped; a nil ShouldExecuteTool
// allows every call.
type ProcessCallbacks struct {
	OnAssistantText   func(text string)
	OnStreamChunk     func(text string)
	OnToolCall        func(call session.ToolCall)
	OnToolResult      func(call session.ToolCall, result tools.Result)
	ShouldExecuteTool func(call session.ToolCall) bool
	OnWarning         func(warning string)
	OnUsage           func(usage llm.Usage)
}

// Agent drives the conversation loop: send the turn log to the model,
// execute requested tools, feed results back, repeat until the model
// answers or a budget runs out.
type Agent struct {
	Config    *config.Config
	Store     *session.Store
	Client    llm.Client
	Registry  *tools.Registry
	Executor  *tools.Executor
	Active    []tools.Definition
	Mode      Mode
	Verbosity ToolVerbosity
	Streaming bool
}

// New builds an agent from configuration. The named toolset selects
// which built-in tools the model may call; extra tools (MCP server
// tools) are registered on top and always active.
func New(cfg *config.Config, store *session.Store, toolset string, mode Mode, verbosity ToolVerbosity, client llm.Client, extra []tools.Tool) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	builtins := []tools.Tool{
		tools.NewReadFileTool(cfg.Workdir, &cfg.FilesystemAccess),
		tools.NewWriteFileTool(cfg.Workdir, &cfg.FilesystemAccess),
		tools.NewListDirectoryTool(cfg.Workdir, &cfg.FilesystemAccess),
		tools.NewExecuteCommandTool(cfg.Workdir, cfg.AllowedCommands),
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	for _, t := range extra {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	activeTools, err := registry.ActiveTools(ts.Tools)
	if err != nil {
		return nil, err
	}
	activeTools = append(activeTools, extra...)

	var active []tools.Definition
	for _, t := range activeTools {
		active = append(active, tools.Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Safety:      t.Safety(),
		})
	}

	return &Agent{
		Config:    cfg,
		Store:     store,
		Client:    client,
		Registry:  registry,
		Executor:  tools.NewExecutor(registry, cfg.Limits.ToolTimeout(), cfg.Limits.MaxToolOutputBytes),
		Active:    active,
		Mode:      mode,
		Verbosity: verbosity,
	}, nil
}

// ProcessUserInput runs the loop for one user input. The returned
// error carries detail for OutcomeError; the other outcomes describe a
// handled terminal state.
func (a *Agent) ProcessUserInput(ctx context.Context, input string, cb ProcessCallbacks) (Outcome, error) {
	if _, err := a.Store.Append(session.Turn{Role: session.RoleUser, Content: input}); err != nil {
		return OutcomeError, err
	}

	deadline := time.Now().Add(a.Config.Limits.MaxWallClock())
	attemptsLeft := a.Config.Limits.MaxProviderAttempts

	for iteration := 0; iteration < a.Config.Limits.MaxIterations; iteration++ {
		if time.Now().After(deadline) {
			a.warn(cb, "wall-clock budget exhausted before a final answer")
			return OutcomeBudgetExceeded, nil
		}
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		reply, err := a.sendWithRetry(ctx, cb, &attemptsLeft, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			var budgetErr *retryBudgetError
			if stderrors.As(err, &budgetErr) {
				a.warn(cb, budgetErr.Error())
			}
			return OutcomeError, err
		}

		if reply.Usage != nil && cb.OnUsage != nil {
			cb.OnUsage(*reply.Usage)
		}

		if reply.Kind == llm.ReplyFinalAnswer {
			if _, err := a.Store.Append(session.Turn{Role: session.RoleAssistant, Content: reply.Text}); err != nil {
				return OutcomeError, err
			}
			if cb.OnAssistantText != nil {
				cb.OnAssistantText(reply.Text)
			}
			return OutcomeDone, nil
		}

		// The model asked for tools. Record the request turn first so
		// every result can be paired to a persisted call.
		if _, err := a.Store.Append(session.Turn{
			Role:      session.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		}); err != nil {
			return OutcomeError, err
		}

		results := a.runToolCalls(ctx, reply.ToolCalls, cb)
		if ctx.Err() != nil {
			// In-flight tools were allowed to finish, but their
			// results are not recorded for a cancelled turn.
			return OutcomeCancelled, nil
		}

		for i, result := range results {
			if _, err := a.Store.Append(session.Turn{
				Role:       session.RoleTool,
				ToolCallID: result.CallID,
				Status:     result.Status,
				Content:    result.Output,
				Truncated:  result.Truncated,
			}); err != nil {
				return OutcomeError, err
			}
			if cb.OnToolResult != nil {
				cb.OnToolResult(reply.ToolCalls[i], result)
			}
		}
	}

	a.warn(cb, fmt.Sprintf("no final answer after %d iterations", a.Config.Limits.MaxIterations))
	return OutcomeBudgetExceeded, nil
}

// runToolCalls validates, confirms and executes a batch of tool calls,
// returning one result per call in request order. Declined and invalid
// calls produce failure results rather than executions.
func (a *Agent) runToolCalls(ctx context.Context, calls []session.ToolCall, cb ProcessCallbacks) []tools.Result {
	batch := make([]tools.BatchItem, len(calls))
	for i, call := range calls {
		if cb.OnToolCall != nil {
			cb.OnToolCall(call)
		}
		item := tools.BatchItem{Call: call}

		args, err := a.Registry.Validate(call.Name, call.Args)
		if err != nil {
			item.Invalid = err
			batch[i] = item
			continue
		}
		item.Args = args

		if a.Mode == ModePrompt && a.isMutating(call.Name) && cb.ShouldExecuteTool != nil {
			if !cb.ShouldExecuteTool(call) {
				item.Invalid = errors.New("tool call declined by user")
			}
		}
		batch[i] = item
	}
	// Cancellation does not abort tools mid-flight; each call is still
	// bounded by the per-call timeout, and the caller discards results
	// when the parent context is cancelled.
	return a.Executor.ExecuteBatch(context.WithoutCancel(ctx), batch)
}

func (a *Agent) isMutating(name string) bool {
	t, err := a.Registry.Resolve(name)
	if err != nil {
		return false
	}
	return t.Safety() == tools.SafetyMutating
}

// retryBudgetError marks provider failure after the retry budget ran
// out on retryable errors.
type retryBudgetError struct {
	attempts int
	last     error
}

func (e *retryBudgetError) Error() string {
	return fmt.Sprintf("provider still failing after %d attempts: %v", e.attempts, e.last)
}

func (e *retryBudgetError) Unwrap() error { return e.last }

// sendWithRetry issues one model request, retrying retryable provider
// errors with exponential backoff. The attempt budget is shared across
// the whole user input, not per iteration.
func (a *Agent) sendWithRetry(ctx context.Context, cb ProcessCallbacks, attemptsLeft *int, deadline time.Time) (*llm.Reply, error) {
	req := llm.Request{
		Turns:  a.Store.Snapshot(),
		Tools:  a.Active,
		Model:  a.Config.Model,
		System: a.Config.SystemPrompt,
	}
	if a.Streaming && cb.OnStreamChunk != nil {
		req.OnChunk = cb.OnStreamChunk
	}

	backoff := 500 * time.Millisecond
	attempts := 0
	for {
		if *attemptsLeft <= 0 {
			return nil, &retryBudgetError{attempts: a.Config.Limits.MaxProviderAttempts, last: errors.New("attempt budget exhausted")}
		}
		*attemptsLeft--
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, a.Config.Limits.ProviderTimeout())
		reply, err := a.Client.Send(callCtx, req)
		cancel()
		if err == nil {
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var provErr *llm.ProviderError
		if !stderrors.As(err, &provErr) || !provErr.Retryable {
			return nil, err
		}
		if *attemptsLeft <= 0 {
			return nil, &retryBudgetError{attempts: attempts, last: err}
		}

		a.warn(cb, fmt.Sprintf("provider error, retrying in %s: %v", backoff, err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if time.Now().After(deadline) {
			return nil, &retryBudgetError{attempts: attempts, last: err}
		}
		backoff *= 2
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
}

func (a *Agent) warn(cb ProcessCallbacks, msg string) {
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}

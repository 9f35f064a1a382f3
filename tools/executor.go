package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/m4xw311/turtle/session"
)

// Result is the outcome of executing one tool call. Execution failures
// are data, not errors: the agent loop feeds them back to the model as
// conversational content.
type Result struct {
	CallID    string
	Status    session.Status
	Output    string
	Truncated bool
}

// failure builds a failure result carrying the error text as payload.
func failure(callID string, err error) Result {
	return Result{CallID: callID, Status: session.StatusFailure, Output: err.Error()}
}

// Executor runs validated tool calls with a bounded per-call timeout
// and a bounded output size.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	maxOutput int
}

// NewExecutor creates an executor. Zero timeout or output cap fall back
// to finite defaults; execution is never unbounded.
func NewExecutor(registry *Registry, timeout time.Duration, maxOutput int) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	return &Executor{registry: registry, timeout: timeout, maxOutput: maxOutput}
}

// Execute runs a single validated call and captures the outcome as a
// Result. Errors from the tool, including timeouts and path escapes,
// become failure results.
func (e *Executor) Execute(ctx context.Context, call session.ToolCall, args map[string]interface{}) Result {
	tool, err := e.registry.Resolve(call.Name)
	if err != nil {
		return failure(call.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := tool.Run(ctx, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrPathEscape) {
			err = fmt.Errorf("tool %q timed out after %s: %w", call.Name, e.timeout, err)
		}
		res := failure(call.ID, err)
		res.Output, res.Truncated = e.truncate(res.Output)
		return res
	}

	res := Result{CallID: call.ID, Status: session.StatusSuccess}
	res.Output, res.Truncated = e.truncate(output)
	return res
}

// truncate cuts output at the configured byte cap. The cut is
// deterministic: always the leading maxOutput bytes.
func (e *Executor) truncate(output string) (string, bool) {
	if len(output) <= e.maxOutput {
		return output, false
	}
	return output[:e.maxOutput], true
}

// BatchItem is one entry of a tool-call batch. Invalid carries a
// validation failure; such items are never executed, their result is
// synthesized so the model sees the error.
type BatchItem struct {
	Call    session.ToolCall
	Args    map[string]interface{}
	Invalid error
}

// ExecuteBatch runs a batch of calls and returns results in the order
// the calls were requested. Calls are independent and run concurrently,
// except calls that target the same path: those are serialized so that
// writes to a shared file never interleave.
func (e *Executor) ExecuteBatch(ctx context.Context, batch []BatchItem) []Result {
	results := make([]Result, len(batch))

	var pathLocksMu sync.Mutex
	pathLocks := make(map[string]*sync.Mutex)
	lockFor := func(path string) *sync.Mutex {
		pathLocksMu.Lock()
		defer pathLocksMu.Unlock()
		if _, ok := pathLocks[path]; !ok {
			pathLocks[path] = &sync.Mutex{}
		}
		return pathLocks[path]
	}

	var wg sync.WaitGroup
	for i, item := range batch {
		if item.Invalid != nil {
			results[i] = failure(item.Call.ID, item.Invalid)
			continue
		}
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			if path := targetPath(item.Args); path != "" {
				mu := lockFor(path)
				mu.Lock()
				defer mu.Unlock()
			}
			results[i] = e.Execute(ctx, item.Call, item.Args)
		}(i, item)
	}
	wg.Wait()
	return results
}

// targetPath extracts the path argument shared-target serialization
// keys on. Calls without a path argument have no shared target.
func targetPath(args map[string]interface{}) string {
	path, _ := args["path"].(string)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

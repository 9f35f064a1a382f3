package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m4xw311/turtle/agent"
	"github.com/m4xw311/turtle/llm"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent *agent.Agent
	in    io.Reader
	out   io.Writer
}

// New creates a new Terminal instance
func New(a *agent.Agent) *Terminal {
	return &Terminal{
		agent: a,
		in:    os.Stdin,
		out:   os.Stdout,
	}
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if _, err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}

		switch strings.ToLower(userInput) {
		case "exit", "quit", "/exit", "/quit":
			return scanner.Err()
		case "reset", "/reset":
			if err := t.agent.Store.Reset(); err != nil {
				fmt.Fprintf(t.out, "Error: could not reset session: %v\n", err)
			} else {
				fmt.Fprintln(t.out, "Conversation history cleared.")
			}
			continue
		}

		outcome, err := t.processTurn(ctx, userInput)
		if err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		} else if outcome == agent.OutcomeCancelled {
			return nil
		}
	}

	return scanner.Err()
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) (agent.Outcome, error) {
	streamed := false
	callbacks := agent.ProcessCallbacks{
		OnStreamChunk: func(text string) {
			if !streamed {
				fmt.Fprint(t.out, "Turtle: ")
				streamed = true
			}
			fmt.Fprint(t.out, text)
		},
		OnAssistantText: func(message string) {
			if streamed {
				// The answer already went out chunk by chunk.
				fmt.Fprintln(t.out)
				streamed = false
				return
			}
			fmt.Fprintf(t.out, "Turtle: %s\n", message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			if t.agent.Verbosity == agent.ToolVerbosityAll {
				fmt.Fprintf(t.out, "Turtle wants to call tool `%s` with args: %v\n", toolCall.Name, toolCall.Args)
			} else if t.agent.Verbosity == agent.ToolVerbosityInfo {
				fmt.Fprintf(t.out, "Turtle wants to call tool `%s`\n", toolCall.Name)
			}
		},
		ShouldExecuteTool: func(toolCall session.ToolCall) bool {
			fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
			reader := bufio.NewReader(t.in)
			answer, _ := reader.ReadString('\n')
			return strings.TrimSpace(strings.ToLower(answer)) == "y"
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}
	if t.agent.Verbosity == agent.ToolVerbosityAll {
		callbacks.OnToolResult = func(toolCall session.ToolCall, result tools.Result) {
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", toolCall.Name, result.Output)
		}
		callbacks.OnUsage = func(usage llm.Usage) {
			fmt.Fprintf(t.out, "Tokens: %d in, %d out\n", usage.InputTokens, usage.OutputTokens)
		}
	}

	outcome, err := t.agent.ProcessUserInput(ctx, userInput, callbacks)
	if err != nil {
		return outcome, err
	}
	if outcome == agent.OutcomeBudgetExceeded {
		fmt.Fprintln(t.out, "Turtle: I could not finish within the configured limits.")
	}
	return outcome, nil
}

// Package terminal implements the command-line interface (CLI) mode for the Turtle agent.
//
// This package provides an interactive terminal-based user interface where users can
// communicate with the agent through text prompts and receive responses directly in
// the terminal. It handles user input, displays agent responses (streamed when the
// provider supports it), manages tool execution confirmations (in prompt mode), and
// provides appropriate verbosity levels for tool execution output.
//
// The terminal package is one of the two main interaction modes for Turtle:
//   - Terminal mode: Interactive CLI for direct user interaction
//   - ACP mode: JSON-RPC based protocol for IDE integration
//
// # Usage
//
// To use the terminal interface, create an agent instance and pass it to the terminal:
//
//	agent, err := agent.New(cfg, store, toolset, mode, verbosity, llmClient, nil)
//	if err != nil {
//	    // handle error
//	}
//
//	term := terminal.New(agent)
//	err = term.Run(ctx, initialPrompt)
//
// # Features
//
//   - Interactive prompt-based conversation with the agent
//   - Support for initial prompts from command-line arguments
//   - Tool execution confirmation for mutating tools in prompt mode
//   - Configurable verbosity levels for tool execution output
//   - Streaming responses printed as they arrive
//   - Exit commands (exit, quit) and a reset command to clear the conversation
package terminal

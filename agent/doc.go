// Package agent provides the core conversation loop for the Turtle system.
//
// This package contains the common code shared between the interaction
// modes (terminal CLI and ACP server). It defines the Agent type and
// the processing logic for handling user input, model requests and tool
// executions.
//
// # Architecture
//
// The agent package is organized into three main components:
//
//   - Core agent (this package): the shared Agent type and processing loop
//   - Terminal subpackage (agent/terminal): the CLI interaction mode
//   - ACP subpackage (agent/acp): the Agent Client Protocol server for IDE integration
//
// # Processing loop
//
// One call to ProcessUserInput appends the user turn to the session
// store, then alternates between model requests and tool executions
// until the model emits a plain text answer or a budget runs out. The
// loop is bounded three ways: a maximum iteration count, a shared
// provider retry budget, and a wall-clock limit. Every terminal state
// is reported as an Outcome; a provider that keeps failing after the
// retry budget is spent ends the turn with an error outcome.
//
// Tool execution failures are not loop failures: a failed, invalid or
// declined tool call is recorded as a failure result turn and fed back
// to the model, which decides how to proceed.
//
// # Callbacks
//
// The ProcessCallbacks structure lets each interaction mode observe
// events (assistant text, stream chunks, tool calls and results,
// warnings) and, in prompt mode, confirm mutating tool calls before
// they run. This keeps the loop identical across the terminal CLI and
// the ACP server while each renders events its own way.
//
// # Modes
//
//   - ModeAuto: tool calls are executed without confirmation
//   - ModePrompt: mutating tool calls require confirmation via callbacks
//
// # Tool verbosity
//
//   - ToolVerbosityNone: no tool execution details are shown
//   - ToolVerbosityInfo: tool names are shown as they run
//   - ToolVerbosityAll: arguments and results are shown as well
package agent

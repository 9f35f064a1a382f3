package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/turtle/errors"
)

// ExecuteCommandTool runs OS commands from the allowlist, with the
// workspace root as working directory.
type ExecuteCommandTool struct {
	workdir         string
	allowedCommands []string
}

func NewExecuteCommandTool(workdir string, allowedCommands []string) *ExecuteCommandTool {
	return &ExecuteCommandTool{workdir: workdir, allowedCommands: allowedCommands}
}

func (t *ExecuteCommandTool) Name() string   { return "execute_command" }
func (t *ExecuteCommandTool) Safety() Safety { return SafetyMutating }

func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command. No commands are currently allowed. Args: command (string)."
	}
	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}
	return fmt.Sprintf("Executes a shell command. Args: command (string).\n%s", allowedList)
}

func (t *ExecuteCommandTool) Schema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command line to execute.",
			},
		},
		Required: []string{"command"},
	}
}

func (t *ExecuteCommandTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	command := args["command"].(string)

	allowed, err := isCommandAllowed(command, t.allowedCommands)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.workdir

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", errors.New("command '%s' timed out. Partial output:\n%s", command, string(output))
	}
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return string(output), nil
}

package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/turtle/agent"
	"github.com/m4xw311/turtle/config"
	"github.com/m4xw311/turtle/llm"
	"github.com/m4xw311/turtle/session"
)

func testAgent(t *testing.T, client llm.Client) *agent.Agent {
	t.Helper()
	cfg := &config.Config{
		Provider: "mock",
		Model:    "mock-model",
		Workdir:  t.TempDir(),
		Toolsets: []config.Toolset{{
			Name:  "default",
			Tools: []string{"read_file", "write_file", "list_directory"},
		}},
		Limits: config.Limits{
			MaxIterations:          4,
			MaxProviderAttempts:    2,
			ProviderTimeoutSeconds: 5,
			ToolTimeoutSeconds:     5,
			MaxToolOutputBytes:     4096,
			MaxWallClockSeconds:    60,
		},
	}
	store, err := session.New(t.TempDir(), "acp-agent-session", cfg.Model, cfg.Workdir)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	a, err := agent.New(cfg, store, "default", agent.ModeAuto, agent.ToolVerbosityNone, client, nil)
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	return a
}

// runScript feeds newline-delimited JSON-RPC requests through the
// server and returns the decoded output messages.
func runScript(t *testing.T, a *agent.Agent, sessionDir string, requests []string) []map[string]any {
	t.Helper()
	in := bufio.NewReader(strings.NewReader(strings.Join(requests, "\n") + "\n"))
	var outBuf bytes.Buffer
	out := bufio.NewWriter(&outBuf)
	noTrace := false

	if err := Run(context.Background(), a, sessionDir, in, out, &noTrace); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var messages []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(outBuf.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("Server wrote invalid JSON: %q: %v", line, err)
		}
		messages = append(messages, msg)
	}
	return messages
}

func TestACPInitialize(t *testing.T) {
	a := testAgent(t, &llm.MockClient{})

	messages := runScript(t, a, t.TempDir(), []string{
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{"readTextFile":true,"writeTextFile":true}}}}`,
	})
	if len(messages) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(messages))
	}

	result, ok := messages[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("Expected a result object, got %v", messages[0])
	}
	if result["protocolVersion"] != float64(1) {
		t.Errorf("Expected protocolVersion 1, got %v", result["protocolVersion"])
	}
	caps, ok := result["agentCapabilities"].(map[string]any)
	if !ok || caps["loadSession"] != true {
		t.Errorf("Expected loadSession capability, got %v", result["agentCapabilities"])
	}
}

func TestACPUnknownMethod(t *testing.T) {
	a := testAgent(t, &llm.MockClient{})

	messages := runScript(t, a, t.TempDir(), []string{
		`{"jsonrpc":"2.0","id":1,"method":"no/such/method"}`,
	})
	if len(messages) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(messages))
	}
	errObj, ok := messages[0]["error"].(map[string]any)
	if !ok {
		t.Fatalf("Expected an error response, got %v", messages[0])
	}
	if errObj["code"] != float64(-32601) {
		t.Errorf("Expected method-not-found code, got %v", errObj["code"])
	}
}

func TestACPPromptFlow(t *testing.T) {
	mock := &llm.MockClient{Script: []*llm.Reply{
		{Kind: llm.ReplyToolCalls, ToolCalls: []session.ToolCall{
			{ID: "c1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		}},
		{Kind: llm.ReplyFinalAnswer, Text: "all done"},
	}}
	a := testAgent(t, mock)

	// Pre-create the session so the prompt request can name it.
	sessionDir := t.TempDir()
	if _, err := session.New(sessionDir, "acp-flow", a.Config.Model, a.Config.Workdir); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	messages := runScript(t, a, sessionDir, []string{
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1}}`,
		`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"acp-flow"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"acp-flow","prompt":[{"type":"text","text":"list the files"}]}}`,
	})

	var updates []string
	var stopReason string
	for _, msg := range messages {
		if msg["method"] == "session/update" {
			params, ok := msg["params"].(map[string]any)
			if !ok {
				t.Fatalf("Notification without params: %v", msg)
			}
			if update, ok := params["update"].(map[string]any); ok {
				updates = append(updates, update["sessionUpdate"].(string))
			}
			continue
		}
		if result, ok := msg["result"].(map[string]any); ok {
			if reason, ok := result["stopReason"].(string); ok {
				stopReason = reason
			}
		}
	}

	if stopReason != "end_turn" {
		t.Errorf("Expected stopReason end_turn, got %q", stopReason)
	}

	joined := strings.Join(updates, ",")
	for _, want := range []string{"tool_call", "tool_result", "agent_message_chunk"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected a %s update, got %q", want, joined)
		}
	}
}

func TestACPSessionNew(t *testing.T) {
	a := testAgent(t, &llm.MockClient{})
	sessionDir := t.TempDir()

	messages := runScript(t, a, sessionDir, []string{
		`{"jsonrpc":"2.0","id":0,"method":"session/new","params":{"cwd":""}}`,
	})
	if len(messages) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(messages))
	}
	result, ok := messages[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("Expected a result object, got %v", messages[0])
	}
	sid, ok := result["sessionId"].(string)
	if !ok || sid == "" {
		t.Fatalf("Expected a session id, got %v", result)
	}

	// The session must be durable immediately.
	if _, err := session.Load(sessionDir, sid); err != nil {
		t.Errorf("Expected the new session on disk, got %v", err)
	}
}

func TestStopReasonFor(t *testing.T) {
	if got := stopReasonFor(agent.OutcomeDone); got != "end_turn" {
		t.Errorf("Expected end_turn, got %s", got)
	}
	if got := stopReasonFor(agent.OutcomeBudgetExceeded); got != "max_turn_requests" {
		t.Errorf("Expected max_turn_requests, got %s", got)
	}
	if got := stopReasonFor(agent.OutcomeCancelled); got != "cancelled" {
		t.Errorf("Expected cancelled, got %s", got)
	}
}

// TestExtractUserTextWithResourceLink tests the extractUserText function with ResourceLink content blocks
func TestExtractUserTextWithResourceLink(t *testing.T) {
	testDir := t.TempDir()
	testFile := filepath.Join(testDir, "test.txt")
	testContent := "This is test file content"
	if err := os.WriteFile(testFile, []byte(testContent), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	fileURI := "file://" + testFile

	tests := []struct {
		name     string
		blocks   []contentBlock
		expected string
		contains []string
	}{
		{
			name: "text only",
			blocks: []contentBlock{
				{Type: "text", Text: "Hello"},
				{Type: "text", Text: "World"},
			},
			expected: "Hello\nWorld",
		},
		{
			name: "resource_link with file",
			blocks: []contentBlock{
				{Type: "text", Text: "Check this file:"},
				{
					Type:        "resource_link",
					URI:         fileURI,
					Name:        "test.txt",
					MimeType:    "text/plain",
					Title:       "Test File",
					Description: "A test file",
				},
			},
			contains: []string{
				"Check this file:",
				"=== Resource: test.txt ===",
				"Title: Test File",
				"Description: A test file",
				"URI: file://",
				"Type: text/plain",
				"--- File Contents ---",
				testContent,
				"--- End of File ---",
			},
		},
		{
			name: "resource_link with non-file URI",
			blocks: []contentBlock{
				{
					Type:     "resource_link",
					URI:      "https://example.com/file.txt",
					Name:     "remote.txt",
					MimeType: "text/plain",
				},
			},
			contains: []string{
				"=== Resource: remote.txt ===",
				"URI: https://example.com/file.txt",
				"[External resource - content not available]",
			},
		},
		{
			name: "mixed content",
			blocks: []contentBlock{
				{Type: "text", Text: "Start"},
				{
					Type: "resource_link",
					URI:  "https://example.com/doc.pdf",
					Name: "document.pdf",
				},
				{Type: "text", Text: "End"},
			},
			contains: []string{
				"Start",
				"=== Resource: document.pdf ===",
				"End",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractUserText(tt.blocks)

			if tt.expected != "" {
				if result != tt.expected {
					t.Errorf("extractUserText() = %q, want %q", result, tt.expected)
				}
			}

			for _, substr := range tt.contains {
				if !strings.Contains(result, substr) {
					t.Errorf("extractUserText() result does not contain %q\nGot: %q", substr, result)
				}
			}
		})
	}
}

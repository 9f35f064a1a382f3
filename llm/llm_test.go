package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
)

func sampleTurns() []session.Turn {
	return []session.Turn{
		{Seq: 1, Role: session.RoleUser, Content: "list the files"},
		{Seq: 2, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "call_1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		}},
		{Seq: 3, Role: session.RoleTool, ToolCallID: "call_1", Status: session.StatusSuccess, Content: "main.go"},
		{Seq: 4, Role: session.RoleAssistant, Content: "The directory contains main.go."},
	}
}

func sampleDefinitions() []tools.Definition {
	return []tools.Definition{
		{
			Name:        "list_directory",
			Description: "Lists files in a directory",
			Safety:      tools.SafetyReadOnly,
			Schema: &tools.Schema{
				Type: "object",
				Properties: map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "Directory to list"},
				},
				Required: []string{"path"},
			},
		},
	}
}

func TestConvertTurnsToBedrockMessages(t *testing.T) {
	messages := convertTurnsToBedrockMessages(sampleTurns())
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(messages))
	}

	if messages[0]["role"] != "user" {
		t.Errorf("Expected role 'user', got '%v'", messages[0]["role"])
	}
	if messages[1]["role"] != "assistant" {
		t.Errorf("Expected role 'assistant', got '%v'", messages[1]["role"])
	}

	// Tool results travel as user-role tool_result blocks.
	content, ok := messages[2]["content"].([]map[string]interface{})
	if !ok || len(content) != 1 {
		t.Fatalf("Expected one content block on the tool result message")
	}
	if content[0]["type"] != "tool_result" {
		t.Errorf("Expected type 'tool_result', got '%v'", content[0]["type"])
	}
	if content[0]["tool_use_id"] != "call_1" {
		t.Errorf("Expected tool_use_id 'call_1', got '%v'", content[0]["tool_use_id"])
	}
	if content[0]["is_error"] != false {
		t.Errorf("Expected is_error false for a successful result")
	}
}

func TestCreateBedrockRequestIncludesSchema(t *testing.T) {
	body, err := createBedrockRequest(Request{
		Turns:  sampleTurns(),
		Tools:  sampleDefinitions(),
		Model:  "anthropic.claude-3-5-sonnet",
		System: "You are concise.",
	})
	if err != nil {
		t.Fatalf("createBedrockRequest failed: %v", err)
	}

	var request map[string]interface{}
	if err := json.Unmarshal(body, &request); err != nil {
		t.Fatalf("Request body is not valid JSON: %v", err)
	}
	if request["system"] != "You are concise." {
		t.Errorf("Expected system prompt in request, got '%v'", request["system"])
	}

	toolDefs, ok := request["tools"].([]interface{})
	if !ok || len(toolDefs) != 1 {
		t.Fatalf("Expected 1 tool definition, got %v", request["tools"])
	}
	def := toolDefs[0].(map[string]interface{})
	schema := def["input_schema"].(map[string]interface{})
	props := schema["properties"].(map[string]interface{})
	if _, ok := props["path"]; !ok {
		t.Errorf("Expected 'path' property in tool schema, got %v", props)
	}
	required := schema["required"].([]interface{})
	if len(required) != 1 || required[0] != "path" {
		t.Errorf("Expected required ['path'], got %v", required)
	}
}

func TestProcessBedrockResponseTextOnly(t *testing.T) {
	body := []byte(`{
		"content": [{"type": "text", "text": "Hello there."}],
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`)

	reply, err := processBedrockResponse(body)
	if err != nil {
		t.Fatalf("processBedrockResponse failed: %v", err)
	}
	if reply.Kind != ReplyFinalAnswer {
		t.Errorf("Expected a final answer reply")
	}
	if reply.Text != "Hello there." {
		t.Errorf("Expected text 'Hello there.', got '%s'", reply.Text)
	}
	if reply.Usage == nil || reply.Usage.InputTokens != 10 || reply.Usage.OutputTokens != 4 {
		t.Errorf("Expected usage to be passed through, got %+v", reply.Usage)
	}
}

func TestProcessBedrockResponseToolUse(t *testing.T) {
	body := []byte(`{
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "call_9", "name": "read_file", "input": {"path": "main.go"}}
		]
	}`)

	reply, err := processBedrockResponse(body)
	if err != nil {
		t.Fatalf("processBedrockResponse failed: %v", err)
	}
	if reply.Kind != ReplyToolCalls {
		t.Errorf("Expected a tool call reply")
	}
	if reply.Text != "Let me check." {
		t.Errorf("Expected commentary text to be preserved, got '%s'", reply.Text)
	}
	if len(reply.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(reply.ToolCalls))
	}
	tc := reply.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "read_file" {
		t.Errorf("Unexpected tool call: %+v", tc)
	}
	if tc.Args["path"] != "main.go" {
		t.Errorf("Expected path argument 'main.go', got %v", tc.Args["path"])
	}
}

func TestProcessBedrockResponseMintsMissingCallID(t *testing.T) {
	body := []byte(`{
		"content": [{"type": "tool_use", "name": "read_file", "input": {"path": "a"}}]
	}`)

	reply, err := processBedrockResponse(body)
	if err != nil {
		t.Fatalf("processBedrockResponse failed: %v", err)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].ID == "" {
		t.Errorf("Expected a minted call id, got %+v", reply.ToolCalls)
	}
}

func TestProcessBedrockResponseMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"content": "just a string"}`),
		[]byte(`{"content": [{"type": "tool_use", "input": {"path": "a"}}]}`),
		[]byte(`{"content": [{"type": "tool_use", "name": "read_file", "input": "oops"}]}`),
	}
	for i, body := range cases {
		if _, err := processBedrockResponse(body); err == nil {
			t.Errorf("Case %d: expected an error for malformed response", i)
		}
	}
}

func TestConvertTurnsToOpenAIMessages(t *testing.T) {
	messages := convertTurnsToOpenAIMessages(sampleTurns(), "You are concise.")
	// System prompt plus the four turns.
	if len(messages) != 5 {
		t.Fatalf("Expected 5 messages, got %d", len(messages))
	}
}

func TestConvertTurnsToAnthropicMessages(t *testing.T) {
	messages := convertTurnsToAnthropicMessages(sampleTurns())
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(messages))
	}
	if messages[2].Role != "user" {
		t.Errorf("Expected tool result to travel as a user message, got '%v'", messages[2].Role)
	}
}

func TestConvertTurnsToGeminiContent(t *testing.T) {
	contents := convertTurnsToGeminiContent(sampleTurns())
	if len(contents) != 4 {
		t.Fatalf("Expected 4 content entries, got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("Expected assistant turn to map to role 'model', got '%s'", contents[1].Role)
	}
}

func TestToolNameFor(t *testing.T) {
	turns := sampleTurns()
	if got := toolNameFor(turns, "call_1"); got != "list_directory" {
		t.Errorf("Expected 'list_directory', got '%s'", got)
	}
	if got := toolNameFor(turns, "call_unknown"); got != "" {
		t.Errorf("Expected empty name for unknown call id, got '%s'", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	retryable := []int{408, 429, 500, 502, 529}
	for _, code := range retryable {
		if !retryableStatus(code) {
			t.Errorf("Expected status %d to be retryable", code)
		}
	}
	permanent := []int{400, 401, 403, 404, 422}
	for _, code := range permanent {
		if retryableStatus(code) {
			t.Errorf("Expected status %d to be permanent", code)
		}
	}
}

func TestMockClientScript(t *testing.T) {
	mock := &MockClient{Script: []*Reply{
		{Kind: ReplyToolCalls, ToolCalls: []session.ToolCall{{ID: "c1", Name: "read_file"}}},
		{Kind: ReplyFinalAnswer, Text: "done"},
	}}

	first, err := mock.Send(context.Background(), Request{Turns: sampleTurns()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if first.Kind != ReplyToolCalls {
		t.Errorf("Expected scripted tool call reply first")
	}

	second, err := mock.Send(context.Background(), Request{Turns: sampleTurns()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if second.Kind != ReplyFinalAnswer || second.Text != "done" {
		t.Errorf("Expected scripted final answer, got %+v", second)
	}

	// Script exhausted: the mock parrots the last user turn.
	third, err := mock.Send(context.Background(), Request{Turns: sampleTurns()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if third.Kind != ReplyFinalAnswer {
		t.Errorf("Expected a final answer once the script is exhausted")
	}
}

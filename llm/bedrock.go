package llm

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/session"
)

// BedrockClient is a gateway adapter for Anthropic models hosted on AWS
// Bedrock. Bedrock speaks the Anthropic messages protocol over a raw
// JSON body, so the translation works on maps rather than SDK types.
type BedrockClient struct {
	client *bedrockruntime.Client
}

// NewBedrockClient creates a new BedrockClient. AWS credentials and
// region come from the standard environment and config files.
func NewBedrockClient(ctx context.Context) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	return &BedrockClient{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

// Send invokes the model and converts the response into a Reply.
// Bedrock's InvokeModel API returns the full response in one shot, so
// when streaming is requested the text arrives as a single chunk.
func (b *BedrockClient) Send(ctx context.Context, req Request) (*Reply, error) {
	requestBody, err := createBedrockRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	reply, err := processBedrockResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	if req.OnChunk != nil && reply.Text != "" {
		req.OnChunk(reply.Text)
	}
	return reply, nil
}

// convertTurnsToBedrockMessages converts our internal turn log to the
// Anthropic-on-Bedrock message format.
func convertTurnsToBedrockMessages(turns []session.Turn) []map[string]interface{} {
	var messages []map[string]interface{}
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": turn.Content},
				},
			})
		case session.RoleAssistant:
			var content []map[string]interface{}
			if turn.Content != "" {
				content = append(content, map[string]interface{}{
					"type": "text", "text": turn.Content,
				})
			}
			for _, tc := range turn.ToolCalls {
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}
			if len(content) == 0 {
				continue
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": content,
			})
		case session.RoleTool:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": turn.ToolCallID,
						"content":     turn.Content,
						"is_error":    turn.Status == session.StatusFailure,
					},
				},
			})
		}
	}
	return messages
}

// createBedrockRequest builds the raw JSON request body.
func createBedrockRequest(req Request) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          convertTurnsToBedrockMessages(req.Turns),
	}
	if req.System != "" {
		request["system"] = req.System
	}

	if len(req.Tools) > 0 {
		var toolDefs []map[string]interface{}
		for _, def := range req.Tools {
			inputSchema := map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
			if def.Schema != nil {
				if def.Schema.Properties != nil {
					inputSchema["properties"] = def.Schema.Properties
				}
				if len(def.Schema.Required) > 0 {
					inputSchema["required"] = def.Schema.Required
				}
			}
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         def.Name,
				"description":  def.Description,
				"input_schema": inputSchema,
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

// processBedrockResponse converts the raw Bedrock response body into a
// Reply value.
func processBedrockResponse(body []byte) (*Reply, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &MalformedReplyError{Provider: "bedrock", Reason: "response body is not JSON", Err: err}
	}

	if errMsg, ok := response["error"]; ok {
		return nil, &ProviderError{Provider: "bedrock", Retryable: false, Err: errors.New("API error: %v", errMsg)}
	}

	reply := &Reply{Kind: ReplyFinalAnswer}
	if usage, ok := response["usage"].(map[string]interface{}); ok {
		reply.Usage = &Usage{}
		if in, ok := usage["input_tokens"].(float64); ok {
			reply.Usage.InputTokens = int64(in)
		}
		if out, ok := usage["output_tokens"].(float64); ok {
			reply.Usage.OutputTokens = int64(out)
		}
	}

	content, ok := response["content"]
	if !ok {
		return reply, nil
	}
	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, &MalformedReplyError{Provider: "bedrock", Reason: "content is not an array"}
	}

	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				reply.Text += text
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				return nil, &MalformedReplyError{Provider: "bedrock", Reason: "tool_use block without a name"}
			}
			input, ok := itemMap["input"].(map[string]interface{})
			if !ok {
				return nil, &MalformedReplyError{Provider: "bedrock", Reason: "tool_use input is not a JSON object"}
			}
			id, _ := itemMap["id"].(string)
			if id == "" {
				id = uuid.NewString()
			}
			reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
				ID:   id,
				Name: name,
				Args: input,
			})
		}
	}
	if len(reply.ToolCalls) > 0 {
		reply.Kind = ReplyToolCalls
	}
	return reply, nil
}

func classifyBedrockError(err error) error {
	var respErr *awshttp.ResponseError
	if stderrorsAs(err, &respErr) {
		return &ProviderError{Provider: "bedrock", Retryable: retryableStatus(respErr.HTTPStatusCode()), Err: err}
	}
	return &ProviderError{Provider: "bedrock", Retryable: true, Err: err}
}

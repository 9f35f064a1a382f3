package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
)

// AnthropicClient is a gateway adapter for the Anthropic API.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new AnthropicClient. The API key falls
// back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(ctx context.Context, apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no API key configured and ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &AnthropicClient{client: &client}, nil
}

// Send translates the conversation into Anthropic's shape, issues the
// request (streaming when asked to) and maps the response back onto a
// Reply.
func (a *AnthropicClient) Send(ctx context.Context, req Request) (*Reply, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: 4096,
		Messages:  convertTurnsToAnthropicMessages(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: convertSchemaToAnthropic(def.Schema),
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	var resp *anthropic.Message
	if req.OnChunk != nil {
		message, err := a.stream(ctx, params, req.OnChunk)
		if err != nil {
			return nil, err
		}
		resp = message
	} else {
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyAnthropicError(err)
		}
		resp = message
	}

	return processAnthropicResponse(resp)
}

func (a *AnthropicClient) stream(ctx context.Context, params anthropic.MessageNewParams, onChunk func(string)) (*anthropic.Message, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &MalformedReplyError{Provider: "anthropic", Reason: "could not accumulate stream event", Err: err}
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok {
				onChunk(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropicError(err)
	}
	return &message, nil
}

// convertTurnsToAnthropicMessages converts our internal turn log to
// Anthropic's message format. Tool results travel in user-role
// messages, per the Anthropic protocol.
func convertTurnsToAnthropicMessages(turns []session.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(turn.Content),
			))
		case session.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				content = append(content, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: turn.Content},
				})
			}
			for _, tc := range turn.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: argsBytes,
					},
				})
			}
			if len(content) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: content,
			})
		case session.RoleTool:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: turn.ToolCallID,
						IsError:   anthropic.Bool(turn.Status == session.StatusFailure),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: turn.Content},
						}},
					},
				}},
			})
		}
	}
	return messages
}

func convertSchemaToAnthropic(schema *tools.Schema) anthropic.ToolInputSchemaParam {
	if schema == nil {
		return anthropic.ToolInputSchemaParam{Properties: map[string]interface{}{}}
	}
	return anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}
}

// processAnthropicResponse converts an Anthropic API response into a
// Reply value.
func processAnthropicResponse(resp *anthropic.Message) (*Reply, error) {
	reply := &Reply{Kind: ReplyFinalAnswer}
	reply.Usage = &Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Text += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, &MalformedReplyError{Provider: "anthropic", Reason: "tool call input is not a JSON object", Err: err}
			}
			id := c.ID
			if id == "" {
				id = uuid.NewString()
			}
			reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
				ID:   id,
				Name: c.Name,
				Args: args,
			})
		}
	}
	if len(reply.ToolCalls) > 0 {
		reply.Kind = ReplyToolCalls
	}
	return reply, nil
}

func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if stderrorsAs(err, &apierr) {
		return &ProviderError{Provider: "anthropic", Retryable: retryableStatus(apierr.StatusCode), Err: err}
	}
	// Transport-level failures without a status are worth retrying.
	return &ProviderError{Provider: "anthropic", Retryable: true, Err: err}
}

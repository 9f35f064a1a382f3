package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is a gateway adapter for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAIClient. The API key falls back to
// the OPENAI_API_KEY environment variable, and OPENAI_BASE_URL selects
// a custom endpoint.
func NewOpenAIClient(ctx context.Context, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no API key configured and OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c
	return &OpenAIClient{client: &c}, nil
}

// Send issues a chat completion request and converts the response into
// a Reply.
func (o *OpenAIClient) Send(ctx context.Context, req Request) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: convertTurnsToOpenAIMessages(req.Turns, req.System),
		Tools:    convertToolsToOpenAITools(req.Tools),
	}

	if req.OnChunk != nil {
		return o.stream(ctx, params, req.OnChunk)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return processOpenAIResponse(resp)
}

func (o *OpenAIClient) stream(ctx context.Context, params openai.ChatCompletionNewParams, onChunk func(string)) (*Reply, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyOpenAIError(err)
	}
	return processOpenAIResponse(&acc.ChatCompletion)
}

// processOpenAIResponse converts an OpenAI API response into a Reply
// value.
func processOpenAIResponse(resp *openai.ChatCompletion) (*Reply, error) {
	if len(resp.Choices) == 0 {
		return nil, &MalformedReplyError{Provider: "openai", Reason: "response contained no choices"}
	}

	choice := resp.Choices[0].Message
	reply := &Reply{
		Kind: ReplyFinalAnswer,
		Text: choice.Content,
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	for _, tc := range choice.ToolCalls {
		var toolArgs map[string]interface{}
		// Arguments come as a JSON string.
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
			return nil, &MalformedReplyError{Provider: "openai", Reason: "tool call arguments are not a JSON object", Err: err}
		}
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: toolArgs,
		})
	}
	if len(reply.ToolCalls) > 0 {
		reply.Kind = ReplyToolCalls
	}
	return reply, nil
}

// convertTurnsToOpenAIMessages converts our internal turn log to
// OpenAI's message format. The system prompt, when set, leads the
// conversation.
func convertTurnsToOpenAIMessages(turns []session.Turn, system string) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: turn.Content,
			}
			for _, tc := range turn.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(turn.Content, turn.ToolCallID))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(turn.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool definitions to the OpenAI
// function tool format.
func convertToolsToOpenAITools(defs []tools.Definition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, def := range defs {
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}
		if def.Schema != nil {
			if def.Schema.Properties != nil {
				params["properties"] = def.Schema.Properties
			}
			if len(def.Schema.Required) > 0 {
				params["required"] = def.Schema.Required
			}
		}

		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}

func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if stderrorsAs(err, &apierr) {
		return &ProviderError{Provider: "openai", Retryable: retryableStatus(apierr.StatusCode), Err: err}
	}
	return &ProviderError{Provider: "openai", Retryable: true, Err: err}
}

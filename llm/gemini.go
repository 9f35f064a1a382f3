package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/turtle/errors"
	"github.com/m4xw311/turtle/session"
	"github.com/m4xw311/turtle/tools"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient is a gateway adapter for the Google Gemini API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a new GeminiClient. The API key falls back to
// the GEMINI_API_KEY environment variable.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no API key configured and GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client}, nil
}

// Send translates the conversation into Gemini's content format, issues
// the request and maps the response back onto a Reply. Tool calls are
// only reported, never run here.
func (g *GeminiClient) Send(ctx context.Context, req Request) (*Reply, error) {
	model := g.client.GenerativeModel(req.Model)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	history := convertTurnsToGeminiContent(req.Turns)
	if len(history) == 0 {
		return nil, &MalformedReplyError{Provider: "gemini", Reason: "no turns to send"}
	}

	// The last content entry is the new prompt; everything before it is
	// chat history.
	lastContent := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]

	if req.OnChunk != nil {
		return streamGemini(chatSession.SendMessageStream(ctx, lastContent.Parts...), req.OnChunk)
	}

	resp, err := chatSession.SendMessage(ctx, lastContent.Parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return processGeminiResponse(resp)
}

// streamGemini drains a streaming response, relaying text deltas and
// collecting the terminal reply from the concatenated parts.
func streamGemini(iter *genai.GenerateContentResponseIterator, onChunk func(string)) (*Reply, error) {
	reply := &Reply{Kind: ReplyFinalAnswer}
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classifyGeminiError(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				onChunk(string(v))
				reply.Text += string(v)
			case genai.FunctionCall:
				reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
					ID:   uuid.NewString(),
					Name: v.Name,
					Args: v.Args,
				})
			}
		}
		if resp.UsageMetadata != nil {
			reply.Usage = &Usage{
				InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	if len(reply.ToolCalls) > 0 {
		reply.Kind = ReplyToolCalls
	}
	return reply, nil
}

// convertTurnsToGeminiContent converts our internal turn log to
// Gemini's content format. Gemini keys tool results by function name,
// so result turns are resolved against the assistant turn that issued
// the call.
func convertTurnsToGeminiContent(turns []session.Turn) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleAssistant:
			var parts []genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.Text(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				parts = append(parts, genai.FunctionCall{
					Name: tc.Name,
					Args: tc.Args,
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleTool:
			response := map[string]interface{}{"output": turn.Content}
			if turn.Status == session.StatusFailure {
				response["error"] = true
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     toolNameFor(turns, turn.ToolCallID),
					Response: response,
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(turn.Content)},
			})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts tool definitions to Gemini's
// FunctionDeclaration format.
func convertToolsToGeminiTools(defs []tools.Definition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, def := range defs {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  convertSchemaToGemini(def.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func convertSchemaToGemini(schema *tools.Schema) *genai.Schema {
	out := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	if schema == nil {
		return out
	}
	out.Required = schema.Required
	for name, raw := range schema.Properties {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		field := &genai.Schema{Type: genai.TypeString}
		if t, ok := prop["type"].(string); ok {
			field.Type = geminiType(t)
		}
		if d, ok := prop["description"].(string); ok {
			field.Description = d
		}
		out.Properties[name] = field
	}
	return out
}

func geminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeString
}

// processGeminiResponse converts a Gemini API response into a Reply
// value.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*Reply, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &MalformedReplyError{Provider: "gemini", Reason: "response contained no candidates"}
	}

	reply := &Reply{Kind: ReplyFinalAnswer}
	if resp.UsageMetadata != nil {
		reply.Usage = &Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			reply.Text += string(v)
		case genai.FunctionCall:
			// Gemini does not assign call ids; mint one so results can
			// be paired back to the call.
			reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
				ID:   uuid.NewString(),
				Name: v.Name,
				Args: v.Args,
			})
		default:
			return nil, &MalformedReplyError{Provider: "gemini", Reason: "unsupported part type in response"}
		}
	}
	if len(reply.ToolCalls) > 0 {
		reply.Kind = ReplyToolCalls
	}
	return reply, nil
}

func classifyGeminiError(err error) error {
	var apierr *googleapi.Error
	if stderrorsAs(err, &apierr) {
		return &ProviderError{Provider: "gemini", Retryable: retryableStatus(apierr.Code), Err: err}
	}
	return &ProviderError{Provider: "gemini", Retryable: true, Err: err}
}

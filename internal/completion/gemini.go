package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/cchalm/portfolio-assistant/internal/ai"
)

// GeminiProvider sends completions to the Gemini API
type GeminiProvider struct {
	models *genai.Models
	model  string
}

func NewGeminiProvider(client *genai.Client, model string) *GeminiProvider {
	return &GeminiProvider{models: client.Models, model: model}
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (Response, error) {
	contents, config, err := toGeminiRequest(req)
	if err != nil {
		return Response{}, &ProviderError{Class: ClassInvalidRequest, Err: err}
	}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return Response{}, classifyGemini(err)
	}
	return fromGeminiResponse(resp)
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return &ProviderError{
		Class:      ClassifyStatus(apiErr.Code),
		StatusCode: apiErr.Code,
		Err:        err,
	}
}

// toGeminiRequest maps a request onto the Gemini content model. Leading system messages become the system
// instruction and later ones are sent as user text. Tool results are function responses inside a user turn
func toGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}

	var contents []*genai.Content
	var system []string
	var pending []*genai.Part
	flush := func() {
		if len(pending) > 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pending})
			pending = nil
		}
	}

	leading := true
	for _, msg := range req.Messages {
		if msg.Role != ai.RoleSystem {
			leading = false
		}
		switch msg.Role {
		case ai.RoleSystem:
			if leading {
				system = append(system, msg.Content)
				continue
			}
			pending = append(pending, &genai.Part{Text: "[System note] " + msg.Content})
		case ai.RoleUser:
			pending = append(pending, &genai.Part{Text: msg.Content})
		case ai.RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			pending = append(pending, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{key: decodeContent(msg.Content)},
			}})
		case ai.RoleAssistant:
			flush()
			var parts []*genai.Part
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, nil, fmt.Errorf("arguments of tool call '%s' are not a JSON object: %w", call.ID, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			return nil, nil, fmt.Errorf("%w: unknown role '%s'", ai.ErrInvalidMessage, msg.Role)
		}
	}
	flush()

	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, schema := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 schema.Name,
				Description:          schema.Description,
				ParametersJsonSchema: schema.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		mode := genai.FunctionCallingConfigModeAuto
		if req.ToolChoice == ModeNone {
			mode = genai.FunctionCallingConfigModeNone
		}
		config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
	}

	return contents, config, nil
}

// decodeContent returns tool message content as a JSON value when it is one, or as a string otherwise
func decodeContent(content string) any {
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return content
	}
	return v
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, &ProviderError{Class: ClassServerError, Err: errors.New("response has no candidates")}
	}
	candidate := resp.Candidates[0]

	var text []string
	var calls []ai.ToolCall
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return Response{}, &ProviderError{Class: ClassUnknown, Err: fmt.Errorf("failed to encode function call arguments: %w", err)}
			}
			calls = append(calls, ai.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args})
		}
	}

	out := Response{
		Message:    ai.NewAssistantMessage(strings.Join(text, ""), calls...),
		StopReason: string(candidate.FinishReason),
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = Usage{
			InputTokens:  int64(usage.PromptTokenCount),
			OutputTokens: int64(usage.CandidatesTokenCount),
			CacheRead:    int64(usage.CachedContentTokenCount),
		}
	}
	return out, nil
}

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/cchalm/portfolio-assistant/internal/ai"
	"github.com/cchalm/portfolio-assistant/internal/transport"
)

// AnthropicProvider sends completions to the Anthropic Messages API. The client should be created with
// option.WithMaxRetries(0) so that retry policy stays with Client
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
	stream bool
}

func NewAnthropicProvider(client anthropic.Client, model string, stream bool) *AnthropicProvider {
	return &AnthropicProvider{
		client: client,
		model:  anthropic.Model(model),
		stream: stream,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params, err := toAnthropicParams(p.model, req)
	if err != nil {
		return Response{}, &ProviderError{Class: ClassInvalidRequest, Err: err}
	}

	var msg anthropic.Message
	if p.stream {
		msg, err = p.sendStreaming(ctx, params)
	} else {
		var resp *anthropic.Message
		resp, err = p.client.Messages.New(ctx, params)
		if resp != nil {
			msg = *resp
		}
	}
	if err != nil {
		return Response{}, classifyAnthropic(err)
	}

	return Response{
		Message:    fromAnthropicMessage(msg),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			CacheRead:    msg.Usage.CacheReadInputTokens,
			CacheWrite:   msg.Usage.CacheCreationInputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) sendStreaming(ctx context.Context, params anthropic.MessageNewParams) (anthropic.Message, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	response := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		err := response.Accumulate(event)
		if err != nil {
			return anthropic.Message{}, fmt.Errorf("failed to accumulate response content stream: %w", err)
		}
	}
	if stream.Err() != nil {
		return anthropic.Message{}, fmt.Errorf("failed to stream response: %w", stream.Err())
	}
	if response.StopReason == "" {
		b, _ := json.Marshal(response)
		return anthropic.Message{}, &ProviderError{
			Class: ClassServerError,
			Err:   fmt.Errorf("malformed message: %s", string(b)),
		}
	}
	return response, nil
}

func classifyAnthropic(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	var retryAfter time.Duration
	if apiErr.Response != nil {
		retryAfter = transport.RetryAfter(apiErr.Response.Header, time.Now())
	}
	return &ProviderError{
		Class:      ClassifyStatus(apiErr.StatusCode),
		StatusCode: apiErr.StatusCode,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// toAnthropicParams maps a request onto the Messages API. Leading system messages become the system blocks. The API
// has no system role inside the conversation, so later system messages are sent as user text. Consecutive user-side
// content, including tool results, is merged into one user message so that roles alternate
func toAnthropicParams(model anthropic.Model, req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	var pending []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(pending...))
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
				params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
				continue
			}
			pending = append(pending, anthropic.NewTextBlock("[System note] "+msg.Content))
		case ai.RoleUser:
			pending = append(pending, anthropic.NewTextBlock(msg.Content))
		case ai.RoleTool:
			pending = append(pending, anthropic.ContentBlockParamUnion{OfToolResult: &anthropic.ToolResultBlockParam{
				ToolUseID: msg.ToolCallID,
				Content: []anthropic.ToolResultBlockParamContentUnion{
					{OfText: &anthropic.TextBlockParam{Text: msg.Content}},
				},
				IsError: anthropic.Bool(msg.IsError),
			}})
		case ai.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := call.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    call.ID,
					Name:  call.Name,
					Input: input,
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("%w: unknown role '%s'", ai.ErrInvalidMessage, msg.Role)
		}
	}
	flush()

	for _, schema := range req.Tools {
		var parsed struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if err := json.Unmarshal(schema.Parameters, &parsed); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid schema for tool '%s': %w", schema.Name, err)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        schema.Name,
			Description: anthropic.String(schema.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: parsed.Properties,
				Required:   parsed.Required,
			},
		}})
	}

	if len(params.Tools) > 0 {
		switch req.ToolChoice {
		case ModeNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	return params, nil
}

func fromAnthropicMessage(msg anthropic.Message) ai.Message {
	var text []string
	var calls []ai.ToolCall
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if b.Text != "" {
				text = append(text, b.Text)
			}
		case anthropic.ToolUseBlock:
			calls = append(calls, ai.ToolCall{ID: b.ID, Name: b.Name, Arguments: json.RawMessage(b.Input)})
		}
	}
	return ai.NewAssistantMessage(strings.Join(text, "\n\n"), calls...)
}

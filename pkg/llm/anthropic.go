package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Anthropic-backed Provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type anthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropic constructs a Provider backed by the official Anthropic SDK.
func NewAnthropic(cfg AnthropicConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   4096,
		temperature: 1.0,
	}, nil
}

func (p *anthropicProvider) GetModelName() string     { return p.model }
func (p *anthropicProvider) GetMaxTokens() int         { return p.maxTokens }
func (p *anthropicProvider) GetTemperature() float64  { return p.temperature }
func (p *anthropicProvider) Close() error             { return nil }

func (p *anthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	var messages []anthropic.MessageParam
	var system []anthropic.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		tools, err := convertToolSpecs(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	return params, nil
}

func convertToolSpecs(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		raw, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", spec.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(spec.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

func (p *anthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic build request: %w", err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic generate: %w", err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal([]byte(variant.JSON.Input.Raw()), &args)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: variant.ID, Name: variant.Name, Args: args})
		}
	}
	return resp, nil
}

func (p *anthropicProvider) GenerateStreaming(ctx context.Context, req Request) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		params, err := p.buildParams(req)
		if err != nil {
			yield(StreamEvent{Err: fmt.Errorf("llm: anthropic build request: %w", err)})
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		var currentToolCall *ToolCall
		var currentInput []byte

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentToolCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentInput = nil
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !yield(StreamEvent{TextDelta: delta.Text}) {
						return
					}
				case "input_json_delta":
					currentInput = append(currentInput, []byte(delta.PartialJSON)...)
				}
			case "content_block_stop":
				if currentToolCall != nil {
					var args map[string]any
					_ = json.Unmarshal(currentInput, &args)
					currentToolCall.Args = args
					if !yield(StreamEvent{ToolCall: currentToolCall}) {
						return
					}
					currentToolCall = nil
				}
			case "message_stop":
				yield(StreamEvent{Done: true})
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(StreamEvent{Err: fmt.Errorf("llm: anthropic stream: %w", err)})
		}
	}
}

var _ Provider = (*anthropicProvider)(nil)

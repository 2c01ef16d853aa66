package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-backed Provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type openAIProvider struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
}

// NewOpenAI constructs a Provider backed by the official OpenAI SDK.
func NewOpenAI(cfg OpenAIConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   4096,
		temperature: 1.0,
		maxRetries:  3,
		retryDelay:  time.Second,
	}, nil
}

func (p *openAIProvider) GetModelName() string    { return p.model }
func (p *openAIProvider) GetMaxTokens() int        { return p.maxTokens }
func (p *openAIProvider) GetTemperature() float64 { return p.temperature }
func (p *openAIProvider) Close() error             { return nil }

func (p *openAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

func convertOpenAITools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		}
	}
	return tools
}

func (p *openAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (p *openAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !p.isRetryableError(lastErr) {
			return nil, fmt.Errorf("llm: openai generate: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("llm: openai generate: max retries exceeded: %w", lastErr)
	}
	if len(resp.Choices) == 0 {
		return &Response{}, nil
	}

	choice := resp.Choices[0]
	out := &Response{
		Text: choice.Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

func (p *openAIProvider) GenerateStreaming(ctx context.Context, req Request) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		chatReq := p.buildRequest(req, true)

		var stream *openai.ChatCompletionStream
		var lastErr error
		for attempt := 0; attempt < p.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					yield(StreamEvent{Err: ctx.Err()})
					return
				case <-time.After(p.retryDelay * time.Duration(attempt)):
				}
			}
			stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
			if lastErr == nil {
				break
			}
			if !p.isRetryableError(lastErr) {
				yield(StreamEvent{Err: fmt.Errorf("llm: openai stream: %w", lastErr)})
				return
			}
		}
		if lastErr != nil {
			yield(StreamEvent{Err: fmt.Errorf("llm: openai stream: max retries exceeded: %w", lastErr)})
			return
		}
		defer stream.Close()

		toolCalls := make(map[int]*ToolCall)
		flushToolCalls := func() bool {
			for _, tc := range toolCalls {
				if tc.ID == "" || tc.Name == "" {
					continue
				}
				if !yield(StreamEvent{ToolCall: tc}) {
					return false
				}
			}
			toolCalls = make(map[int]*ToolCall)
			return true
		}

		for {
			chunk, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					if !flushToolCalls() {
						return
					}
					yield(StreamEvent{Done: true})
					return
				}
				yield(StreamEvent{Err: fmt.Errorf("llm: openai stream recv: %w", err)})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" && !yield(StreamEvent{TextDelta: delta.Content}) {
				return
			}

			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if toolCalls[index] == nil {
					toolCalls[index] = &ToolCall{}
				}
				if tc.ID != "" {
					toolCalls[index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[index].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					appendToolArgs(toolCalls[index], tc.Function.Arguments)
				}
			}

			if chunk.Choices[0].FinishReason == openai.FinishReasonToolCalls {
				if !flushToolCalls() {
					return
				}
			}
		}
	}
}

// appendToolArgs accumulates a tool call's streamed JSON argument fragments
// and decodes them once a full object is available.
func appendToolArgs(tc *ToolCall, fragment string) {
	if tc.Args == nil {
		tc.Args = map[string]any{"_raw": fragment}
		return
	}
	raw, _ := tc.Args["_raw"].(string)
	raw += fragment
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		tc.Args = decoded
		return
	}
	tc.Args["_raw"] = raw
}

var _ Provider = (*openAIProvider)(nil)

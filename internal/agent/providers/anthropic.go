// Package providers implements chat backends for the agent loop.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fredericlepied/aiops/internal/agent"
)

// extendedContextBeta is the header value that unlocks the 1M-token
// window on supported models.
const extendedContextBeta = "context-1m-2025-08-07"

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// MaxRetries bounds retry attempts for transient failures.
	// Default 3.
	MaxRetries int

	// RetryDelay is the exponential-backoff base. Default 1s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// AnthropicBackend implements agent.ChatBackend over the official SDK.
type AnthropicBackend struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewAnthropic builds the backend.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicBackend{
		client:     anthropic.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With("component", "anthropic"),
	}, nil
}

// Complete issues a unary request.
func (b *AnthropicBackend) Complete(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	params, opts, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = b.client.Messages.New(ctx, params, opts...)
		if err == nil {
			break
		}
		if attempt >= b.maxRetries || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		if !b.backoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	return translateMessage(msg), nil
}

// Stream issues a streaming request and adapts SSE events.
func (b *AnthropicBackend) Stream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	params, opts, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	for attempt := 0; ; attempt++ {
		stream = b.client.Messages.NewStreaming(ctx, params, opts...)
		if stream.Err() == nil {
			break
		}
		err = stream.Err()
		if attempt >= b.maxRetries || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		if !b.backoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}

	events := make(chan agent.StreamEvent)
	go func() {
		defer close(events)
		b.processStream(ctx, stream, events)
	}()
	return events, nil
}

func (b *AnthropicBackend) backoff(ctx context.Context, attempt int) bool {
	delay := b.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
	b.logger.Warn("retrying request", "attempt", attempt+1, "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (b *AnthropicBackend) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- agent.StreamEvent) {
	send := func(ev agent.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage agent.Usage
	var toolUse *agent.Block
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheCreation = int(start.Message.Usage.CacheCreationInputTokens)
			usage.CacheRead = int(start.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				use := blockStart.ContentBlock.AsToolUse()
				toolUse = &agent.Block{Type: "tool_use", ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(agent.StreamEvent{Type: "text", Text: delta.Text}) {
					return
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolUse != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolUse.Input = json.RawMessage(input)
				if !send(agent.StreamEvent{Type: "tool_use", ToolUse: toolUse}) {
					return
				}
				toolUse = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			send(agent.StreamEvent{Type: "done", Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(agent.StreamEvent{Type: "error", Err: fmt.Errorf("anthropic stream: %w", err)})
		return
	}
	send(agent.StreamEvent{Type: "done", Usage: usage})
}

func (b *AnthropicBackend) buildParams(req *agent.Request) (anthropic.MessageNewParams, []option.RequestOption, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		converted, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, nil, err
		}
		params.Tools = converted
	}

	var opts []option.RequestOption
	if req.ExtendedContext {
		opts = append(opts, option.WithHeader("anthropic-beta", extendedContextBeta))
	}
	return params, opts, nil
}

func convertMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Blocks {
			switch block.Type {
			case "text":
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case "tool_use":
				var input map[string]any
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool input for %s: %w", block.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case "tool_result":
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", spec.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s did not convert", spec.Name)
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, param)
	}
	return out, nil
}

func translateMessage(msg *anthropic.Message) *agent.Response {
	resp := &agent.Response{
		Message:    agent.Message{Role: "assistant"},
		StopReason: string(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:   int(msg.Usage.InputTokens),
			OutputTokens:  int(msg.Usage.OutputTokens),
			CacheCreation: int(msg.Usage.CacheCreationInputTokens),
			CacheRead:     int(msg.Usage.CacheReadInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Message.Blocks = append(resp.Message.Blocks, agent.TextBlock(block.Text))
			}
		case "tool_use":
			use := block.AsToolUse()
			resp.Message.Blocks = append(resp.Message.Blocks, agent.Block{
				Type:  "tool_use",
				ID:    use.ID,
				Name:  use.Name,
				Input: use.Input,
			})
		}
	}
	return resp
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

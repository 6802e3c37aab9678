package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// client manages one connected tool-server: handshake, capability
// discovery, and calls.
type client struct {
	spec      ServerSpec
	logger    *slog.Logger
	transport *transport

	mu      sync.RWMutex
	tools   []Tool
	prompts []Prompt
}

func newClient(spec ServerSpec, logger *slog.Logger) *client {
	return &client{
		spec:   spec,
		logger: logger.With("server", spec.Name),
	}
}

// connect spawns the subprocess, performs the initialize handshake,
// and caches tool and prompt definitions. The whole sequence is
// bounded by ctx.
func (c *client) connect(ctx context.Context) error {
	c.transport = newTransport(c.spec, c.logger)
	if err := c.transport.start(ctx); err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	_, err := c.transport.call(initCtx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "aiops",
			"version": "1.0",
		},
	})
	if err != nil {
		c.transport.close()
		return fmt.Errorf("initialize %s: %w", c.spec.Name, err)
	}
	if err := c.transport.notify("notifications/initialized", nil); err != nil {
		c.transport.close()
		return fmt.Errorf("initialized notification %s: %w", c.spec.Name, err)
	}

	if err := c.refreshCapabilities(ctx); err != nil {
		c.transport.close()
		return err
	}
	c.logger.Info("server connected", "tools", len(c.Tools()), "prompts", len(c.Prompts()))
	return nil
}

func (c *client) refreshCapabilities(ctx context.Context) error {
	raw, err := c.transport.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", c.spec.Name, err)
	}
	var toolsResult struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &toolsResult); err != nil {
		return fmt.Errorf("decode tools/list %s: %w", c.spec.Name, err)
	}

	// prompts/list is optional; servers without prompts return an
	// error we tolerate.
	var prompts []Prompt
	if raw, err := c.transport.call(ctx, "prompts/list", nil); err == nil {
		var promptsResult struct {
			Prompts []Prompt `json:"prompts"`
		}
		if err := json.Unmarshal(raw, &promptsResult); err == nil {
			prompts = promptsResult.Prompts
		}
	}

	c.mu.Lock()
	c.tools = toolsResult.Tools
	c.prompts = prompts
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool definitions.
func (c *client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// Prompts returns the cached prompt definitions.
func (c *client) Prompts() []Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Prompt(nil), c.prompts...)
}

// callTool issues tools/call and concatenates the text blocks of the
// reply.
func (c *client) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.transport.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tools/call %s: %w", name, err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

// getPrompt validates required arguments client-side, then issues
// prompts/get.
func (c *client) getPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	var def *Prompt
	for _, p := range c.Prompts() {
		if p.Name == name {
			def = &p
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownPrompt, name, c.spec.Name)
	}
	var missing []string
	for _, arg := range def.Arguments {
		if arg.Required {
			if v, ok := args[arg.Name]; !ok || v == "" {
				missing = append(missing, arg.Name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("prompt %s: missing required arguments: %s", name, strings.Join(missing, ", "))
	}

	raw, err := c.transport.call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode prompts/get %s: %w", name, err)
	}
	return &result, nil
}

func (c *client) close() {
	if c.transport != nil {
		c.transport.close()
	}
}

func (c *client) connected() bool {
	return c.transport != nil && c.transport.connected.Load()
}

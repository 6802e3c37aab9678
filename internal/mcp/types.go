// Package mcp supervises external tool-servers speaking line-delimited
// JSON-RPC over stdio: subprocess lifecycle, the initialize handshake,
// tool and prompt discovery, and call dispatch.
package mcp

import (
	"encoding/json"
	"errors"
	"time"
)

// ServerSpec describes how to launch one tool-server.
type ServerSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"cwd,omitempty"`
}

// SpecFile is the watched servers.json document.
type SpecFile struct {
	Servers []ServerSpec `json:"servers"`
}

// Tool is a callable advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a reusable message template hosted by a server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt template.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// PromptContent is the content part of a prompt message. Only text is
// consumed; other kinds pass through untouched.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// GetPromptResult is the prompts/get response.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ToolResultContent is one block of a tools/call reply.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the tools/call response.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// JSON-RPC framing.

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Sentinel errors.
var (
	ErrNotConnected  = errors.New("mcp: server not connected")
	ErrUnknownServer = errors.New("mcp: unknown server")
	ErrUnknownTool   = errors.New("mcp: unknown tool")
	ErrUnknownPrompt = errors.New("mcp: unknown prompt")
)

// Timeouts.
const (
	initializeTimeout = 10 * time.Second
	connectTimeout    = 10 * time.Second
	closeGrace        = 2 * time.Second
)

// protocolVersion is the handshake version sent in initialize.
const protocolVersion = "2024-11-05"

// Package agent implements the turn loop that drives a chat backend
// against the tool set: dispatching tool calls, deduplicating repeats,
// budgeting the context window, and injecting knowledge.
package agent

import (
	"context"
	"encoding/json"
)

// Block is one content block of a message.
type Block struct {
	Type string // text, tool_use, tool_result

	// text blocks
	Text string

	// tool_use blocks
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result blocks
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock builds a text block.
func TextBlock(text string) Block { return Block{Type: "text", Text: text} }

// ToolResultBlock builds a tool_result block correlated to a tool_use.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn of conversation history.
type Message struct {
	Role   string // user or assistant
	Blocks []Block
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: "user", Blocks: []Block{TextBlock(text)}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Blocks {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolSpec is a tool definition as sent to the chat backend.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Usage is the token accounting one backend call reports.
type Usage struct {
	InputTokens   int
	OutputTokens  int
	CacheCreation int
	CacheRead     int
}

// Request is one chat backend call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int

	// ExtendedContext asks the backend for the long-context window.
	ExtendedContext bool
}

// Response is the backend's reply to a unary call.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// StreamEvent is one element of a streaming backend call.
type StreamEvent struct {
	Type    string // text, tool_use, done, error
	Text    string
	ToolUse *Block
	Usage   Usage
	Err     error
}

// ChatBackend is the model API the loop drives. Stream must be used
// for large max_tokens; Complete is acceptable otherwise.
type ChatBackend interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// collectStream drains a stream into a unary-shaped response.
func collectStream(events <-chan StreamEvent, onText func(string)) (*Response, error) {
	resp := &Response{Message: Message{Role: "assistant"}}
	var text string
	for ev := range events {
		switch ev.Type {
		case "text":
			text += ev.Text
			if onText != nil {
				onText(ev.Text)
			}
		case "tool_use":
			if ev.ToolUse != nil {
				resp.Message.Blocks = append(resp.Message.Blocks, *ev.ToolUse)
			}
		case "done":
			resp.Usage = ev.Usage
		case "error":
			return nil, ev.Err
		}
	}
	if text != "" {
		resp.Message.Blocks = append([]Block{TextBlock(text)}, resp.Message.Blocks...)
	}
	return resp, nil
}

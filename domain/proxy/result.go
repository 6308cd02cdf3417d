package proxy

import (
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// ContentBlock is one piece of a tool result. Type is "text", "data", or
// "unknown".
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Result is the uniform tool result envelope. Remote failures are carried
// as IsError rather than Go errors.
type Result struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// TextResult builds a successful single-text result.
func TextResult(text string) *Result {
	return &Result{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds an isError result carrying a terse message.
func ErrorResult(text string) *Result {
	return &Result{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// convertCallToolResult maps mcp-go content blocks into the envelope.
func convertCallToolResult(result *mcpgo.CallToolResult) *Result {
	if result == nil {
		return &Result{}
	}

	out := &Result{IsError: result.IsError}
	for _, content := range result.Content {
		var block ContentBlock
		if tc, ok := mcpgo.AsTextContent(content); ok {
			block = ContentBlock{Type: "text", Text: tc.Text}
		} else if ic, ok := mcpgo.AsImageContent(content); ok {
			block = ContentBlock{Type: "data", Data: map[string]any{
				"mimeType": ic.MIMEType,
				"data":     ic.Data,
			}}
		} else if ac, ok := mcpgo.AsAudioContent(content); ok {
			block = ContentBlock{Type: "data", Data: map[string]any{
				"mimeType": ac.MIMEType,
				"data":     ac.Data,
			}}
		} else {
			block = ContentBlock{Type: "unknown", Data: fmt.Sprintf("%T", content)}
		}
		out.Content = append(out.Content, block)
	}
	if out.Content == nil {
		out.Content = []ContentBlock{}
	}
	return out
}

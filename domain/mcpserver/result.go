package mcpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tooldock/tooldock/domain/proxy"
	"github.com/tooldock/tooldock/pkg/apperror"
)

// ContentBlock is one element of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the MCP tools/call result envelope.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// wrapResult converts a handler return value into the tools/call envelope.
// External results already carry content blocks and an error flag; those
// pass through. Strings pass through verbatim, everything else is
// pretty-printed JSON with non-ASCII preserved.
func wrapResult(value any) CallResult {
	if r, ok := value.(*proxy.Result); ok {
		return fromProxyResult(r)
	}
	text, ok := value.(string)
	if !ok {
		text = jsonText(value)
	}
	return CallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: false,
	}
}

// fromProxyResult maps a proxied envelope block for block. Remote failures
// keep their isError flag so the client sees them as tool errors.
func fromProxyResult(r *proxy.Result) CallResult {
	out := CallResult{
		Content: make([]ContentBlock, 0, len(r.Content)),
		IsError: r.IsError,
	}
	for _, block := range r.Content {
		if block.Type == "text" {
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: block.Text})
			continue
		}
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: jsonText(block.Data)})
	}
	if len(out.Content) == 0 {
		out.Content = []ContentBlock{{Type: "text", Text: ""}}
	}
	return out
}

func jsonText(value any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return "<unencodable result>"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// errorResult converts a tool failure into an isError result. The payload
// stays terse; internal errors never reach the client.
func errorResult(err error) CallResult {
	return CallResult{
		Content: []ContentBlock{{Type: "text", Text: "Error: " + terseError(err)}},
		IsError: true,
	}
}

func terseError(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Code + ": " + appErr.Message
	}
	return "internal_error: tool execution failed"
}

package mcpserver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldock/tooldock/domain/proxy"
	"github.com/tooldock/tooldock/pkg/apperror"
)

func TestWrapResultString(t *testing.T) {
	result := wrapResult("Hello, Alice!")
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "Hello, Alice!", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestWrapResultJSON(t *testing.T) {
	result := wrapResult(map[string]any{"sum": 3})
	assert.Equal(t, "{\n  \"sum\": 3\n}", result.Content[0].Text)
}

func TestWrapResultPreservesNonASCII(t *testing.T) {
	result := wrapResult(map[string]any{"greeting": "héllo <world> & more"})
	assert.Contains(t, result.Content[0].Text, "héllo <world> & more")
	assert.NotContains(t, result.Content[0].Text, "u003c")
}

func TestWrapResultProxyErrorPassthrough(t *testing.T) {
	result := wrapResult(proxy.ErrorResult("Error: remote exploded"))
	require.Len(t, result.Content, 1)
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: remote exploded", result.Content[0].Text)
}

func TestWrapResultProxySuccessPassthrough(t *testing.T) {
	result := wrapResult(&proxy.Result{
		Content: []proxy.ContentBlock{
			{Type: "text", Text: "first"},
			{Type: "data", Data: map[string]any{"mimeType": "image/png"}},
		},
	})
	require.Len(t, result.Content, 2)
	assert.False(t, result.IsError)
	assert.Equal(t, "first", result.Content[0].Text)
	assert.Contains(t, result.Content[1].Text, "image/png")
}

func TestErrorResultTerse(t *testing.T) {
	err := apperror.ErrToolTimeout.WithInternal(errors.New("goroutine stack at /home/user/src"))
	result := errorResult(err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "tool_timeout")
	assert.NotContains(t, result.Content[0].Text, "/home/user")
}

func TestErrorResultUnknownError(t *testing.T) {
	result := errorResult(errors.New("panic: secret path /etc/tooldock"))
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: internal_error: tool execution failed", result.Content[0].Text)
}

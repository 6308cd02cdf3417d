package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tooldock/tooldock/domain/proxy"
	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/internal/server"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/auth"
	"github.com/tooldock/tooldock/pkg/metrics"
	"github.com/tooldock/tooldock/pkg/sse"
)

type testEnv struct {
	echo   *echo.Echo
	reg    *registry.Registry
	broker *sse.Broker
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ToolTimeoutSeconds:  5,
		MCPProtocolVersion:  "2024-11-05",
		MCPProtocolVersions: []string{"2024-11-05", "2025-03-26"},
		MCPServerName:       "tooldock",
	}
	log := slog.Default()
	reg := registry.NewRegistry(cfg, log, metrics.NewMetrics())
	broker := sse.NewBroker()

	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	h := NewHandler(cfg, log, reg, broker)
	RegisterRoutes(&server.Frontends{MCP: e}, h, auth.NewMiddleware(cfg, log))

	return &testEnv{echo: e, reg: reg, broker: broker, cfg: cfg}
}

func (env *testEnv) registerGreet(t *testing.T, namespace string) {
	t.Helper()
	err := env.reg.Register(&registry.Entry{
		Name:        "greet",
		Description: "Greets a person",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "default": "World"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name := "World"
			if n, ok := args["name"].(string); ok {
				name = n
			}
			return fmt.Sprintf("Hello, %s!", name), nil
		},
	}, namespace)
	require.NoError(t, err)
}

func rpc(t *testing.T, env *testEnv, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func resultMap(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t"}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get(echo.HeaderContentType))
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	result := resultMap(t, resp)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	serverInfo := result["serverInfo"].(map[string]any)
	assert.Equal(t, "tooldock", serverInfo["name"])
}

func TestInitializeUnsupportedVersion(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01","clientInfo":{"name":"t"}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	data := resp.Error.Data.(map[string]any)
	assert.NotEmpty(t, data["supported"])
}

func TestInitializeDefaultVersion(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	assert.Equal(t, "2024-11-05", resultMap(t, resp)["protocolVersion"])
}

func TestInitializeNamespaceScoped(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/team/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	serverInfo := resultMap(t, resp)["serverInfo"].(map[string]any)
	assert.Equal(t, "tooldock/team", serverInfo["name"])
}

func TestNamespaceScopedCall(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/shared/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{"name":"Alice"}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	result := resultMap(t, resp)
	assert.Equal(t, false, result["isError"])
	content := result["content"].([]any)
	first := content[0].(map[string]any)
	assert.Equal(t, "Hello, Alice!", first["text"])
}

func TestCrossNamespaceCallRejected(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/team/mcp",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet","arguments":{}}}`, nil)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not found in namespace 'team'")
}

func TestBatchRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "batching is not supported")
}

func TestReservedNamespace404(t *testing.T) {
	env := newTestEnv(t)
	for _, ns := range []string{"api", "mcp", "tools", "health"} {
		rec := rpc(t, env, "/"+ns+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "namespace %s", ns)
	}

	// shared is reserved against creation but stays routable
	rec := rpc(t, env, "/shared/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseError(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":`, nil)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)
}

func TestWrongJSONRPCVersion(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, nil)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, nil)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestNotificationAccepted(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	// unknown notifications are dropped, not errored
	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","method":"notifications/progress"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, nil)

	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
}

func TestToolsList(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	tools := resultMap(t, resp)["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "greet", tool["name"])
	assert.NotNil(t, tool["inputSchema"])
}

func TestToolsListNamespaceScoped(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/team/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	assert.Empty(t, resultMap(t, resp)["tools"])
}

func TestSessionBinding(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/team/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	// the session's namespace scope follows it to the global endpoint
	rec = rpc(t, env, "/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{}}}`,
		map[string]string{"Mcp-Session-Id": sessionID})

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "not found in namespace 'team'")
}

func TestUnknownSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": "does-not-exist"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)

	del := func(sessionID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if sessionID != "" {
			req.Header.Set("Mcp-Session-Id", sessionID)
		}
		rec := httptest.NewRecorder()
		env.echo.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, del("").Code)
	assert.Equal(t, http.StatusNotFound, del("unknown").Code)

	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	assert.Equal(t, http.StatusOK, del(sessionID).Code)
	assert.Equal(t, http.StatusNotFound, del(sessionID).Code)
}

func TestToolFailureIsErrorResult(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.reg.Register(&registry.Entry{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, apperror.ErrToolError.WithMessage("upstream refused")
		},
	}, "team"))

	rec := rpc(t, env, "/team/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"flaky","arguments":{}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	result := resultMap(t, resp)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "upstream refused")
}

func TestExternalToolErrorKeepsFlag(t *testing.T) {
	env := newTestEnv(t)
	caller := registry.CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return proxy.ErrorResult("Error: remote exploded"), nil
	})
	require.NoError(t, env.reg.RegisterExternal(
		"ext:crash", "Always fails upstream", nil, "srv-1", "crash", caller, "ext"))

	rec := rpc(t, env, "/ext/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ext:crash","arguments":{}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	result := resultMap(t, resp)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "Error: remote exploded", text)
}

func TestExternalToolContentPassthrough(t *testing.T) {
	env := newTestEnv(t)
	caller := registry.CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		return proxy.TextResult("42 degrees"), nil
	})
	require.NoError(t, env.reg.RegisterExternal(
		"ext:forecast", "Weather", nil, "srv-1", "forecast", caller, "ext"))

	rec := rpc(t, env, "/ext/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ext:forecast","arguments":{}}}`, nil)

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	result := resultMap(t, resp)
	assert.Equal(t, false, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "42 degrees", text)
}

func TestExtraPropertyRejected(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	rec := rpc(t, env, "/shared/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","arguments":{"name":"A","bogus":1}}}`, nil)

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	result := resultMap(t, resp)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "validation_error")
}

func TestAcceptHeaderNegotiation(t *testing.T) {
	env := newTestEnv(t)

	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	// SSE-only accept wraps the single response in an event
	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: message\ndata: "))
}

func TestContentTypeRules(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParseError, resp.Error.Code)

	// a charset parameter on the request is tolerated
	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{echo.HeaderContentType: "application/json; charset=utf-8"})
	resp = decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
}

func TestOriginRejected(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.CORSOrigins = "https://ok.example"

	rec := rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{echo.HeaderOrigin: "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{echo.HeaderOrigin: "https://ok.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthBypassesAuth(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.BearerToken = "s3cret"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rpc(t, env, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{echo.HeaderAuthorization: "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInfoEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	req := httptest.NewRequest(http.MethodGet, "/mcp/info", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "tooldock", info["name"])
	assert.Equal(t, "streamable-http", info["transport"])
	assert.Contains(t, info["namespaces"], "shared")

	req = httptest.NewRequest(http.MethodGet, "/shared/mcp/info", nil)
	rec = httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "tooldock/shared", info["name"])
	assert.Equal(t, float64(1), info["tools"])
}

func TestNamespacesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.registerGreet(t, "shared")

	req := httptest.NewRequest(http.MethodGet, "/mcp/namespaces", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Namespaces []struct {
			Name  string `json:"name"`
			Tools int    `json:"tools"`
			Mode  string `json:"mode"`
		} `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Namespaces, 1)
	assert.Equal(t, "shared", body.Namespaces[0].Name)
	assert.Equal(t, 1, body.Namespaces[0].Tools)
	assert.Equal(t, "native", body.Namespaces[0].Mode)
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/team/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	// give the subscriber time to register before publishing
	require.Eventually(t, func() bool {
		return env.broker.SubscriberCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	env.broker.PublishNamespace("team", "reload", map[string]any{"namespace": "team"})

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(l, "event: ") {
				got <- l
				return
			}
		}
	}()
	select {
	case l := <-got:
		assert.Equal(t, "event: reload\n", l)
	case <-deadline:
		t.Fatal("no SSE event received")
	}
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

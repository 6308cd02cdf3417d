// Package mcpserver implements the MCP streamable HTTP transport: JSON-RPC
// 2.0 over POST, server-initiated SSE streams over GET, and session
// termination over DELETE, on both the global /mcp endpoint and the
// namespace-scoped /{namespace}/mcp variants.
package mcpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
	"github.com/tooldock/tooldock/pkg/sse"
)

const heartbeatInterval = 15 * time.Second

// Handler serves the MCP transport endpoints.
type Handler struct {
	cfg      *config.Config
	log      *slog.Logger
	reg      *registry.Registry
	broker   *sse.Broker
	sessions *SessionStore
}

func NewHandler(cfg *config.Config, log *slog.Logger, reg *registry.Registry, broker *sse.Broker) *Handler {
	return &Handler{
		cfg:      cfg,
		log:      log.With(logger.Scope("mcp.streamable")),
		reg:      reg,
		broker:   broker,
		sessions: NewSessionStore(),
	}
}

// Endpoint dispatches /mcp and /{namespace}/mcp by HTTP method.
func (h *Handler) Endpoint(c echo.Context) error {
	ns, ok := h.routeNamespace(c)
	if !ok {
		return apperror.ErrNamespaceNotFound
	}

	switch c.Request().Method {
	case http.MethodPost:
		return h.handlePost(c, ns)
	case http.MethodGet:
		return h.handleGet(c, ns)
	case http.MethodDelete:
		return h.handleDelete(c)
	default:
		return echo.NewHTTPError(http.StatusMethodNotAllowed)
	}
}

// routeNamespace extracts and guards the {namespace} path parameter.
// Reserved words 404 before any further processing.
func (h *Handler) routeNamespace(c echo.Context) (string, bool) {
	ns := c.Param("namespace")
	if ns == "" {
		return "", true
	}
	if registry.IsReservedRoute(ns) {
		return "", false
	}
	return ns, true
}

// --- POST: JSON-RPC ---

func (h *Handler) handlePost(c echo.Context, ns string) error {
	if err := h.checkOrigin(c); err != nil {
		return err
	}

	acceptsJSON, acceptsSSE, ok := negotiateAccept(c.Request().Header.Get(echo.HeaderAccept))
	if !ok {
		return apperror.New(http.StatusNotAcceptable, "not_acceptable",
			"Accept header must allow application/json or text/event-stream")
	}

	if resp := checkContentType(c.Request().Header.Get(echo.HeaderContentType)); resp != nil {
		return h.respond(c, resp, acceptsJSON, acceptsSSE)
	}

	// The request header is informational only; negotiation happens in
	// initialize params.
	if v := c.Request().Header.Get("MCP-Protocol-Version"); v != "" && !h.cfg.SupportsProtocolVersion(v) {
		h.log.Debug("ignoring unknown MCP-Protocol-Version header", slog.String("version", v))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.respond(c, NewErrorResponse(nil, ErrCodeParseError,
			"Failed to read request body", nil), acceptsJSON, acceptsSSE)
	}

	if isBatch(body) {
		return h.respond(c, NewErrorResponse(nil, ErrCodeInvalidRequest,
			"JSON-RPC batching is not supported", nil), acceptsJSON, acceptsSSE)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return h.respond(c, NewErrorResponse(nil, ErrCodeParseError,
			"Failed to parse JSON-RPC request", map[string]string{"error": err.Error()}), acceptsJSON, acceptsSSE)
	}

	if req.JSONRPC != "2.0" {
		return h.respond(c, NewErrorResponse(req.ID, ErrCodeInvalidRequest,
			`Invalid JSON-RPC version. Must be "2.0"`, nil), acceptsJSON, acceptsSSE)
	}

	// Session lookup is lenient: a missing header is fine for stateless
	// probes, an unknown or expired one is not.
	var session *Session
	if sessionID := c.Request().Header.Get("Mcp-Session-Id"); sessionID != "" && req.Method != "initialize" {
		session = h.sessions.Get(sessionID)
		if session == nil {
			return jsonNoCharset(c, http.StatusNotFound, NewErrorResponse(req.ID,
				ErrCodeInvalidRequest, "Session not found or expired. Reinitialize.", nil))
		}
	}

	// A session created on a namespace-scoped endpoint keeps that scope on
	// the global endpoint.
	scope := ns
	if scope == "" && session != nil {
		scope = session.Namespace
	}

	if req.IsNotification() {
		h.handleNotification(&req)
		return c.NoContent(http.StatusAccepted)
	}

	resp := h.dispatch(c, &req, ns, scope)
	return h.respond(c, resp, acceptsJSON, acceptsSSE)
}

func (h *Handler) dispatch(c echo.Context, req *Request, ns, scope string) *Response {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(c, req, ns)
	case "ping":
		return NewSuccessResponse(req.ID, map[string]any{})
	case "initialized", "notifications/initialized":
		return NewSuccessResponse(req.ID, map[string]any{})
	case "tools/list":
		return h.handleToolsList(req, scope)
	case "tools/call":
		return h.handleToolsCall(c, req, scope)
	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound,
			"Method not found: "+req.Method,
			map[string]any{"supported_methods": supportedMethods})
	}
}

func (h *Handler) handleInitialize(c echo.Context, req *Request, ns string) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams,
				"Invalid initialize params", map[string]string{"error": err.Error()})
		}
	}

	negotiated := h.cfg.MCPProtocolVersion
	if params.ProtocolVersion != "" {
		if !h.cfg.SupportsProtocolVersion(params.ProtocolVersion) {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams,
				"Unsupported protocol version: "+params.ProtocolVersion,
				map[string]any{"supported": h.cfg.MCPProtocolVersions})
		}
		negotiated = params.ProtocolVersion
	}

	session := h.sessions.Create(ns, negotiated, params.ClientInfo.Name, params.ClientInfo.Version)
	c.Response().Header().Set("Mcp-Session-Id", session.ID)

	h.log.Info("session initialized",
		slog.String("session_id", session.ID),
		slog.String("namespace", ns),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol", negotiated),
	)

	return NewSuccessResponse(req.ID, map[string]any{
		"protocolVersion": negotiated,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    h.serverName(ns),
			"version": "1.0.0",
		},
	})
}

func (h *Handler) handleToolsList(req *Request, scope string) *Response {
	var descriptors []registry.Descriptor
	if scope != "" {
		descriptors = h.reg.ListForNamespace(scope)
	} else {
		descriptors = h.reg.ListAll()
	}

	type tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}
	tools := make([]tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return NewSuccessResponse(req.ID, map[string]any{"tools": tools})
}

func (h *Handler) handleToolsCall(c echo.Context, req *Request, scope string) *Response {
	var params ToolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidParams,
				"Invalid tools/call params", map[string]string{"error": err.Error()})
		}
	}
	if params.Name == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams,
			"Missing required parameter: name", map[string]any{"required": []string{"name"}})
	}

	if scope != "" && !h.reg.ToolInNamespace(params.Name, scope) {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams,
			fmt.Sprintf("Tool '%s' not found in namespace '%s'", params.Name, scope), nil)
	}

	result, err := h.reg.Call(c.Request().Context(), params.Name, params.Arguments)
	if err != nil {
		h.log.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("namespace", scope),
			logger.Error(err),
		)
		// Tool failures stay HTTP 200: the JSON-RPC call itself succeeded.
		return NewSuccessResponse(req.ID, errorResult(err))
	}
	return NewSuccessResponse(req.ID, wrapResult(result))
}

func (h *Handler) handleNotification(req *Request) {
	switch req.Method {
	case "initialized", "notifications/initialized":
		h.log.Debug("client initialized")
	default:
		// Unknown notifications are dropped silently.
		h.log.Debug("unknown notification", slog.String("method", req.Method))
	}
}

// --- GET: server-initiated SSE stream ---

func (h *Handler) handleGet(c echo.Context, ns string) error {
	if !strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return apperror.New(http.StatusNotAcceptable, "not_acceptable",
			"Server-initiated streams require Accept: text/event-stream")
	}

	if sessionID := c.Request().Header.Get("Mcp-Session-Id"); sessionID != "" {
		if h.sessions.Get(sessionID) == nil {
			return apperror.NewNotFound("Session", sessionID)
		}
	}

	var sub *sse.Subscription
	if ns != "" {
		sub = h.broker.SubscribeNamespace(ns)
	} else {
		sub = h.broker.Subscribe()
	}
	defer sub.Cancel()

	writer := sse.NewWriter(c.Response())
	if err := writer.Start(); err != nil {
		return apperror.NewInternal("Streaming unsupported", err)
	}
	writer.WriteComment("connected")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			writer.Close()
			return nil
		case msg := <-sub.C:
			if err := writer.WriteEvent(msg.Event, msg.Data); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := writer.WriteComment("heartbeat"); err != nil {
				return nil
			}
		}
	}
}

// --- DELETE: session termination ---

func (h *Handler) handleDelete(c echo.Context) error {
	sessionID := c.Request().Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		return apperror.NewBadRequest("Mcp-Session-Id header is required")
	}
	if !h.sessions.Delete(sessionID) {
		return apperror.NewNotFound("Session", sessionID)
	}
	h.log.Info("session terminated", slog.String("session_id", sessionID))
	return jsonNoCharset(c, http.StatusOK, map[string]any{"status": "terminated"})
}

// --- Discovery endpoints ---

// Info serves the non-standard /mcp/info discovery document.
func (h *Handler) Info(c echo.Context) error {
	ns, ok := h.routeNamespace(c)
	if !ok {
		return apperror.ErrNamespaceNotFound
	}

	base := "/mcp"
	if ns != "" {
		base = "/" + ns + "/mcp"
	}
	info := map[string]any{
		"name":              h.serverName(ns),
		"version":           "1.0.0",
		"transport":         "streamable-http",
		"protocol_versions": h.cfg.MCPProtocolVersions,
		"endpoints": map[string]string{
			"mcp": base,
			"sse": base + "/sse",
		},
	}
	if ns != "" {
		info["namespace"] = ns
		info["tools"] = len(h.reg.ListForNamespace(ns))
	} else {
		namespaces := h.reg.Namespaces()
		sort.Strings(namespaces)
		info["namespaces"] = namespaces
	}
	return jsonNoCharset(c, http.StatusOK, info)
}

// Namespaces enumerates namespaces with tool counts.
func (h *Handler) Namespaces(c echo.Context) error {
	stats := h.reg.Stats()

	type entry struct {
		Name  string `json:"name"`
		Tools int    `json:"tools"`
		Mode  string `json:"mode"`
	}
	entries := make([]entry, 0, len(stats.PerNS))
	for name, ns := range stats.PerNS {
		entries = append(entries, entry{Name: name, Tools: ns.Native + ns.External, Mode: ns.Mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return jsonNoCharset(c, http.StatusOK, map[string]any{"namespaces": entries})
}

// Health reports liveness and tool stats. Unauthenticated.
func (h *Handler) Health(c echo.Context) error {
	return jsonNoCharset(c, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  h.reg.Stats(),
	})
}

func (h *Handler) serverName(ns string) string {
	if ns == "" {
		return h.cfg.MCPServerName
	}
	return h.cfg.MCPServerName + "/" + ns
}

// checkOrigin enforces the configured CORS allow-list on the JSON-RPC
// endpoint. A wildcard configuration admits any origin.
func (h *Handler) checkOrigin(c echo.Context) error {
	allowed := h.cfg.AllowedOrigins()
	if allowed == nil {
		return nil
	}
	origin := c.Request().Header.Get(echo.HeaderOrigin)
	if origin == "" {
		return nil
	}
	for _, o := range allowed {
		if o == origin {
			return nil
		}
	}
	return apperror.New(http.StatusForbidden, "forbidden", "Origin not allowed")
}

// respond writes the JSON-RPC response as plain JSON, or as a single SSE
// event when the client only accepts text/event-stream.
func (h *Handler) respond(c echo.Context, resp *Response, acceptsJSON, acceptsSSE bool) error {
	if acceptsJSON || !acceptsSSE {
		return jsonNoCharset(c, http.StatusOK, resp)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)
	_, err = fmt.Fprintf(c.Response(), "event: message\ndata: %s\n\n", data)
	return err
}

// negotiateAccept parses the Accept header for POST. Absent or wildcard
// accepts JSON; an explicit incompatible type accepts nothing.
func negotiateAccept(header string) (acceptsJSON, acceptsSSE, ok bool) {
	if strings.TrimSpace(header) == "" {
		return true, false, true
	}
	for _, part := range strings.Split(header, ",") {
		mediaType := strings.TrimSpace(part)
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = strings.TrimSpace(mediaType[:i])
		}
		switch mediaType {
		case "application/json", "application/*", "*/*":
			acceptsJSON = true
		case "text/event-stream":
			acceptsSSE = true
		}
	}
	return acceptsJSON, acceptsSSE, acceptsJSON || acceptsSSE
}

// checkContentType validates the POST Content-Type. Parameters such as
// charset are tolerated on requests.
func checkContentType(header string) *Response {
	if header == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return NewErrorResponse(nil, ErrCodeParseError, "Malformed Content-Type header", nil)
	}
	switch mediaType {
	case "application/json", "application/*", "*/*":
		return nil
	}
	return NewErrorResponse(nil, ErrCodeParseError,
		"Unsupported Content-Type: "+mediaType, nil)
}

// isBatch reports whether the body is a JSON array.
func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// jsonNoCharset writes JSON with a bare application/json content type.
// Strict MCP clients reject a charset parameter.
func jsonNoCharset(c echo.Context, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/json")
	c.Response().WriteHeader(status)
	_, err = c.Response().Write(data)
	return err
}

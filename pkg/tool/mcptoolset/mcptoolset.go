// Package mcptoolset implements the Model Context Protocol transports an
// expert worker uses to reach a tool server: stdio (subprocess spawned and
// torn down within the call that uses it) and streamable-http (talking to
// an already-running process owned by the tool-server supervisor).
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowmesh/orchestrator/pkg/httpclient"
	"github.com/flowmesh/orchestrator/pkg/tool"
)

// DefaultSSEResponseTimeout bounds how long we wait for a streamable-http
// MCP response delivered over an SSE body.
const DefaultSSEResponseTimeout = 5 * time.Minute

// Config configures one MCP connection.
type Config struct {
	Name string

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// Streamable-HTTP transport — URL of an already-running tool server
	// (supplied by the tool-server supervisor's start() result).
	URL string

	Filter     []string
	MaxRetries int
	SSETimeout time.Duration
}

func (c Config) isStdio() bool { return c.Command != "" }

// Toolset is a single MCP connection scoped to the lifetime the caller
// holds it open for. For stdio, the first Tools call spawns the subprocess;
// Close always terminates it — callers must call Tools and Close within one
// expert-runner call so no child survives past the call.
type Toolset struct {
	cfg       Config
	filterSet map[string]bool

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	sessionMu  sync.RWMutex
	tools      []tool.Tool
	open       bool
}

func New(cfg Config) (*Toolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcptoolset: either url or command is required")
	}
	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSEResponseTimeout
	}
	return &Toolset{cfg: cfg, filterSet: filterSet}, nil
}

func (t *Toolset) Name() string { return t.cfg.Name }

// Tools connects on first call (lazily within this Toolset's scope — not
// across calls, since a Toolset instance itself is call-scoped) and returns
// the filtered tool list.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcptoolset: connect %q: %w", t.cfg.Name, err)
		}
	}
	return t.tools, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	if t.cfg.isStdio() {
		return t.connectStdio(ctx)
	}
	return t.connectHTTP(ctx)
}

func (t *Toolset) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "orchestrator", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var tools []tool.Tool
	for _, mt := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[mt.Name] {
			continue
		}
		tools = append(tools, &wrapper{toolset: t, name: mt.Name, desc: mt.Description, schema: convertSchema(mt.InputSchema), stdio: true})
	}

	t.stdio = mcpClient
	t.tools = tools
	t.open = true
	slog.Debug("mcp stdio connected", "name", t.cfg.Name, "command", t.cfg.Command, "tools", len(tools))
	return nil
}

func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(t.cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Second),
	)

	initResp, err := t.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "orchestrator", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	listResp, err := t.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("list tools: %s", listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)

	var tools []tool.Tool
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if t.filterSet != nil && !t.filterSet[name] {
			continue
		}
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, &wrapper{toolset: t, name: name, desc: desc, schema: schema})
	}

	t.tools = tools
	t.open = true
	slog.Debug("mcp http connected", "name", t.cfg.Name, "url", t.cfg.URL, "tools", len(tools))
	return nil
}

// Close terminates the stdio subprocess (if any) and forgets the tool list.
// Safe to call even if Tools was never called.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.stdio != nil {
		err = t.stdio.Close()
		t.stdio = nil
	}
	t.httpClient = nil
	t.tools = nil
	t.open = false
	return err
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *Toolset) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		t.sessionMu.Lock()
		t.sessionID = sid
		t.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSE(resp, t.cfg.SSETimeout)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out jsonRPCResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

func readSSE(resp *http.Response, timeout time.Duration) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if data.Len() > 0 {
					var out jsonRPCResponse
					if json.Unmarshal([]byte(data.String()), &out) == nil {
						ch <- result{resp: &out}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
		ch <- result{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", timeout)
	}
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	json.Unmarshal(data, &out)
	return out
}

// wrapper adapts one MCP tool as a tool.CallableTool.
type wrapper struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
	stdio   bool
}

func (w *wrapper) Name() string             { return w.name }
func (w *wrapper) Description() string      { return w.desc }
func (w *wrapper) IsLongRunning() bool      { return false }
func (w *wrapper) RequiresApproval() bool   { return false }
func (w *wrapper) Schema() map[string]any   { return w.schema }

func (w *wrapper) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	if w.stdio {
		return w.callStdio(ctx, args)
	}
	return w.callHTTP(ctx, args)
}

func (w *wrapper) callStdio(ctx context.Context, args map[string]any) (map[string]any, error) {
	w.toolset.mu.Lock()
	c := w.toolset.stdio
	w.toolset.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcp stdio client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	return parseResult(resp)
}

func (w *wrapper) callHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := w.toolset.rpc(ctx, "tools/call", map[string]any{"name": w.name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	out := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		out["result"] = resp.Result
		return out, nil
	}

	if isErr, _ := resultMap["isError"].(bool); isErr {
		out["error"] = firstText(resultMap)
		if out["error"] == nil {
			out["error"] = "unknown error"
		}
		return out, nil
	}

	texts := collectTexts(resultMap)
	switch len(texts) {
	case 0:
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out, nil
}

func firstText(resultMap map[string]any) any {
	content, _ := resultMap["content"].([]any)
	for _, c := range content {
		if cm, ok := c.(map[string]any); ok {
			if text, ok := cm["text"].(string); ok {
				return text
			}
		}
	}
	return nil
}

func collectTexts(resultMap map[string]any) []string {
	content, _ := resultMap["content"].([]any)
	var texts []string
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || cm["type"] != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}

func parseResult(resp *mcp.CallToolResult) (map[string]any, error) {
	out := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				out["error"] = tc.Text
				break
			}
		}
		if out["error"] == nil {
			out["error"] = "unknown error"
		}
		return out, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 1:
		out["result"] = texts[0]
	default:
		if len(texts) > 1 {
			out["results"] = texts
		}
	}
	return out, nil
}

var (
	_ tool.Toolset      = (*Toolset)(nil)
	_ tool.CallableTool = (*wrapper)(nil)
)

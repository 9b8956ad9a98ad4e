package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hotaru-run/hotaru/internal/event"
	"github.com/hotaru-run/hotaru/internal/logging"
)

// Client manages connections to language servers, one per (server, root)
// pair spawned lazily on first touched file.
type Client struct {
	mu       sync.RWMutex
	clients  map[string]*languageClient
	servers  map[string]*ServerConfig
	broken   map[string]bool
	workDir  string
	disabled bool
}

// languageClient wraps a connection to a single language server process.
type languageClient struct {
	mu        sync.Mutex
	conn      *jsonrpcConn
	cmd       *exec.Cmd
	root      string
	serverID  string
	openFiles map[string]int // URI -> version

	diagMu      sync.Mutex
	diagnostics map[string][]Diagnostic
	waiters     map[string][]chan struct{}
	debounce    map[string]*debounceTimer
}

// jsonrpcConn manages JSON-RPC 2.0 communication over a child process's
// stdio, correlating responses to outstanding calls and routing unsolicited
// traffic (notifications and server-initiated requests) to the owning
// languageClient.
type jsonrpcConn struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID int64

	mu      sync.Mutex
	pending map[int64]chan *rpcEnvelope
	closed  bool

	onNotify  func(method string, params json.RawMessage)
	onRequest func(method string, params json.RawMessage) (any, error)
}

// rpcEnvelope is the wire shape for every message read off a server's
// stdout: a response has ID+Result/Error, a notification has Method with no
// ID, a server-to-client request has both Method and ID.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewClient creates a new LSP client manager rooted at workDir.
func NewClient(workDir string, disabled bool) *Client {
	return &Client{
		clients:  make(map[string]*languageClient),
		servers:  builtInServers(),
		broken:   make(map[string]bool),
		workDir:  workDir,
		disabled: disabled,
	}
}

// builtInServers returns default language server configurations, each with
// its own root-anchor files (and, where relevant, exclusion anchors that
// suppress the server in favor of a more specific one for the same
// extensions).
func builtInServers() map[string]*ServerConfig {
	return map[string]*ServerConfig{
		"typescript": {
			ID:             "typescript",
			Extensions:     []string{".ts", ".tsx", ".js", ".jsx"},
			Command:        []string{"typescript-language-server", "--stdio"},
			RootAnchors:    []string{"package.json", "tsconfig.json", "package-lock.json"},
			ExcludeAnchors: []string{"deno.json", "deno.jsonc"},
		},
		"deno": {
			ID:          "deno",
			Extensions:  []string{".ts", ".tsx", ".js", ".jsx"},
			Command:     []string{"deno", "lsp"},
			RootAnchors: []string{"deno.json", "deno.jsonc"},
		},
		"go": {
			ID:          "go",
			Extensions:  []string{".go"},
			Command:     []string{"gopls"},
			RootAnchors: []string{"go.mod"},
		},
		"python": {
			ID:          "python",
			Extensions:  []string{".py"},
			Command:     []string{"pyright-langserver", "--stdio"},
			RootAnchors: []string{"pyproject.toml", "setup.py", "requirements.txt"},
		},
		"rust": {
			ID:          "rust",
			Extensions:  []string{".rs"},
			Command:     []string{"rust-analyzer"},
			RootAnchors: []string{"Cargo.toml"},
		},
		"clangd": {
			ID:          "clangd",
			Extensions:  []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hpp"},
			Command:     []string{"clangd"},
			RootAnchors: []string{"compile_commands.json"},
		},
	}
}

// AddServer adds or replaces a server configuration.
func (c *Client) AddServer(config *ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[config.ID] = config
}

// GetClient returns or creates the client for the server handling filePath,
// spawning it lazily on first use. A (server, root) pair that previously
// failed to initialize is never retried for the life of the process.
func (c *Client) GetClient(ctx context.Context, filePath string) (*languageClient, error) {
	if c.disabled {
		return nil, fmt.Errorf("lsp: disabled")
	}

	serverConfig, ok := c.serverFor(filePath)
	if !ok {
		return nil, fmt.Errorf("lsp: no server for %s", filePath)
	}

	root := c.findProjectRoot(filePath, serverConfig.ID)
	clientKey := serverConfig.ID + ":" + root

	c.mu.RLock()
	if c.broken[clientKey] {
		c.mu.RUnlock()
		return nil, fmt.Errorf("lsp: %s is marked broken for %s", serverConfig.ID, root)
	}
	if client, ok := c.clients[clientKey]; ok {
		c.mu.RUnlock()
		return client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken[clientKey] {
		return nil, fmt.Errorf("lsp: %s is marked broken for %s", serverConfig.ID, root)
	}
	if client, ok := c.clients[clientKey]; ok {
		return client, nil
	}

	client, err := c.spawnServer(ctx, serverConfig, root)
	if err != nil {
		c.broken[clientKey] = true
		logging.Warn().Str("server", serverConfig.ID).Str("root", root).Err(err).Msg("lsp: spawn failed, marking broken for this run")
		return nil, err
	}

	c.clients[clientKey] = client
	event.Publish(event.Event{Type: event.LSPUpdated})
	return client, nil
}

// serverFor picks the server config that handles filePath's extension,
// respecting exclusion anchors (e.g. a deno.json in the file's ancestry
// suppresses the generic typescript server).
func (c *Client) serverFor(filePath string) (*ServerConfig, bool) {
	ext := filepath.Ext(filePath)
	if ext == "" {
		return nil, false
	}

	dir := filepath.Dir(filePath)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []*ServerConfig
	for _, cfg := range c.servers {
		for _, e := range cfg.Extensions {
			if e == ext {
				candidates = append(candidates, cfg)
				break
			}
		}
	}

	for _, cfg := range candidates {
		if anchorFound(dir, cfg.RootAnchors) && !anchorFound(dir, cfg.ExcludeAnchors) {
			return cfg, true
		}
	}
	// Fall back to any candidate whose exclusion anchors aren't present.
	for _, cfg := range candidates {
		if !anchorFound(dir, cfg.ExcludeAnchors) {
			return cfg, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return nil, false
}

// anchorFound walks up from dir looking for any of the given anchor file
// names. An empty anchor list never matches.
func anchorFound(dir string, anchors []string) bool {
	if len(anchors) == 0 {
		return false
	}
	for {
		for _, a := range anchors {
			if _, err := os.Stat(filepath.Join(dir, a)); err == nil {
				return true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

// spawnServer starts a language server process and performs the LSP
// handshake.
func (c *Client) spawnServer(ctx context.Context, config *ServerConfig, root string) (*languageClient, error) {
	if len(config.Command) == 0 {
		return nil, fmt.Errorf("lsp: empty command for server %s", config.ID)
	}

	cmd := exec.CommandContext(ctx, config.Command[0], config.Command[1:]...)
	cmd.Dir = root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("lsp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lsp: start %s: %w", config.Command[0], err)
	}

	conn := &jsonrpcConn{
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		pending: make(map[int64]chan *rpcEnvelope),
	}

	client := &languageClient{
		conn:        conn,
		cmd:         cmd,
		root:        root,
		serverID:    config.ID,
		openFiles:   make(map[string]int),
		diagnostics: make(map[string][]Diagnostic),
		waiters:     make(map[string][]chan struct{}),
		debounce:    make(map[string]*debounceTimer),
	}

	conn.onNotify = client.handleNotification
	conn.onRequest = client.handleServerRequest

	go conn.readLoop()

	if err := client.initialize(ctx, root); err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, err
	}

	return client, nil
}

// handleServerRequest answers server-to-client requests with minimal
// affirmations; the runtime never needs to act on configuration queries,
// capability registration, progress tokens, or workspace-folder lookups.
func (lc *languageClient) handleServerRequest(method string, params json.RawMessage) (any, error) {
	switch method {
	case "workspace/configuration":
		var req struct {
			Items []any `json:"items"`
		}
		_ = json.Unmarshal(params, &req)
		result := make([]any, len(req.Items))
		return result, nil
	case "workspace/workspaceFolders":
		return []map[string]string{{"uri": "file://" + lc.root, "name": filepath.Base(lc.root)}}, nil
	case "client/registerCapability", "client/unregisterCapability":
		return nil, nil
	case "window/workDoneProgress/create":
		return nil, nil
	default:
		return nil, nil
	}
}

// handleNotification processes unsolicited notifications from the server.
// Only publishDiagnostics is meaningful to this runtime today; everything
// else (log/window messages, progress) is ignored.
func (lc *languageClient) handleNotification(method string, params json.RawMessage) {
	if method != "textDocument/publishDiagnostics" {
		return
	}
	var notif struct {
		URI         string       `json:"uri"`
		Diagnostics []Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(params, &notif); err != nil {
		return
	}
	lc.recordDiagnostics(notif.URI, notif.Diagnostics)
}

func (c *jsonrpcConn) readLoop() {
	for {
		msg, err := c.readMessage()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[int64]chan *rpcEnvelope)
			c.mu.Unlock()
			return
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			id := *msg.ID
			method, params := msg.Method, msg.Params
			go func() {
				var result any
				var rpcErr *JSONRPCError
				if c.onRequest != nil {
					res, err := c.onRequest(method, params)
					if err != nil {
						rpcErr = &JSONRPCError{Code: -32603, Message: err.Error()}
					} else {
						result = res
					}
				}
				payload := struct {
					JSONRPC string        `json:"jsonrpc"`
					ID      int64         `json:"id"`
					Result  any           `json:"result,omitempty"`
					Error   *JSONRPCError `json:"error,omitempty"`
				}{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
				_ = c.writeMessage(payload)
			}()
		case msg.Method != "":
			if c.onNotify != nil {
				c.onNotify(msg.Method, msg.Params)
			}
		case msg.ID != nil:
			c.mu.Lock()
			if ch, ok := c.pending[*msg.ID]; ok {
				ch <- msg
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
		}
	}
}

func (c *jsonrpcConn) readMessage() (*rpcEnvelope, error) {
	var contentLength int
	for {
		line, err := c.stdout.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, _ = strconv.Atoi(lenStr)
		}
	}
	if contentLength == 0 {
		return nil, fmt.Errorf("lsp: missing content-length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.stdout, body); err != nil {
		return nil, err
	}

	var msg rpcEnvelope
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *jsonrpcConn) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("lsp: connection closed")
	}

	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan *rpcEnvelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return fmt.Errorf("lsp: connection closed")
		}
		if resp.Error != nil {
			return fmt.Errorf("lsp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *jsonrpcConn) notify(ctx context.Context, method string, params any) error {
	req := JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params}
	return c.writeMessage(req)
}

func (c *jsonrpcConn) writeMessage(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.stdin.Write([]byte(header)); err != nil {
		return err
	}
	_, err = c.stdin.Write(body)
	return err
}

func (lc *languageClient) initialize(ctx context.Context, root string) error {
	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   "file://" + root,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Hover: &HoverCapability{ContentFormat: []string{"plaintext", "markdown"}},
				DocumentSymbol: &DocumentSymbolCapability{
					SymbolKind: &SymbolKindCapability{ValueSet: AllSymbolKinds()},
				},
			},
			Workspace: WorkspaceClientCapabilities{
				Symbol: &WorkspaceSymbolCapability{
					SymbolKind: &SymbolKindCapability{ValueSet: AllSymbolKinds()},
				},
			},
		},
	}

	var result json.RawMessage
	if err := lc.conn.call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	return lc.conn.notify(ctx, "initialized", struct{}{})
}

// findProjectRoot walks up from filePath looking for the server's anchor
// files, falling back to the manager's workDir.
func (c *Client) findProjectRoot(filePath, serverID string) string {
	dir := filepath.Dir(filePath)

	c.mu.RLock()
	cfg := c.servers[serverID]
	c.mu.RUnlock()

	anchors := []string{".git"}
	if cfg != nil && len(cfg.RootAnchors) > 0 {
		anchors = cfg.RootAnchors
	}

	for {
		for _, marker := range anchors {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return c.workDir
}

// Status returns the status of every spawned language server.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var status []ServerStatus
	for key, client := range c.clients {
		status = append(status, ServerStatus{ID: client.serverID, Root: client.root, Key: key, Active: true})
	}
	return status
}

// BrokenServers returns the serverID:root keys of every (server, root)
// pair whose spawn attempt failed during this process's lifetime.
func (c *Client) BrokenServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.broken))
	for key := range c.broken {
		keys = append(keys, key)
	}
	return keys
}

// Close shuts down every spawned language server: send shutdown and exit
// notifications, then kill the process. Each connection's read loop then
// fails its pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()
	for _, client := range c.clients {
		client.conn.notify(ctx, "shutdown", nil)
		client.conn.notify(ctx, "exit", nil)
		if client.cmd.Process != nil {
			client.cmd.Process.Kill()
		}
	}

	c.clients = make(map[string]*languageClient)
	return nil
}

func (c *Client) IsDisabled() bool { return c.disabled }

func (c *Client) SetDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = disabled
}

// GetServers returns a copy of the configured servers.
func (c *Client) GetServers() map[string]*ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make(map[string]*ServerConfig)
	for k, v := range c.servers {
		servers[k] = v
	}
	return servers
}

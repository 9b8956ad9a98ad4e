// Package runtime wires every subsystem — event bus, permission and
// question gating, tool registry, agent registry, MCP and LSP managers,
// session service, storage — into one container with explicit startup,
// health, and shutdown ordering. It replaces the ad hoc wiring that used to
// live inline in cmd/opencode-server/main.go and internal/server/server.go.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hotaru-run/hotaru/internal/agent"
	"github.com/hotaru-run/hotaru/internal/config"
	"github.com/hotaru-run/hotaru/internal/event"
	"github.com/hotaru-run/hotaru/internal/instance"
	"github.com/hotaru-run/hotaru/internal/logging"
	"github.com/hotaru-run/hotaru/internal/lsp"
	"github.com/hotaru-run/hotaru/internal/mcp"
	"github.com/hotaru-run/hotaru/internal/permission"
	"github.com/hotaru-run/hotaru/internal/provider"
	"github.com/hotaru-run/hotaru/internal/session"
	"github.com/hotaru-run/hotaru/internal/storage"
	"github.com/hotaru-run/hotaru/internal/tool"
	"github.com/hotaru-run/hotaru/pkg/types"
)

// HealthStatus summarizes the container's overall health after Start.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// Health reports the container's current health. A non-empty Degraded list
// names the non-critical subsystems (by server name) that failed to start
// or are currently reporting an error, without having aborted startup.
type Health struct {
	Status   HealthStatus
	Degraded []string
}

// Container aggregates every long-lived subsystem the agent runtime needs
// and owns their construction, startup sequencing, and shutdown ordering.
type Container struct {
	Bus            *event.Bus
	PermChecker    *permission.Checker
	QuestionBroker *permission.QuestionBroker
	ToolRegistry   *tool.Registry
	AgentRegistry  *agent.Registry
	MCPClient      *mcp.Client
	LSPClient      *lsp.Client
	ProviderReg    *provider.Registry
	SessionService *session.Service
	Storage        *storage.Storage
	AppConfig      *types.Config
	WorkDir        string
}

// New constructs every subsystem and wires them to each other, but does
// not start anything that touches the network or spawns processes — that
// happens in Start.
func New(workDir string, appConfig *types.Config) (*Container, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("runtime: ensure paths: %w", err)
	}

	store := storage.New(paths.StoragePath())

	providerReg, err := provider.InitializeProviders(context.Background(), appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("runtime: some providers failed to initialize")
	}

	permChecker := permission.NewChecker()
	questionBroker := permission.NewQuestionBroker()
	agentReg := agent.NewRegistry()
	for _, a := range agent.BuiltInAgents() {
		agentReg.Register(a)
	}

	toolReg := tool.DefaultRegistry(workDir, store)
	toolReg.WithPermissionChecker(permChecker, rulesetsFromConfig(appConfig)...)
	toolReg.WithOutputDir(paths.StoragePath())
	toolReg.RegisterTaskTool(agentReg)

	lspDisabled := appConfig != nil && appConfig.LSP != nil && appConfig.LSP.Disabled
	lspClient := lsp.NewClient(workDir, lspDisabled)
	toolReg.WithLSP(lspClient)

	mcpClient := mcp.NewClient()

	var defaultProviderID, defaultModelID string
	if appConfig != nil && appConfig.Model != "" {
		defaultProviderID, defaultModelID = provider.ParseModelString(appConfig.Model)
	}
	sessionService := session.NewServiceWithProcessor(store, providerReg, toolReg, permChecker, defaultProviderID, defaultModelID)

	return &Container{
		Bus:            event.NewBus(),
		PermChecker:    permChecker,
		QuestionBroker: questionBroker,
		ToolRegistry:   toolReg,
		AgentRegistry:  agentReg,
		MCPClient:      mcpClient,
		LSPClient:      lspClient,
		ProviderReg:    providerReg,
		SessionService: sessionService,
		Storage:        store,
		AppConfig:      appConfig,
		WorkDir:        workDir,
	}, nil
}

// rulesetsFromConfig extracts the permission rulesets the tool registry
// enforces from app configuration. Config doesn't yet expose structured
// rulesets beyond per-tool defaults, so this returns none until that
// surface grows; the registry runs in ask-by-default mode in the meantime.
func rulesetsFromConfig(appConfig *types.Config) []permission.RuleSet {
	return nil
}

// Start launches every subsystem that needs to reach out to the network or
// spawn a process. MCP is critical: any server failing to connect cancels
// the whole start and Start returns an error. LSP is non-critical: a
// misconfigured or missing language server only downgrades Health to
// degraded, since most sessions run without ever touching one.
func (c *Container) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.startMCP(gctx)
	})

	g.Go(func() error {
		c.startLSP(gctx)
		return nil
	})

	return g.Wait()
}

func (c *Container) startMCP(ctx context.Context) error {
	if c.AppConfig == nil || c.AppConfig.MCP == nil {
		return nil
	}

	for name, cfg := range c.AppConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
			OAuth:       convertMCPOAuth(cfg.OAuth),
		}
		if err := c.MCPClient.AddServer(ctx, name, mcpCfg); err != nil {
			return fmt.Errorf("runtime: mcp server %s: %w", name, err)
		}
	}
	return nil
}

// startLSP registers any custom language servers named in config. Real
// language server processes spawn lazily on first touched file, so there
// is nothing to block on here beyond config validation; a bad command
// doesn't surface until the first file of that language is touched, at
// which point it marks itself broken rather than retrying.
func (c *Container) startLSP(ctx context.Context) {
	if c.AppConfig == nil || c.AppConfig.LSP == nil || c.AppConfig.LSP.Disabled {
		return
	}

	for language, command := range c.AppConfig.LSP.Servers {
		c.LSPClient.AddServer(&lsp.ServerConfig{
			ID:         language,
			Extensions: languageExtensions[language],
			Command:    strings.Fields(command),
		})
	}
}

// languageExtensions maps a config-file language key to the file
// extensions a custom server entry should handle; languages outside this
// set can still be configured but won't be matched by extension.
var languageExtensions = map[string][]string{
	"go":         {".go"},
	"python":     {".py"},
	"rust":       {".rs"},
	"typescript": {".ts", ".tsx", ".js", ".jsx"},
	"c":          {".c", ".h"},
	"cpp":        {".cc", ".cpp", ".cxx", ".hpp"},
	"ruby":       {".rb"},
	"java":       {".java"},
}

// Health reports the container's aggregate health: degraded whenever any
// language server has failed to spawn or any MCP server is reporting a
// failure, without either having aborted startup.
func (c *Container) Health() Health {
	var degraded []string

	for _, key := range c.LSPClient.BrokenServers() {
		degraded = append(degraded, "lsp:"+key)
	}
	for _, s := range c.MCPClient.Status() {
		if s.Status == mcp.StatusFailed {
			degraded = append(degraded, "mcp:"+s.Name)
		}
	}

	if len(degraded) == 0 {
		return Health{Status: HealthOK}
	}
	return Health{Status: HealthDegraded, Degraded: degraded}
}

// Shutdown stops the session runner, shuts down MCP/LSP/permission/
// question concurrently (errors are collected and logged, never raised),
// disposes every live instance, and closes the event bus.
func (c *Container) Shutdown(ctx context.Context) error {
	c.SessionService.Shutdown()

	var wg sync.WaitGroup
	shutdowns := []struct {
		name string
		fn   func() error
	}{
		{"mcp", c.MCPClient.Close},
		{"lsp", c.LSPClient.Close},
		{"permission", func() error { c.PermChecker.Shutdown(); return nil }},
		{"question", func() error { c.QuestionBroker.Shutdown(); return nil }},
	}

	for _, s := range shutdowns {
		wg.Add(1)
		go func(name string, fn func() error) {
			defer wg.Done()
			if err := fn(); err != nil {
				logging.Warn().Str("subsystem", name).Err(err).Msg("runtime: shutdown error")
			}
		}(s.name, s.fn)
	}
	wg.Wait()

	instance.DisposeAll(ctx)
	c.ToolRegistry.StopOutputCleanup()

	return c.Bus.Close()
}

func convertMCPOAuth(cfg *types.MCPOAuthConfig) *mcp.OAuthConfig {
	if cfg == nil {
		return nil
	}
	return &mcp.OAuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
}

package tool

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/hotaru-run/hotaru/internal/agent"
	"github.com/hotaru-run/hotaru/internal/logging"
	"github.com/hotaru-run/hotaru/internal/permission"
	"github.com/hotaru-run/hotaru/internal/storage"
)

const outputRetention = 7 * 24 * time.Hour

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	storage *storage.Storage

	permChecker *permission.Checker
	ruleset     []permission.RuleSet
	lsp         lspToucher
	outputDir   string

	cleanupOnce sync.Once
	cleanupStop chan struct{}
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// WithPermissionChecker wires the checker the execution envelope consults
// for PermissionRequester tools and external-directory checks. Bash checks
// permissions itself on a per-subcommand basis, so if a bash tool is
// already registered this also wires the same checker into it directly.
func (r *Registry) WithPermissionChecker(checker *permission.Checker, rulesets ...permission.RuleSet) *Registry {
	r.permChecker = checker
	r.ruleset = rulesets

	r.mu.RLock()
	bash, ok := r.tools["bash"]
	r.mu.RUnlock()
	if ok {
		if bt, ok := bash.(*BashTool); ok {
			bt.SetPermissionChecker(checker)
		}
	}
	return r
}

// WithLSP wires the manager the envelope touches for edit/write/apply_patch
// diagnostics feedback.
func (r *Registry) WithLSP(manager lspToucher) *Registry {
	r.lsp = manager
	return r
}

// WithOutputDir sets the directory truncated tool output is written under,
// and starts the background retention sweep for it (idempotent: calling
// this more than once only starts one sweep goroutine).
func (r *Registry) WithOutputDir(dir string) *Registry {
	r.outputDir = dir
	r.cleanupOnce.Do(func() {
		r.cleanupStop = make(chan struct{})
		go r.runOutputCleanup()
	})
	return r
}

// StopOutputCleanup stops the background retention sweep, if running.
func (r *Registry) StopOutputCleanup() {
	if r.cleanupStop != nil {
		close(r.cleanupStop)
	}
}

// runOutputCleanup removes truncated-output files older than
// outputRetention once a day until StopOutputCleanup is called.
func (r *Registry) runOutputCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	sweep := func() {
		entries, err := os.ReadDir(r.outputDir)
		if err != nil {
			return
		}
		cutoff := time.Now().Add(-outputRetention)
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(r.outputDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logging.Warn().Err(err).Str("path", path).Msg("tool: failed to sweep expired output")
			}
		}
	}

	sweep()
	for {
		select {
		case <-r.cleanupStop:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Debug().Str("tool", tool.ID()).Msg("registry: registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	logging.Debug().Str("workDir", workDir).Msg("registry: creating default registry")
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Debug().Int("tools", len(r.tools)).Strs("ids", r.IDs()).Msg("registry: default registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Debug().Msg("registry: registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Debug().Msg("registry: task executor configured")
		}
	}
}

package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hotaru-run/hotaru/internal/logging"
	"github.com/hotaru-run/hotaru/internal/permission"
)

// PermissionRequester declares the (permission, patterns) pair a tool's
// invocation must clear before Execute runs any observable side effect.
// Tools with nuanced, input-dependent permission logic (bash parses and
// checks per sub-command) do their own checking inside Execute instead of
// implementing this interface.
type PermissionRequester interface {
	RequiredPermission(input json.RawMessage) (perm permission.PermissionType, patterns []string, ok bool)
}

// FileTouching is implemented by tools whose invocation resolves to a
// single file path the external-directory check should evaluate.
type FileTouching interface {
	TouchedFile(input json.RawMessage) (path string, ok bool)
}

// lspToucher is the subset of *lsp.Manager the envelope needs; declared
// here (rather than importing internal/lsp directly) so the tool package
// doesn't depend on the LSP client's full surface, only this one seam.
type lspToucher interface {
	TouchFile(ctx context.Context, path string, waitForDiagnostics bool) (string, error)
}

const (
	truncateMaxLines = 2000
	truncateMaxBytes = 50 * 1024
)

// Execute runs the five-step envelope around a registered tool: schema
// validation, permission pre-check, external-directory check, the tool's
// own execution, then auto-truncation and (for file-touching tools) LSP
// diagnostics feedback.
func (r *Registry) Execute(ctx context.Context, id string, input json.RawMessage, toolCtx *Context) (*Result, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("tool: unknown tool %q", id)
	}

	if err := r.validateInput(id, t.Parameters(), input); err != nil {
		return &Result{Title: "Invalid arguments", Output: err.Error(), Error: err}, nil
	}

	if r.permChecker != nil {
		if pa, ok := t.(PermissionRequester); ok {
			if permType, patterns, shouldAsk := pa.RequiredPermission(input); shouldAsk {
				action := permission.ActionAsk
				sets := r.ruleset
				if len(toolCtx.Ruleset) > 0 {
					sets = append(append([]permission.RuleSet{}, r.ruleset...), toolCtx.Ruleset...)
				}
				if len(sets) > 0 {
					action = permission.Evaluate(permType, strings.Join(patterns, ","), sets...)
				}
				req := permission.Request{
					SessionID: toolCtx.SessionID,
					MessageID: toolCtx.MessageID,
					CallID:    toolCtx.CallID,
					Type:      permType,
					Pattern:   patterns,
					Title:     fmt.Sprintf("%s wants to use %s", toolCtx.Agent, id),
				}
				if err := r.permChecker.Check(ctx, req, action); err != nil {
					return nil, err
				}
			}
		}

		if ft, ok := t.(FileTouching); ok {
			if path, hasPath := ft.TouchedFile(input); hasPath {
				if r.isExternal(path, toolCtx) {
					req := permission.Request{
						SessionID: toolCtx.SessionID,
						MessageID: toolCtx.MessageID,
						CallID:    toolCtx.CallID,
						Type:      permission.PermExternalDir,
						Pattern:   []string{path},
						Title:     fmt.Sprintf("%s wants to access %s outside the project", toolCtx.Agent, path),
					}
					if err := r.permChecker.Ask(ctx, req); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	result, err := t.Execute(ctx, input, toolCtx)
	if err != nil || result == nil {
		return result, err
	}

	r.truncate(result, toolCtx)

	if r.lsp != nil && isFeedbackTool(id) {
		if ft, ok := t.(FileTouching); ok {
			if path, hasPath := ft.TouchedFile(input); hasPath {
				r.appendDiagnostics(ctx, result, path)
			}
		}
	}

	return result, nil
}

func isFeedbackTool(id string) bool {
	switch id {
	case "edit", "write", "apply_patch":
		return true
	}
	return false
}

// isExternal reports whether path resolves outside both the tool call's
// working directory and its worktree (a worktree of "/" never triggers
// this, since every path is inside the filesystem root).
func (r *Registry) isExternal(path string, toolCtx *Context) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir := toolCtx.WorkDir
	if dir == "" {
		dir = r.workDir
	}
	if within(abs, dir) {
		return false
	}
	if toolCtx.Worktree != "" && toolCtx.Worktree != "/" && within(abs, toolCtx.Worktree) {
		return false
	}
	return true
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// validateInput checks input against the tool's declared JSON Schema using
// santhosh-tekuri/jsonschema/v5. A tool whose Parameters() isn't already
// valid JSON Schema (shouldn't happen for hand-authored schemas, but is
// cheap to guard) skips validation rather than failing every call.
func (r *Registry) validateInput(id string, rawSchema, input json.RawMessage) error {
	compiler := jsonschemav5.NewCompiler()
	schemaURL := "mem://" + id + ".json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(rawSchema)); err != nil {
		return nil
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", id, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("tool %s: invalid arguments: %w", id, err)
	}
	return nil
}

// GenerateSchema produces a JSON Schema document for a Go params struct,
// for tools that would rather declare Parameters() from a struct than
// hand-author raw JSON Schema.
func GenerateSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// truncate applies the 2000-line / 50KB auto-truncation policy, writing the
// full output under the application data directory and recording the path
// plus a hint in the result's metadata.
func (r *Registry) truncate(result *Result, toolCtx *Context) {
	if r.outputDir == "" {
		return
	}
	if len(result.Output) <= truncateMaxBytes {
		lines := strings.Count(result.Output, "\n") + 1
		if lines <= truncateMaxLines {
			return
		}
	}

	lines := strings.SplitAfter(result.Output, "\n")
	head := lines
	if len(lines) > truncateMaxLines {
		head = lines[:truncateMaxLines]
	}
	headText := strings.Join(head, "")
	if len(headText) > truncateMaxBytes {
		headText = headText[:truncateMaxBytes]
	}

	id := toolCtx.CallID
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	outPath := filepath.Join(r.outputDir, id)
	if err := os.MkdirAll(r.outputDir, 0755); err == nil {
		if err := os.WriteFile(outPath, []byte(result.Output), 0644); err != nil {
			logging.Warn().Err(err).Str("path", outPath).Msg("tool: failed to persist truncated output")
			return
		}
	} else {
		return
	}

	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["truncated"] = true
	result.Metadata["output_path"] = outPath

	result.Output = headText + fmt.Sprintf("\n\n[output truncated, %d more lines available at %s]\n", len(lines)-len(head), outPath)
}

// appendDiagnostics touches path through the LSP manager and, if
// diagnostics arrive within its wait window, appends a capped
// <diagnostics> block to result.Output so the model sees fresh errors on
// its next turn.
func (r *Registry) appendDiagnostics(ctx context.Context, result *Result, path string) {
	block, err := r.lsp.TouchFile(ctx, path, true)
	if err != nil || block == "" {
		return
	}
	result.Output += "\n\n" + block
}

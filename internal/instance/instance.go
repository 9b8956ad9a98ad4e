package instance

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hotaru-run/hotaru/internal/event"
	"github.com/hotaru-run/hotaru/internal/logging"
	"github.com/hotaru-run/hotaru/internal/project"
)

// Instance represents an active working directory: its worktree root and
// stable project identity, plus a lazily-populated state cache that other
// packages use to stash per-directory singletons (an LSP manager, an MCP
// client set, a permission checker) without reaching for package-level
// globals.
type Instance struct {
	Directory string
	Worktree  string
	ProjectID string

	state *State
}

// registry owns every live Instance for the process, keyed on the resolved
// absolute directory. Instances are never implicitly evicted; Dispose (or
// process shutdown) removes them explicitly.
var registry = struct {
	mu    sync.Mutex
	byDir map[string]*Instance
	group singleflight.Group
}{byDir: make(map[string]*Instance)}

// Provide ensures exactly one Instance exists for directory for the process
// lifetime. If none exists yet, init runs once inside the new instance's
// context (so init can call From[*Instance] on the ctx it receives); a
// second concurrent Provide for the same directory awaits the first call's
// result instead of racing it. fn then runs with ctx bound to the instance,
// and Provide returns fn's result.
func Provide[T any](ctx context.Context, directory string, init func(ctx context.Context, inst *Instance) error, fn func(ctx context.Context, inst *Instance) (T, error)) (T, error) {
	var zero T

	abs, err := filepath.Abs(directory)
	if err != nil {
		return zero, fmt.Errorf("instance: resolve directory: %w", err)
	}

	instAny, err, _ := registry.group.Do(abs, func() (any, error) {
		registry.mu.Lock()
		if existing, ok := registry.byDir[abs]; ok {
			registry.mu.Unlock()
			return existing, nil
		}
		registry.mu.Unlock()

		info, err := project.FromDirectory(abs)
		if err != nil {
			return nil, fmt.Errorf("instance: detect project: %w", err)
		}

		inst := &Instance{
			Directory: abs,
			Worktree:  info.Worktree,
			ProjectID: info.ID,
			state:     newState(),
		}

		if init != nil {
			initCtx := With(ctx, inst)
			if err := init(initCtx, inst); err != nil {
				return nil, err
			}
		}

		registry.mu.Lock()
		registry.byDir[abs] = inst
		registry.mu.Unlock()

		return inst, nil
	})
	if err != nil {
		return zero, err
	}

	inst := instAny.(*Instance)
	return fn(With(ctx, inst), inst)
}

// Get returns the already-provided instance for directory, if any.
func Get(directory string) (*Instance, bool) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, false
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	inst, ok := registry.byDir[abs]
	return inst, ok
}

// disposeSoftWarningAfter is how long Dispose waits before logging that a
// disposer is taking an unusually long time, without aborting it.
const disposeSoftWarningAfter = 10 * time.Second

// Dispose runs every registered state disposer for inst concurrently,
// removes it from the registry, and publishes event.InstanceDisposed. A
// disposer that is still running after disposeSoftWarningAfter triggers a
// logged warning but is not cancelled — dispose must be correct, not fast.
func (inst *Instance) Dispose(ctx context.Context) {
	registry.mu.Lock()
	delete(registry.byDir, inst.Directory)
	registry.mu.Unlock()

	inst.state.disposeAll(inst.Directory)

	event.Publish(event.Event{
		Type: event.InstanceDisposed,
		Data: event.InstanceDisposedData{Directory: inst.Directory, ProjectID: inst.ProjectID},
	})
}

// DisposeAll disposes every live instance; used by the runtime container on
// shutdown.
func DisposeAll(ctx context.Context) {
	registry.mu.Lock()
	instances := make([]*Instance, 0, len(registry.byDir))
	for _, inst := range registry.byDir {
		instances = append(instances, inst)
	}
	registry.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			inst.Dispose(ctx)
		}(inst)
	}
	wg.Wait()
}

// State is a per-instance keyed lazy-init cache: a scopeKey maps to a value
// created on first access and an optional disposer run once at instance
// teardown.
type State struct {
	mu      sync.Mutex
	values  map[any]any
	dispose map[any]func()
}

func newState() *State {
	return &State{values: make(map[any]any), dispose: make(map[any]func())}
}

// Store returns inst's state cache.
func (inst *Instance) Store() *State { return inst.state }

// Get returns the cached value for scopeKey, creating it via init on first
// access. Within one instance, a given scopeKey always yields the same
// value until the instance is disposed.
func (s *State) Get(scopeKey any, init func() (any, func())) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[scopeKey]; ok {
		return v
	}

	v, disposer := init()
	s.values[scopeKey] = v
	if disposer != nil {
		s.dispose[scopeKey] = disposer
	}
	return v
}

func (s *State) disposeAll(directory string) {
	s.mu.Lock()
	disposers := make([]func(), 0, len(s.dispose))
	for _, d := range s.dispose {
		disposers = append(disposers, d)
	}
	s.values = make(map[any]any)
	s.dispose = make(map[any]func())
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range disposers {
		wg.Add(1)
		go func(d func()) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				defer close(done)
				d()
			}()
			select {
			case <-done:
			case <-time.After(disposeSoftWarningAfter):
				logging.Warn().Str("directory", directory).Dur("after", disposeSoftWarningAfter).Msg("instance: disposer still running")
				<-done
			}
		}(d)
	}
	wg.Wait()
}

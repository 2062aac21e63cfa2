package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/prodigy-cli/prodigy/internal/variables"
)

// Handler is a named command implementation a handler: step dispatches to.
// Attributes arrive with their string values already interpolated.
type Handler interface {
	Name() string
	Execute(ctx context.Context, attrs map[string]any, vars *variables.Context) (string, error)
}

// HandlerRegistry stores named handlers for lookup by HandlerRunner.
// Registration happens once at startup; lookups are read-only after that.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds h under its Name(). Panics on nil, empty-name, or duplicate
// registration, all programming errors caught at startup.
func (r *HandlerRegistry) Register(h Handler) {
	if h == nil {
		panic("workflow: HandlerRegistry.Register called with nil handler")
	}
	name := h.Name()
	if name == "" {
		panic("workflow: HandlerRegistry.Register called with handler that returns empty name")
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("workflow: handler %q is already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler registered under name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// List returns all registered handler names, sorted alphabetically.
func (r *HandlerRegistry) List() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HandlerRunner dispatches handler: steps to a HandlerRegistry, with
// attribute string values interpolated exactly as env values are.
type HandlerRunner struct {
	Registry *HandlerRegistry
}

func (r *HandlerRunner) Kind() string { return KindHandler }

func (r *HandlerRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	spec := req.Step.Handler
	h, ok := r.Registry.Get(spec.Name)
	if !ok {
		return RunResult{ExitCode: -1}, fmt.Errorf("handler: %q is not registered", spec.Name)
	}

	interpolator := variables.NewInterpolator(req.Vars, variables.NonStrict)
	attrs := make(map[string]any, len(spec.Attributes))
	for k, v := range spec.Attributes {
		if s, isString := v.(string); isString {
			resolved, err := interpolator.Interpolate(s)
			if err != nil {
				return RunResult{ExitCode: -1}, fmt.Errorf("handler %q: interpolating attribute %q: %w", spec.Name, k, err)
			}
			attrs[k] = resolved
			continue
		}
		attrs[k] = v
	}

	out, err := h.Execute(ctx, attrs, req.Vars)
	if err != nil {
		return RunResult{Stderr: err.Error(), ExitCode: 1}, nil
	}
	return RunResult{Stdout: out}, nil
}

func (r *HandlerRunner) DryRun(step Step) string {
	return fmt.Sprintf("would dispatch to handler %q", step.Handler.Name)
}

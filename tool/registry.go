package tool

import (
	"context"
	"fmt"
	"slices"
)

// Registry holds tools by name. It is immutable after construction and safe
// for concurrent use.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from tools. A later tool replaces an
// earlier one with the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t != nil {
			r.tools[t.Name()] = t
		}
	}
	return r
}

// DefaultRegistry returns a registry with every built-in tool.
func DefaultRegistry() *Registry {
	return NewRegistry(Builtins()...)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Filter returns a registry restricted to allowed. An empty allow-list
// returns r unchanged.
func (r *Registry) Filter(allowed []string) *Registry {
	if len(allowed) == 0 {
		return r
	}
	out := &Registry{tools: make(map[string]Tool, len(allowed))}
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			out.tools[name] = t
		}
	}
	return out
}

// Unknown returns the names in names that are not registered.
func (r *Registry) Unknown(names []string) []string {
	var missing []string
	for _, name := range names {
		if !r.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Describe returns the spec of every tool in name order.
func (r *Registry) Describe() []Spec {
	names := r.Names()
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, SpecOf(r.tools[name]))
	}
	return specs
}

// Execute runs call in cwd. It always returns a Result.
func (r *Registry) Execute(ctx context.Context, call Call, cwd string) (res Result) {
	res.CallID = call.ID

	t, ok := r.tools[call.Name]
	if !ok {
		res.Output = fmt.Sprintf("Unknown tool: %s", call.Name)
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res.OK = false
			res.Output = fmt.Sprintf("panic: %v", p)
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.Run(ctx, cwd, args)
	if err != nil {
		res.Output = err.Error()
		return res
	}
	res.OK = true
	res.Output = out
	return res
}

// Package adapter holds the boundary components that invoke external
// tools on behalf of pipeline stages. Every adapter implements the
// same contract and must be safe to retry: a re-run after a partial
// failure may not leave duplicate side effects behind.
package adapter

import (
	"context"
	"fmt"

	"conveyor.sh/core/graph"
)

// Result is the outcome of one adapter invocation. Output carries
// values produced for downstream stages (workspace path, image
// reference, report URL) keyed by well-known names.
type Result struct {
	OK     bool              `json:"ok"`
	Output map[string]string `json:"output,omitempty"`
	Detail string            `json:"detail,omitempty"`
}

// Params is the merged view of a stage's static parameters, values
// produced by its dependencies, and unlocked secrets.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[key]
}

func (p Params) Require(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return v, nil
}

// Merge returns a copy of p with overrides applied on top.
func (p Params) Merge(overrides map[string]string) Params {
	out := make(Params, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Adapter runs one kind of external tool. Implementations honour ctx
// cancellation and deadlines; a run cut short by either returns
// ctx.Err().
type Adapter interface {
	Run(ctx context.Context, params Params) (Result, error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, params Params) (Result, error)

func (f Func) Run(ctx context.Context, params Params) (Result, error) {
	return f(ctx, params)
}

// Registry maps adapter kinds to implementations. Lookups for
// unregistered kinds fail, which the engine treats as a
// construction-time error before any stage runs.
type Registry struct {
	adapters map[graph.Kind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[graph.Kind]Adapter)}
}

func (r *Registry) Register(kind graph.Kind, a Adapter) {
	r.adapters[kind] = a
}

func (r *Registry) Get(kind graph.Kind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", graph.ErrUnknownAdapter, kind)
	}
	return a, nil
}

// Covers reports whether every kind used in the given graph has a
// registered adapter.
func (r *Registry) Covers(g *graph.Graph) error {
	for _, id := range g.Order() {
		d, _ := g.Stage(id)
		if _, err := r.Get(d.Uses); err != nil {
			return fmt.Errorf("stage %q: %w", id, err)
		}
	}
	return nil
}

package adapter

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// Factory builds an adapter around a runner.
type Factory func(Runner, *logging.Logger) Adapter

// builtin lists every supported backend in display order.
var builtin = []struct {
	id      string
	factory Factory
}{
	{"npm", func(r Runner, l *logging.Logger) Adapter { return NewNpm(r, l) }},
	{"pip", func(r Runner, l *logging.Logger) Adapter { return NewPip(r, l) }},
	{"winget", func(r Runner, l *logging.Logger) Adapter { return NewWinget(r, l) }},
	{"brew", func(r Runner, l *logging.Logger) Adapter { return NewBrew(r, l) }},
	{"pipx", func(r Runner, l *logging.Logger) Adapter { return NewPipx(r, l) }},
	{"pnpm", func(r Runner, l *logging.Logger) Adapter { return NewPnpm(r, l) }},
}

// BuiltinIDs returns the ids of every supported backend.
func BuiltinIDs() []string {
	ids := make([]string, len(builtin))
	for i, b := range builtin {
		ids[i] = b.id
	}
	return ids
}

// Registry resolves manager ids to adapters.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry returns a registry of every builtin backend sharing runner.
func NewRegistry(runner Runner, log *logging.Logger) *Registry {
	adapters := make([]Adapter, len(builtin))
	for i, b := range builtin {
		adapters[i] = b.factory(runner, log)
	}
	return NewRegistryOf(adapters...)
}

// NewRegistryOf returns a registry of exactly the given adapters.
func NewRegistryOf(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.ID()]; dup {
			continue
		}
		r.adapters[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	return r
}

// Get validates id and returns its adapter. Unknown ids yield E_MANAGER_UNKNOWN.
func (r *Registry) Get(id string) (Adapter, error) {
	clean, err := pathutil.SanitizeManagerID(id)
	if err != nil {
		return nil, err
	}
	a, ok := r.adapters[clean]
	if !ok {
		return nil, errclass.ErrManagerUnknown.WithMessagef("unknown manager %s", pathutil.SafeDisplay(clean))
	}
	return a, nil
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, len(r.order))
	for i, id := range r.order {
		out[i] = r.adapters[id]
	}
	return out
}

// Detected returns the adapters whose executable is available.
func (r *Registry) Detected() []Adapter {
	var out []Adapter
	for _, a := range r.All() {
		if a.Detect() {
			out = append(out, a)
		}
	}
	return out
}

// Describe reports every detected backend with its version and capabilities.
// Versions are queried concurrently; a failing version query leaves the
// version empty instead of hiding the backend.
func (r *Registry) Describe(ctx context.Context) ([]model.ManagerInfo, error) {
	detected := r.Detected()
	infos := make([]model.ManagerInfo, len(detected))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range detected {
		g.Go(func() error {
			version, err := a.Version(gctx)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			infos[i] = model.ManagerInfo{
				ID:           a.ID(),
				Name:         a.DisplayName(),
				Version:      version,
				Capabilities: Capabilities(a),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

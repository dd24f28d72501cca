// Package modlife drives the daemon's module startup lifecycle: a
// topological sort over declared dependencies, per-module config
// schema validation, on_startup invocation, and cascade-failure
// propagation. Adapted from pkg/config's validate-then-build flow,
// generalized from one static [butler] table to N independently
// ordered modules.
package modlife

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/butlerhq/substrate/pkg/config"
)

// Status is a module's terminal lifecycle state after Start.
type Status string

const (
	StatusActive        Status = "active"
	StatusFailed        Status = "failed"
	StatusCascadeFailed Status = "cascade_failed"
)

// Phase names where a module failed, when Status is failed.
const (
	PhaseConfig  = "config"
	PhaseStartup = "startup"
)

// FieldType is a declared config field's expected scalar type.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeMap    FieldType = "map"
	TypeList   FieldType = "list"
)

// FieldSchema declares one expected field of a module's config table.
type FieldSchema struct {
	Name     string
	Type     FieldType
	Required bool
}

// Declaration is one module's registration: its name, the modules it
// depends on, its optional config schema, and its lifecycle hooks. A
// nil Schema means the module receives its raw config dict unchanged.
type Declaration struct {
	Name         string
	Dependencies []string
	Schema       []FieldSchema
	OnStartup    func(ctx context.Context, cfg config.ModuleConfig) error
	OnShutdown   func(ctx context.Context) error
}

// Result is one module's outcome after Start.
type Result struct {
	Name   string
	Status Status
	Phase  string
	Err    error
}

// Registry runs the startup lifecycle over a set of declared modules
// and tracks their resulting status.
type Registry struct {
	logger  *slog.Logger
	results map[string]Result
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		results: make(map[string]Result),
	}
}

// Start runs the full lifecycle: topological sort, then for each module
// in order, config validation, startup invocation, and cascade
// propagation. Per-module failure is never fatal to the overall call;
// the returned slice (in startup order) records each module's outcome.
func (r *Registry) Start(ctx context.Context, declarations []Declaration, configs map[string]config.ModuleConfig) ([]Result, error) {
	order, cyclic, err := topoSort(declarations)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Declaration, len(declarations))
	for _, d := range declarations {
		byName[d.Name] = d
	}

	var ordered []Result
	for _, name := range cyclic {
		res := Result{Name: name, Status: StatusCascadeFailed, Phase: PhaseConfig, Err: fmt.Errorf("modlife: %s participates in a dependency cycle", name)}
		r.results[name] = res
		ordered = append(ordered, res)
		r.logger.Error("module cascade failed", "module", name, "reason", "dependency cycle")
	}

	for _, name := range order {
		decl := byName[name]
		res := r.startOne(ctx, decl, configs[name])
		r.results[name] = res
		ordered = append(ordered, res)
	}

	return ordered, nil
}

func (r *Registry) startOne(ctx context.Context, decl Declaration, cfg config.ModuleConfig) Result {
	for _, dep := range decl.Dependencies {
		depResult, known := r.results[dep]
		if !known || depResult.Status != StatusActive {
			r.logger.Warn("module cascade failed", "module", decl.Name, "dependency", dep)
			return Result{Name: decl.Name, Status: StatusCascadeFailed, Phase: PhaseConfig}
		}
	}

	validated, err := validateConfig(decl.Schema, cfg)
	if err != nil {
		r.logger.Error("module config validation failed", "module", decl.Name, "error", err)
		return Result{Name: decl.Name, Status: StatusFailed, Phase: PhaseConfig, Err: err}
	}

	if decl.OnStartup != nil {
		if err := decl.OnStartup(ctx, validated); err != nil {
			r.logger.Error("module startup failed", "module", decl.Name, "error", err)
			return Result{Name: decl.Name, Status: StatusFailed, Phase: PhaseStartup, Err: err}
		}
	}

	r.logger.Info("module started", "module", decl.Name)
	return Result{Name: decl.Name, Status: StatusActive}
}

// Results returns every module's recorded outcome, keyed by name.
func (r *Registry) Results() map[string]Result {
	out := make(map[string]Result, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

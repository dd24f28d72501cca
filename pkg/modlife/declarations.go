package modlife

import (
	"encoding/json"

	"github.com/butlerhq/substrate/pkg/config"
)

// DeclarationsFromConfig builds one Declaration per [modules.<name>] table
// present in modules, extracting the depends_on and schema fields any
// module table may declare generically (the same json-roundtrip pattern
// pkg/config uses to decode a raw table into a typed value). Hooks are
// left nil; callers attach OnStartup/OnShutdown for the modules they
// know how to run.
func DeclarationsFromConfig(modules map[string]config.ModuleConfig) []Declaration {
	declarations := make([]Declaration, 0, len(modules))
	for name, raw := range modules {
		d := Declaration{Name: name}
		if deps, ok := raw["depends_on"]; ok {
			if encoded, err := json.Marshal(deps); err == nil {
				var names []string
				if json.Unmarshal(encoded, &names) == nil {
					d.Dependencies = names
				}
			}
		}
		if schema, ok := raw["schema"]; ok {
			if encoded, err := json.Marshal(schema); err == nil {
				var fields []FieldSchema
				if json.Unmarshal(encoded, &fields) == nil {
					d.Schema = fields
				}
			}
		}
		declarations = append(declarations, d)
	}
	return declarations
}

// Upsert finds the declaration named name and applies mutate to it,
// appending a new zero-value Declaration first when the operator's
// config never declared a [modules.<name>] table for it. Built-in
// modules a daemon always runs (approval, slack, ratelimit, triage) use
// this so they get real lifecycle hooks whether or not butler.toml
// mentions them.
func Upsert(declarations []Declaration, name string, mutate func(*Declaration)) []Declaration {
	for i := range declarations {
		if declarations[i].Name == name {
			mutate(&declarations[i])
			return declarations
		}
	}
	d := Declaration{Name: name}
	mutate(&d)
	return append(declarations, d)
}

// StripMeta returns a copy of modules with the depends_on and schema
// keys removed from every table, so the module's own OnStartup hook (and
// validateConfig, when a Go-side Schema is attached) only ever sees its
// domain fields rather than the lifecycle metadata DeclarationsFromConfig
// already consumed.
func StripMeta(modules map[string]config.ModuleConfig) map[string]config.ModuleConfig {
	out := make(map[string]config.ModuleConfig, len(modules))
	for name, raw := range modules {
		cleaned := make(config.ModuleConfig, len(raw))
		for k, v := range raw {
			if k == "depends_on" || k == "schema" {
				continue
			}
			cleaned[k] = v
		}
		out[name] = cleaned
	}
	return out
}

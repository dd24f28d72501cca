// Package registry implements the switchboard-side butler registry: a
// heartbeat table mapping butler name to its RPC endpoint, used by
// rpctool.Resolver to address inter-butler calls.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/rpctool"
)

// Entry mirrors a butler_registry row.
type Entry struct {
	Name         string
	EndpointURL  string
	Description  string
	Modules      []string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// Register upserts a butler's registration, refreshing registered_at only
// on first insert.
func Register(ctx context.Context, q dbx.Queryer, name, endpointURL, description string, modules []string) error {
	encoded, err := json.Marshal(modules)
	if err != nil {
		return fmt.Errorf("register butler: encode modules: %w", err)
	}

	_, err = dbx.Execute(ctx, q, `
		INSERT INTO butler_registry (name, endpoint_url, description, modules_json, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			description = EXCLUDED.description,
			modules_json = EXCLUDED.modules_json,
			last_seen_at = now()
	`, name, endpointURL, description, encoded)
	if err != nil {
		return fmt.Errorf("register butler %q: %w", name, err)
	}
	return nil
}

// Heartbeat bumps last_seen_at for an already-registered butler.
func Heartbeat(ctx context.Context, q dbx.Queryer, name string) error {
	affected, err := dbx.Execute(ctx, q, `UPDATE butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("heartbeat butler %q: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("heartbeat butler %q: not registered", name)
	}
	return nil
}

// Resolve looks up a butler's current endpoint.
func Resolve(ctx context.Context, q dbx.Queryer, name string) (rpctool.Endpoint, error) {
	row, err := dbx.FetchRow(ctx, q, `SELECT endpoint_url FROM butler_registry WHERE name = $1`, name)
	if err != nil {
		return rpctool.Endpoint{}, fmt.Errorf("resolve butler %q: %w", name, err)
	}
	if row == nil {
		return rpctool.Endpoint{}, fmt.Errorf("resolve butler %q: not registered", name)
	}
	url, _ := row["endpoint_url"].(string)
	return rpctool.Endpoint{ButlerName: name, URL: url}, nil
}

// List returns every registered butler, ordered by name.
func List(ctx context.Context, q dbx.Queryer) ([]Entry, error) {
	rows, err := dbx.Fetch(ctx, q, `SELECT * FROM butler_registry ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list butlers: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entry := Entry{}
		entry.Name, _ = r["name"].(string)
		entry.EndpointURL, _ = r["endpoint_url"].(string)
		entry.Description, _ = r["description"].(string)
		if modulesRaw, ok := r["modules_json"].([]any); ok {
			for _, m := range modulesRaw {
				if s, ok := m.(string); ok {
					entry.Modules = append(entry.Modules, s)
				}
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Resolver adapts Resolve to rpctool.Resolver against a fixed Queryer.
func Resolver(q dbx.Queryer) rpctool.Resolver {
	return rpctool.ResolverFunc(func(ctx context.Context, name string) (rpctool.Endpoint, error) {
		return Resolve(ctx, q, name)
	})
}

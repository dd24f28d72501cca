// Package scheduler implements the cron scheduler: reconciling butler.toml
// declared schedules into the DB, ticking due rows against a dispatch
// function, and a CRUD surface for DB-sourced schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/dbx"
)

const sourceTOML = "toml"
const sourceDB = "db"

// parser is the standard 5-field cron parser used for validation and
// next-run computation.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun parses cron and returns the next fire time strictly after from.
func NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Entry mirrors a schedules row.
type Entry struct {
	ID         string
	Name       string
	Cron       string
	Prompt     string
	JobName    string
	JobArgs    map[string]any
	Source     string
	Enabled    bool
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastResult map[string]any
}

// DispatchFunc is invoked for each due row. Its implementation is the
// session spawner's trigger path.
type DispatchFunc func(ctx context.Context, prompt string, triggerSource string, jobName string, jobArgs map[string]any) (map[string]any, error)

// Sync reconciles declared TOML schedules into the schedules table: upsert
// declared rows with source='toml', disable existing toml rows that
// dropped out of the list, and re-enable+recompute next_run_at for a
// disabled toml row that reappears.
func Sync(ctx context.Context, q dbx.Queryer, declared []config.ScheduleDecl) error {
	declaredNames := make(map[string]bool, len(declared))
	now := time.Now().UTC()

	for _, decl := range declared {
		declaredNames[decl.Name] = true

		nextRun, err := NextRun(decl.Cron, now)
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", decl.Name, err)
		}
		jobArgs, err := json.Marshal(decl.JobArgs)
		if err != nil {
			return fmt.Errorf("sync schedule %q: encode job_args: %w", decl.Name, err)
		}

		_, err = dbx.Execute(ctx, q, `
			INSERT INTO schedules (id, name, cron, prompt, job_name, job_args, source, enabled, next_run_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, now())
			ON CONFLICT (name) DO UPDATE SET
				cron = EXCLUDED.cron,
				prompt = EXCLUDED.prompt,
				job_name = EXCLUDED.job_name,
				job_args = EXCLUDED.job_args,
				source = $7,
				enabled = true,
				next_run_at = CASE WHEN schedules.cron <> EXCLUDED.cron OR schedules.enabled = false
					THEN EXCLUDED.next_run_at ELSE schedules.next_run_at END
		`, uuid.NewString(), decl.Name, decl.Cron, decl.Prompt, decl.JobName, jobArgs, sourceTOML, nextRun)
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", decl.Name, err)
		}
	}

	existing, err := dbx.Fetch(ctx, q, `SELECT name FROM schedules WHERE source = $1`, sourceTOML)
	if err != nil {
		return fmt.Errorf("sync: list existing toml schedules: %w", err)
	}
	for _, row := range existing {
		name, _ := row["name"].(string)
		if declaredNames[name] {
			continue
		}
		if _, err := dbx.Execute(ctx, q, `
			UPDATE schedules SET enabled = false, next_run_at = NULL WHERE name = $1 AND source = $2
		`, name, sourceTOML); err != nil {
			return fmt.Errorf("sync: disable dropped schedule %q: %w", name, err)
		}
	}

	return nil
}

// Tick dispatches every row due (enabled=true AND next_run_at <= now),
// returning the count of successful dispatches. A failing dispatch is
// recorded in last_result and does not halt iteration.
func Tick(ctx context.Context, q dbx.Queryer, dispatch DispatchFunc) (int, error) {
	now := time.Now().UTC()
	rows, err := dbx.Fetch(ctx, q, `
		SELECT * FROM schedules WHERE enabled = true AND next_run_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("tick: select due schedules: %w", err)
	}

	successes := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		name, _ := row["name"].(string)
		cronExpr, _ := row["cron"].(string)
		prompt, _ := row["prompt"].(string)
		jobName, _ := row["job_name"].(string)
		jobArgs, _ := row["job_args"].(map[string]any)

		var lastResult map[string]any
		result, dispatchErr := dispatch(ctx, prompt, "schedule", jobName, jobArgs)
		if dispatchErr != nil {
			lastResult = map[string]any{"error": dispatchErr.Error()}
		} else {
			lastResult = result
			successes++
		}

		nextRun, err := NextRun(cronExpr, now)
		if err != nil {
			nextRun = now.Add(time.Minute)
		}
		encodedResult, err := json.Marshal(lastResult)
		if err != nil {
			encodedResult = []byte("{}")
		}

		if _, err := dbx.Execute(ctx, q, `
			UPDATE schedules SET last_run_at = $1, next_run_at = $2, last_result = $3 WHERE id = $4
		`, now, nextRun, encodedResult, id); err != nil {
			return successes, fmt.Errorf("tick: update schedule %q: %w", name, err)
		}
	}

	return successes, nil
}

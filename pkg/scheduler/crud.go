package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/dbx"
)

// naiveLayout is RFC3339 without an offset — if a boundary timestamp
// parses against this layout but not RFC3339, the caller supplied a
// naive timestamp and must be rejected.
const naiveLayout = "2006-01-02T15:04:05"

// parseTZAware parses s as an RFC3339 timestamp, rejecting naive
// (offset-less) timestamps with config.ErrNaiveTimestamp.
func parseTZAware(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if _, err := time.Parse(naiveLayout, s); err == nil {
		return time.Time{}, config.ErrNaiveTimestamp
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// CreateParams is the input to Create.
type CreateParams struct {
	Name    string
	Cron    string
	Prompt  string
	JobName string
	JobArgs map[string]any
	StartAt string
	EndAt   string
	UntilAt string
}

// Create validates cron and any tz-aware boundary fields, then inserts a
// DB-sourced schedule. Returns the new row id.
func Create(ctx context.Context, q dbx.Queryer, p CreateParams) (string, error) {
	if _, err := NextRun(p.Cron, time.Now().UTC()); err != nil {
		return "", err
	}

	boundaries, err := resolveBoundaries(p.StartAt, p.EndAt, p.UntilAt)
	if err != nil {
		return "", err
	}

	nextRun, err := NextRun(p.Cron, time.Now().UTC())
	if err != nil {
		return "", err
	}

	jobArgs, err := json.Marshal(p.JobArgs)
	if err != nil {
		return "", fmt.Errorf("create schedule: encode job_args: %w", err)
	}

	id := uuid.NewString()
	_, err = dbx.Execute(ctx, q, `
		INSERT INTO schedules (id, name, cron, prompt, job_name, job_args, source, enabled, next_run_at, start_at, end_at, until_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8, $9, $10, $11, now())
	`, id, p.Name, p.Cron, p.Prompt, p.JobName, jobArgs, sourceDB, nextRun, boundaries.start, boundaries.end, boundaries.until)
	if err != nil {
		return "", fmt.Errorf("create schedule %q: %w", p.Name, err)
	}
	return id, nil
}

type resolvedBoundaries struct {
	start, end, until *time.Time
}

func resolveBoundaries(startAt, endAt, untilAt string) (resolvedBoundaries, error) {
	var out resolvedBoundaries
	if startAt != "" {
		t, err := parseTZAware(startAt)
		if err != nil {
			return out, err
		}
		out.start = &t
	}
	if endAt != "" {
		t, err := parseTZAware(endAt)
		if err != nil {
			return out, err
		}
		out.end = &t
	}
	if untilAt != "" {
		t, err := parseTZAware(untilAt)
		if err != nil {
			return out, err
		}
		out.until = &t
	}
	return out, nil
}

// UpdateParams is the input to Update. Nil fields are left unchanged.
type UpdateParams struct {
	Cron    *string
	Prompt  *string
	JobName *string
	JobArgs map[string]any
	Enabled *bool
}

// Update applies a partial update. Changing cron or enabling a disabled
// row recomputes next_run_at; disabling nulls it.
func Update(ctx context.Context, q dbx.Queryer, id string, p UpdateParams) error {
	row, err := dbx.FetchRow(ctx, q, `SELECT * FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", id, err)
	}
	if row == nil {
		return fmt.Errorf("update schedule %q: not found", id)
	}

	cronExpr, _ := row["cron"].(string)
	cronChanged := false
	if p.Cron != nil && *p.Cron != cronExpr {
		if _, err := NextRun(*p.Cron, time.Now().UTC()); err != nil {
			return err
		}
		cronExpr = *p.Cron
		cronChanged = true
	}

	var nextRun any
	enabledNow, _ := row["enabled"].(bool)
	switch {
	case p.Enabled != nil && !*p.Enabled:
		nextRun = nil
		enabledNow = false
	case p.Enabled != nil && *p.Enabled:
		t, err := NextRun(cronExpr, time.Now().UTC())
		if err != nil {
			return err
		}
		nextRun = t
		enabledNow = true
	case cronChanged:
		t, err := NextRun(cronExpr, time.Now().UTC())
		if err != nil {
			return err
		}
		nextRun = t
	default:
		nextRun, _ = row["next_run_at"].(time.Time)
	}

	prompt, _ := row["prompt"].(string)
	if p.Prompt != nil {
		prompt = *p.Prompt
	}
	jobName, _ := row["job_name"].(string)
	if p.JobName != nil {
		jobName = *p.JobName
	}
	jobArgsMap, _ := row["job_args"].(map[string]any)
	if p.JobArgs != nil {
		jobArgsMap = p.JobArgs
	}
	encodedArgs, err := json.Marshal(jobArgsMap)
	if err != nil {
		return fmt.Errorf("update schedule %q: encode job_args: %w", id, err)
	}

	_, err = dbx.Execute(ctx, q, `
		UPDATE schedules SET cron = $1, prompt = $2, job_name = $3, job_args = $4, enabled = $5, next_run_at = $6 WHERE id = $7
	`, cronExpr, prompt, jobName, encodedArgs, enabledNow, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", id, err)
	}
	return nil
}

// Delete removes a DB-sourced schedule. TOML-sourced schedules refuse
// deletion; disable them from butler.toml instead.
func Delete(ctx context.Context, q dbx.Queryer, id string) error {
	row, err := dbx.FetchRow(ctx, q, `SELECT source FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	if row == nil {
		return fmt.Errorf("delete schedule %q: not found", id)
	}
	if source, _ := row["source"].(string); source == sourceTOML {
		return fmt.Errorf("delete schedule %q: TOML-sourced schedules cannot be deleted, remove from butler.toml instead", id)
	}

	if _, err := dbx.Execute(ctx, q, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	return nil
}

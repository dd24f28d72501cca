package routeinbox

import (
	"context"
	"encoding/json"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/rpctool"
)

// RecoverOnStartup re-enqueues every accepted-state row as a process-phase
// task. Called once at startup on every non-switchboard butler (the
// switchboard instead relies on its durable buffer's scanner sweep).
func (ib *Inbox) RecoverOnStartup(ctx context.Context) error {
	rows, err := dbx.Fetch(ctx, ib.pool, `
		SELECT id, envelope_json FROM route_inbox WHERE lifecycle_state = 'accepted'
	`)
	if err != nil {
		return err
	}

	for _, row := range rows {
		id, _ := row["id"].(string)
		raw, err := json.Marshal(row["envelope_json"])
		if err != nil {
			ib.logger.Error("routeinbox: failed to re-marshal recovered envelope", "inbox_id", id, "error", err)
			continue
		}
		var in rpctool.RouteExecuteInput
		if err := json.Unmarshal(raw, &in); err != nil {
			ib.logger.Error("routeinbox: failed to decode recovered envelope", "inbox_id", id, "error", err)
			continue
		}

		ib.logger.Info("routeinbox: recovering accepted row", "inbox_id", id)
		go ib.process(context.Background(), id, in, oteltrace.SpanContext{})
	}

	return nil
}

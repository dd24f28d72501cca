package routeinbox

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/spawner"
	"github.com/butlerhq/substrate/pkg/telemetry"
)

// process runs route.execute's background phase: mark processing, invoke
// the spawner, mark the terminal state. Crashes between accept and this
// call leave the row in accepted, recovered by RecoverOnStartup.
func (ib *Inbox) process(ctx context.Context, inboxID string, in rpctool.RouteExecuteInput, acceptSpanCtx oteltrace.SpanContext) {
	ctx, span := telemetry.StartProcessSpan(ctx, "route.process", in.RequestContext.RequestID, acceptSpanCtx)
	defer span.End()

	if _, err := dbx.Execute(ctx, ib.pool, `
		UPDATE route_inbox SET lifecycle_state = 'processing'
		WHERE id = $1 AND lifecycle_state = 'accepted'
	`, inboxID); err != nil {
		ib.logger.Error("routeinbox: failed to mark processing", "inbox_id", inboxID, "error", err)
	}

	result, err := ib.spawner.Trigger(ctx, spawner.TriggerInput{
		Prompt:        in.Input.Prompt,
		TriggerSource: "route",
		RequestID:     in.RequestContext.RequestID,
		Options:       in.Input.Context,
	})
	if err != nil {
		ib.markErrored(ctx, inboxID, err.Error())
		return
	}
	if !result.Success {
		ib.markErrored(ctx, inboxID, result.Error)
		return
	}
	ib.markProcessed(ctx, inboxID, result.SessionID)
}

func (ib *Inbox) markProcessed(ctx context.Context, inboxID, sessionID string) {
	if _, err := dbx.Execute(ctx, ib.pool, `
		UPDATE route_inbox SET lifecycle_state = 'processed', processed_at = now(), session_id = $2
		WHERE id = $1 AND lifecycle_state = 'processing'
	`, inboxID, sessionID); err != nil {
		ib.logger.Error("routeinbox: failed to mark processed", "inbox_id", inboxID, "error", err)
	}
}

func (ib *Inbox) markErrored(ctx context.Context, inboxID, reason string) {
	if _, err := dbx.Execute(ctx, ib.pool, `
		UPDATE route_inbox SET lifecycle_state = 'errored', processed_at = now(), error = $2
		WHERE id = $1 AND lifecycle_state IN ('processing', 'accepted')
	`, inboxID, reason); err != nil {
		ib.logger.Error("routeinbox: failed to mark errored", "inbox_id", inboxID, "error", err)
	}
}

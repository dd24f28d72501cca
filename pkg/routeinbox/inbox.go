// Package routeinbox implements route.execute, the accept-then-process
// contract every non-messenger butler exposes: a synchronous accept phase
// that persists the inbox row and returns immediately, and a background
// process phase that invokes the session spawner.
package routeinbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/egress"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/spawner"
	"github.com/butlerhq/substrate/pkg/telemetry"
)

// DeliveryFunc is the messenger's synchronous delivery bypass, invoked
// directly instead of going through accept/process when a route.execute
// call carries a notify_request.
type DeliveryFunc func(ctx context.Context, env rpctool.NotifyEnvelope) (map[string]any, error)

// Inbox handles route.execute for one butler.
type Inbox struct {
	butlerName   string
	isMessenger  bool
	pool         dbx.Queryer
	spawner      *spawner.Spawner
	deliveryTool DeliveryFunc
	logger       *slog.Logger
}

// New builds an Inbox. deliveryTool is only consulted when isMessenger is
// true and may be nil otherwise.
func New(butlerName string, isMessenger bool, pool dbx.Queryer, sp *spawner.Spawner, deliveryTool DeliveryFunc) *Inbox {
	return &Inbox{
		butlerName:   butlerName,
		isMessenger:  isMessenger,
		pool:         pool,
		spawner:      sp,
		deliveryTool: deliveryTool,
		logger:       slog.Default(),
	}
}

// Execute implements the reserved route.execute tool.
func (ib *Inbox) Execute(ctx context.Context, in rpctool.RouteExecuteInput) (map[string]any, error) {
	if ib.isMessenger {
		if notify, ok := notifyRequest(in); ok {
			return ib.deliverSynchronously(ctx, notify)
		}
	}

	start := time.Now()
	ctx, acceptSpan := telemetry.StartAcceptSpan(ctx, "route.accept", in.RequestContext.RequestID)
	acceptSpanCtx := acceptSpan.SpanContext()
	defer acceptSpan.End()

	envelopeJSON, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("routeinbox: marshal envelope: %w", err)
	}

	inboxID := uuid.NewString()
	_, err = dbx.Execute(ctx, ib.pool, `
		INSERT INTO route_inbox (id, envelope_json, lifecycle_state, received_at)
		VALUES ($1, $2, 'accepted', now())
	`, inboxID, envelopeJSON)
	if err != nil {
		return map[string]any{
			"status": "error",
			"error": map[string]any{
				"class":   "internal_error",
				"message": fmt.Sprintf("route_inbox insert failed: %v", err),
			},
		}, nil
	}

	go ib.process(context.Background(), inboxID, in, acceptSpanCtx)

	return map[string]any{
		"status":          "accepted",
		"inbox_id":        inboxID,
		"timing":          map[string]any{"accept_ms": time.Since(start).Milliseconds()},
		"request_context": in.RequestContext,
	}, nil
}

func notifyRequest(in rpctool.RouteExecuteInput) (rpctool.NotifyEnvelope, bool) {
	if !egress.IsNotifyDispatch(in.Input.Context) {
		return rpctool.NotifyEnvelope{}, false
	}
	encoded, err := json.Marshal(in.Input.Context["notify_request"])
	if err != nil {
		return rpctool.NotifyEnvelope{}, false
	}
	var env rpctool.NotifyEnvelope
	if err := json.Unmarshal(encoded, &env); err != nil {
		return rpctool.NotifyEnvelope{}, false
	}
	return env, true
}

func (ib *Inbox) deliverSynchronously(ctx context.Context, notify rpctool.NotifyEnvelope) (map[string]any, error) {
	if ib.deliveryTool == nil {
		return map[string]any{
			"status": "error",
			"error": map[string]any{
				"class":   "internal_error",
				"message": "no delivery tool configured",
			},
		}, nil
	}
	return ib.deliveryTool(ctx, notify)
}

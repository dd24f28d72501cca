package durablebuffer

import (
	"context"
	"time"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// runScanner periodically sweeps ingest_messages for rows stuck in
// accepted past the grace period and re-enqueues them.
func (b *Buffer) runScanner(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ScannerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep runs one scanner pass. It returns the number of rows
// re-enqueued.
func (b *Buffer) sweep(ctx context.Context) int {
	threshold := time.Now().Add(-b.cfg.ScannerGrace)

	rows, err := dbx.Fetch(ctx, b.pool, `
		SELECT id, normalized_text FROM ingest_messages
		WHERE lifecycle_state = 'accepted' AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`, threshold, b.cfg.ScannerBatchSize)
	if err != nil {
		b.logger.Error("durable buffer: scanner query failed", "error", err)
		return 0
	}

	recovered := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		text, _ := row["normalized_text"].(string)

		if text == "" {
			_, execErr := dbx.Execute(ctx, b.pool, `
				UPDATE ingest_messages SET lifecycle_state = 'errored', processed_at = now(), error = 'empty normalized_text'
				WHERE id = $1 AND lifecycle_state = 'accepted'
			`, id)
			if execErr != nil {
				b.logger.Error("durable buffer: failed to mark empty row errored", "inbox_id", id, "error", execErr)
			}
			continue
		}

		ref := MessageRef{InboxID: id, NormalizedText: text}
		if !b.enqueueRaw(ref) {
			// Queue full: stop the sweep, leave remaining rows accepted
			// for the next tick.
			break
		}
		recovered++
	}

	if recovered > 0 {
		b.enqueueColdTotal.Add(int64(recovered))
		b.scannerRecoveredTotal.Add(int64(recovered))
	}
	return recovered
}

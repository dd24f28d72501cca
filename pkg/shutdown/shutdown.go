// Package shutdown implements the daemon's graceful shutdown sequence:
// stop accepting new work, drain the spawner, shut down active modules
// in order, then close the database pool. Generalizes the teacher's
// worker pool Stop() into a multi-stage orchestrator.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Drainer is the subset of *spawner.Spawner the orchestrator depends on.
type Drainer interface {
	StopAccepting()
	Drain(ctx context.Context, timeout time.Duration) error
}

// Module is one lifecycle-managed module eligible for shutdown.
type Module struct {
	Name     string
	Status   string // "active", "failed", "cascade_failed"
	Shutdown func(ctx context.Context) error
}

// Closer closes a resource such as a database pool.
type Closer interface {
	Close()
}

// Orchestrator drives the daemon's shutdown sequence exactly once.
type Orchestrator struct {
	timeout time.Duration
	spawner Drainer
	modules []Module
	closers []Closer
	logger  *slog.Logger

	accepting atomic.Bool
	stopOnce  sync.Once
}

// New builds an Orchestrator. spawner may be nil when the daemon never
// started one. timeout is [butler.shutdown].timeout_s, already resolved
// by pkg/config's defaulting.
func New(timeout time.Duration, spawner Drainer, modules []Module, closers ...Closer) *Orchestrator {
	o := &Orchestrator{
		timeout: timeout,
		spawner: spawner,
		modules: modules,
		closers: closers,
		logger:  slog.Default(),
	}
	o.accepting.Store(true)
	return o
}

// Accepting reports whether inbound paths should still admit new work.
// Inbound handlers check this synchronously before accepting a request.
func (o *Orchestrator) Accepting() bool {
	return o.accepting.Load()
}

// Stop runs the shutdown sequence in order: stop-accepting, spawner
// drain, module shutdowns, db close. Safe to call more than once; only
// the first call has effect.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.accepting.Store(false)
		o.logger.Info("shutdown: accepting connections disabled")

		if o.spawner != nil {
			o.spawner.StopAccepting()
			o.logger.Info("shutdown: spawner stopped accepting new triggers")

			if err := o.spawner.Drain(ctx, o.timeout); err != nil {
				o.logger.Warn("shutdown: spawner drain returned error", "error", err)
			} else {
				o.logger.Info("shutdown: spawner drained")
			}
		}

		for _, m := range o.modules {
			if m.Status != "active" {
				o.logger.Debug("shutdown: skipping non-active module", "module", m.Name, "status", m.Status)
				continue
			}
			if m.Shutdown == nil {
				continue
			}
			if err := m.Shutdown(ctx); err != nil {
				o.logger.Error("shutdown: module shutdown failed", "module", m.Name, "error", err)
			} else {
				o.logger.Info("shutdown: module stopped", "module", m.Name)
			}
		}

		for _, c := range o.closers {
			c.Close()
		}
		o.logger.Info("shutdown: database pool(s) closed")
	})
}

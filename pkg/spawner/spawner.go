// Package spawner owns the set of concurrent LLM session lifetimes for
// one butler: registering in-flight sessions, triggering new ones, and
// draining them on shutdown.
package spawner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// ErrNotAccepting is returned by Trigger once StopAccepting has been
// called.
var ErrNotAccepting = errors.New("not accepting new triggers")

// StatusMessage is one element of the async stream SDKQuery produces
// before its terminal result.
type StatusMessage struct {
	Kind string
	Text string
}

// QueryResult is SDKQuery's terminal outcome.
type QueryResult struct {
	Output string
	Error  error
}

// SDKQuery is the injected black-box LLM adapter: given a prompt and
// options, it streams status messages and ends with a result. The
// concrete adapter is out of scope here — Spawner only depends on this
// interface.
type SDKQuery func(ctx context.Context, prompt string, options map[string]any, onStatus func(StatusMessage)) QueryResult

// TriggerInput is the input to Trigger.
type TriggerInput struct {
	Prompt        string
	TriggerSource string
	RequestID     string
	Options       map[string]any
}

// TriggerResult is Trigger's return value.
type TriggerResult struct {
	SessionID  string
	Success    bool
	Output     string
	Error      string
	DurationMS int64
}

// Spawner manages one butler's concurrent session lifetimes.
type Spawner struct {
	butlerName string
	query      SDKQuery
	pool       dbx.Queryer // nil if session persistence is disabled
	logger     *slog.Logger

	mu           sync.Mutex
	acceptingNew bool
	inFlight     map[string]context.CancelFunc
}

// New builds a Spawner for butlerName backed by query. pool may be nil,
// in which case session metadata is not persisted.
func New(butlerName string, query SDKQuery, pool dbx.Queryer) *Spawner {
	return &Spawner{
		butlerName:   butlerName,
		query:        query,
		pool:         pool,
		logger:       slog.Default(),
		acceptingNew: true,
		inFlight:     make(map[string]context.CancelFunc),
	}
}

// InFlightCount returns the number of sessions currently running.
func (s *Spawner) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Trigger starts a new session. It blocks until SDKQuery returns a
// terminal result (success, error, or cancellation).
func (s *Spawner) Trigger(ctx context.Context, in TriggerInput) (TriggerResult, error) {
	s.mu.Lock()
	if !s.acceptingNew {
		s.mu.Unlock()
		return TriggerResult{}, ErrNotAccepting
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	sessionID := uuid.NewString()
	s.inFlight[sessionID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sessionID)
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	result := s.runQuery(sessionCtx, sessionID, in)
	duration := time.Since(start)

	out := TriggerResult{
		SessionID:  sessionID,
		DurationMS: duration.Milliseconds(),
	}
	if sessionCtx.Err() == context.Canceled {
		out.Success = false
		out.Error = "cancelled"
	} else if result.Error != nil {
		out.Success = false
		out.Error = result.Error.Error()
	} else {
		out.Success = true
		out.Output = result.Output
	}

	if s.pool != nil {
		s.persist(ctx, sessionID, in, out)
	}

	return out, nil
}

func (s *Spawner) runQuery(ctx context.Context, sessionID string, in TriggerInput) QueryResult {
	onStatus := func(msg StatusMessage) {
		s.logger.Debug("session status", "session_id", sessionID, "kind", msg.Kind)
	}
	return s.query(ctx, in.Prompt, in.Options, onStatus)
}

func (s *Spawner) persist(ctx context.Context, sessionID string, in TriggerInput, out TriggerResult) {
	_, err := dbx.Execute(ctx, s.pool, `
		INSERT INTO spawner_sessions (session_id, butler_name, trigger_source, request_id, success, output, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, sessionID, s.butlerName, in.TriggerSource, in.RequestID, out.Success, out.Output, out.Error, out.DurationMS)
	if err != nil {
		s.logger.Error("failed to persist session metadata", "session_id", sessionID, "error", err)
	}
}

// StopAccepting sets accepting_new=false. Synchronous, idempotent.
func (s *Spawner) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptingNew = false
}

// Drain waits for in_flight to reach zero or timeout to elapse. On
// timeout, it cancels every remaining in-flight session and continues
// waiting for their cleanup to complete. After Drain returns,
// InFlightCount() == 0 is guaranteed.
func (s *Spawner) Drain(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for {
		if s.InFlightCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if !cancelled {
				s.cancelAll()
				cancelled = true
			}
		case <-deadline:
			if !cancelled {
				s.cancelAll()
				cancelled = true
			}
		case <-ticker.C:
		}
	}
}

func (s *Spawner) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inFlight {
		cancel()
	}
}

// Command messenger runs the one butler daemon permitted to own channel
// egress: it exposes route.execute's synchronous notify bypass, a
// channel-send tool gated behind rate limiting and the delivery
// lifecycle, and the dead-letter queue's list/inspect/replay/discard
// surface, all as named RPC tools.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goslack "github.com/slack-go/slack"

	"github.com/butlerhq/substrate/pkg/approvaltools"
	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/delivery"
	"github.com/butlerhq/substrate/pkg/egress"
	"github.com/butlerhq/substrate/pkg/modlife"
	"github.com/butlerhq/substrate/pkg/ratelimit"
	"github.com/butlerhq/substrate/pkg/registry"
	"github.com/butlerhq/substrate/pkg/routeinbox"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/scheduler"
	"github.com/butlerhq/substrate/pkg/shutdown"
	"github.com/butlerhq/substrate/pkg/slack"
	"github.com/butlerhq/substrate/pkg/spawner"
	"github.com/butlerhq/substrate/pkg/telemetry"
	"github.com/butlerhq/substrate/pkg/version"
)

const butlerIdentity = "messenger"
const approvalExpirySweepInterval = 5 * time.Minute

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	switchboardURL := flag.String("switchboard-url", getEnv("SWITCHBOARD_URL", ""), "base URL this daemon advertises to the switchboard registry")
	flag.Parse()

	if err := godotenv.Load(*configDir + "/.env"); err != nil {
		log.Printf("no .env loaded from %s: %v", *configDir, err)
	}

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("configuration failed: %v", err)
	}
	if cfg.Butler.Name == "" {
		cfg.Butler.Name = butlerIdentity
	}

	dbCfg, err := dbx.LoadConfigFromEnv(cfg.Butler.DB.Name)
	if err != nil {
		log.Fatalf("database configuration failed: %v", err)
	}
	pool, err := dbx.NewPool(ctx, dbCfg)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Butler.Name)
	if err != nil {
		slog.Error("telemetry init failed, spans will not be exported", "error", err)
	}

	rpcRegistry := rpctool.NewRegistry()
	stopExpirySweep := make(chan struct{})

	var slackService *slack.Service
	var limiter *ratelimit.RateLimiter

	reg := modlife.NewRegistry()
	declarations := modlife.DeclarationsFromConfig(cfg.Modules)
	declarations = modlife.Upsert(declarations, "slack", func(d *modlife.Declaration) {
		d.Schema = []modlife.FieldSchema{
			{Name: "token", Type: modlife.TypeString},
			{Name: "channel", Type: modlife.TypeString},
			{Name: "link_url", Type: modlife.TypeString},
		}
		d.OnStartup = func(ctx context.Context, moduleCfg config.ModuleConfig) error {
			slackService = slack.NewService(moduleConfigToSlack(moduleCfg))
			return nil
		}
	})
	declarations = modlife.Upsert(declarations, "ratelimit", func(d *modlife.Declaration) {
		d.Schema = []modlife.FieldSchema{
			{Name: "global_max_per_minute", Type: modlife.TypeFloat},
			{Name: "global_max_in_flight", Type: modlife.TypeFloat},
			{Name: "per_recipient_max_per_minute", Type: modlife.TypeFloat},
			{Name: "reply_priority_multiplier", Type: modlife.TypeFloat},
			{Name: "channel_limits", Type: modlife.TypeMap},
		}
		d.OnStartup = func(ctx context.Context, moduleCfg config.ModuleConfig) error {
			limiter = ratelimit.New(moduleConfigToRatelimit(moduleCfg), time.Now())
			return nil
		}
	})
	declarations = modlife.Upsert(declarations, "approval", func(d *modlife.Declaration) {
		d.OnStartup = func(ctx context.Context, _ config.ModuleConfig) error {
			approvaltools.Register(rpcRegistry, pool)
			go approvaltools.RunExpirySweep(stopExpirySweep, pool, approvalExpirySweepInterval)
			return nil
		}
		d.OnShutdown = func(ctx context.Context) error {
			close(stopExpirySweep)
			return nil
		}
	})
	results, err := reg.Start(ctx, declarations, modlife.StripMeta(cfg.Modules))
	if err != nil {
		log.Fatalf("module lifecycle failed: %v", err)
	}
	for _, r := range results {
		if r.Status != modlife.StatusActive {
			slog.Warn("module did not start", "module", r.Name, "status", r.Status, "phase", r.Phase, "error", r.Err)
		}
	}
	if limiter == nil {
		// slack/ratelimit cascade-failed or their schema rejected the
		// configured table; fall back to safe defaults rather than a
		// nil limiter every admission check would panic on.
		limiter = ratelimit.New(ratelimit.Config{GlobalMaxPerMinute: 60, GlobalMaxInFlight: 20, ChannelLimits: map[string]float64{}}, time.Now())
	}

	sp := spawner.New(cfg.Butler.Name, noopSDKQuery, pool)

	egressToolName := fmt.Sprintf("bot_%s_send_message", "slack")
	egressFilter := egress.Filter(cfg.Butler.Name, []string{egressToolName})
	for _, name := range egressFilter.Allowed {
		rpcRegistry.Register(rpctool.ToolFunc{
			ToolName: name,
			Fn:       sendMessageTool(pool, slackService, limiter),
		})
	}
	for _, name := range egressFilter.Suppressed {
		slog.Warn("suppressed channel-egress tool on non-messenger daemon", "tool", name)
	}

	inbox := routeinbox.New(cfg.Butler.Name, true, pool, sp, notifyDeliveryFunc(pool, slackService, limiter))
	rpcRegistry.Register(rpctool.ToolFunc{
		ToolName: rpctool.RouteExecuteToolName,
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
			in, err := decodeRouteExecuteInput(args)
			if err != nil {
				return nil, rpctool.NewToolError("invalid_argument", err.Error())
			}
			out, err := inbox.Execute(ctx, in)
			if err != nil {
				return nil, rpctool.NewToolError("internal_error", err.Error())
			}
			return out, nil
		},
	})

	registerDLQTools(rpcRegistry, pool)

	server := rpctool.NewServer(cfg.Butler.Name, rpcRegistry)
	gin.SetMode(getEnv("GIN_MODE", "release"))
	server.Engine().GET("/healthz", healthzHandler(pool))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Butler.Port),
		Handler: server.Engine(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("rpc server failed: %v", err)
		}
	}()

	if err := scheduler.Sync(ctx, pool, cfg.Butler.Schedule); err != nil {
		slog.Error("schedule sync failed", "error", err)
	}
	if *switchboardURL != "" {
		if err := registry.Register(ctx, pool, cfg.Butler.Name, *switchboardURL, cfg.Butler.Description, declarationNames(declarations)); err != nil {
			slog.Error("registry registration failed", "error", err)
		}
	}

	shutdownTimeout := time.Duration(cfg.Butler.Shutdown.TimeoutS) * time.Second
	orchestrator := shutdown.New(shutdownTimeout, sp, shutdownModules(declarations, results), shutdownCloser{pool}, telemetry.ShutdownCloser{Shutdown: shutdownTelemetry})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	slog.Info("shutdown signal received", "butler", cfg.Butler.Name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	orchestrator.Stop(shutdownCtx)
}

type shutdownCloser struct{ pool *dbx.Pool }

func (c shutdownCloser) Close() { c.pool.Close() }

func noopSDKQuery(ctx context.Context, prompt string, options map[string]any, onStatus func(spawner.StatusMessage)) spawner.QueryResult {
	return spawner.QueryResult{Error: errors.New("no LLM session adapter wired into the messenger daemon")}
}

func declarationNames(declarations []modlife.Declaration) []string {
	names := make([]string, len(declarations))
	for i, d := range declarations {
		names[i] = d.Name
	}
	return names
}

// shutdownModules pairs each module's recorded Start outcome with the
// OnShutdown hook its Declaration carried, so pkg/shutdown only ever
// invokes on_shutdown for modules that actually reached active.
func shutdownModules(declarations []modlife.Declaration, results []modlife.Result) []shutdown.Module {
	hooks := make(map[string]func(context.Context) error, len(declarations))
	for _, d := range declarations {
		if d.OnShutdown != nil {
			hooks[d.Name] = d.OnShutdown
		}
	}
	modules := make([]shutdown.Module, 0, len(results))
	for _, r := range results {
		modules = append(modules, shutdown.Module{Name: r.Name, Status: string(r.Status), Shutdown: hooks[r.Name]})
	}
	return modules
}

// healthzHandler mirrors the teacher's /health endpoint: database
// connectivity plus the running build's version.
func healthzHandler(pool *dbx.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := dbx.Health(ctx, pool)
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":   dbHealth.Status,
			"version":  version.Full(),
			"database": dbHealth,
		})
	}
}

func decodeRouteExecuteInput(args map[string]any) (rpctool.RouteExecuteInput, error) {
	var in rpctool.RouteExecuteInput
	encoded, err := json.Marshal(args)
	if err != nil {
		return in, fmt.Errorf("route.execute: encode args: %w", err)
	}
	if err := json.Unmarshal(encoded, &in); err != nil {
		return in, fmt.Errorf("route.execute: decode args: %w", err)
	}
	return in, nil
}

// moduleConfigToSlack decodes a validated [modules.slack] table. Called
// from the slack Declaration's OnStartup once modlife has checked it
// against the module's schema; an absent table decodes to the zero
// value, which slack.NewService treats as unconfigured.
func moduleConfigToSlack(raw config.ModuleConfig) slack.ServiceConfig {
	token, _ := raw["token"].(string)
	channel, _ := raw["channel"].(string)
	linkURL, _ := raw["link_url"].(string)
	return slack.ServiceConfig{Token: token, Channel: channel, LinkURL: linkURL}
}

// moduleConfigToRatelimit decodes a validated [modules.ratelimit] table,
// same calling convention as moduleConfigToSlack.
func moduleConfigToRatelimit(raw config.ModuleConfig) ratelimit.Config {
	out := ratelimit.Config{
		GlobalMaxPerMinute:      60,
		GlobalMaxInFlight:       20,
		PerRecipientMaxPerMin:   10,
		ReplyPriorityMultiplier: 2,
		ChannelLimits:           map[string]float64{},
	}
	if v, ok := raw["global_max_per_minute"].(float64); ok {
		out.GlobalMaxPerMinute = v
	}
	if v, ok := raw["global_max_in_flight"].(float64); ok {
		out.GlobalMaxInFlight = int(v)
	}
	if v, ok := raw["per_recipient_max_per_minute"].(float64); ok {
		out.PerRecipientMaxPerMin = v
	}
	if v, ok := raw["reply_priority_multiplier"].(float64); ok {
		out.ReplyPriorityMultiplier = v
	}
	if limits, ok := raw["channel_limits"].(map[string]any); ok {
		for k, v := range limits {
			if f, ok := v.(float64); ok {
				out.ChannelLimits[k] = f
			}
		}
	}
	return out
}

// dispatchDelivery runs admission control, enqueue, and the attempt loop
// for one outbound message, releasing the in-flight slot exactly once
// regardless of outcome.
func dispatchDelivery(ctx context.Context, pool *dbx.Pool, slackService *slack.Service, limiter *ratelimit.RateLimiter, originButler, channel, intent, recipient, message, idempotencyKey string) (map[string]any, error) {
	rlIntent := ratelimit.IntentSend
	if intent == "reply" {
		rlIntent = ratelimit.IntentReply
	}

	admission := limiter.CheckAdmission(time.Now(), channel, originButler, recipient, rlIntent)
	if !admission.Admitted {
		return map[string]any{
			"status":              "rejected",
			"error_class":         admission.ErrorClass,
			"limit_type":          admission.LimitType,
			"retry_after_seconds": admission.RetryAfterSeconds,
		}, nil
	}
	defer limiter.Release()

	requestID, duplicate, err := delivery.Enqueue(ctx, pool, idempotencyKey, originButler, channel, intent, recipient, message)
	if err != nil {
		return nil, fmt.Errorf("messenger: enqueue delivery: %w", err)
	}
	if duplicate {
		return map[string]any{"status": "duplicate", "delivery_request_id": requestID}, nil
	}

	env := delivery.Envelope{Channel: channel, TargetIdentity: recipient, MessageContent: message, Intent: intent}
	sendFn := slackSendFunc(slackService, limiter, channel)
	if err := delivery.Deliver(ctx, pool, requestID, env, sendFn, delivery.DefaultRetryPolicy); err != nil {
		return nil, fmt.Errorf("messenger: deliver: %w", err)
	}

	return map[string]any{"status": "accepted", "delivery_request_id": requestID}, nil
}

// slackSendFunc adapts the Slack provider into a delivery.SendFunc,
// classifying a slack-go rate-limit error as retryable and recording the
// provider throttle so subsequent admission checks honor it.
func slackSendFunc(slackService *slack.Service, limiter *ratelimit.RateLimiter, channel string) delivery.SendFunc {
	return func(ctx context.Context, env delivery.Envelope) delivery.SendResult {
		_, err := slackService.Send(ctx, slack.SendInput{Body: env.MessageContent})
		if err == nil {
			return delivery.SendResult{Outcome: delivery.OutcomeSuccess}
		}

		if errors.Is(err, slack.ErrProviderNotConfigured) {
			return delivery.SendResult{
				Outcome:      delivery.OutcomeNonRetryableError,
				ErrorClass:   "provider_not_configured",
				ErrorMessage: err.Error(),
			}
		}

		var rateLimited *goslack.RateLimitedError
		if errors.As(err, &rateLimited) {
			limiter.RecordProviderThrottle(time.Now(), channel, rateLimited.RetryAfter.Seconds(), "provider_rate_limited")
			return delivery.SendResult{
				Outcome:      delivery.OutcomeRetryableError,
				ErrorClass:   "rate_limited",
				ErrorMessage: err.Error(),
			}
		}

		return delivery.SendResult{
			Outcome:      delivery.OutcomeRetryableError,
			ErrorClass:   "send_failed",
			ErrorMessage: err.Error(),
		}
	}
}

// notifyDeliveryFunc is route.execute's synchronous bypass: the LLM's
// notify_request is turned into a content-addressed idempotency key (no
// explicit key travels in the envelope) and pushed through the same
// admission+enqueue+deliver path as the channel-send tool.
func notifyDeliveryFunc(pool *dbx.Pool, slackService *slack.Service, limiter *ratelimit.RateLimiter) routeinbox.DeliveryFunc {
	return func(ctx context.Context, notify rpctool.NotifyEnvelope) (map[string]any, error) {
		key := notifyIdempotencyKey(notify)
		return dispatchDelivery(ctx, pool, slackService, limiter,
			notify.OriginButler, notify.Delivery.Channel, notify.Delivery.Intent,
			notify.Delivery.Recipient, notify.Delivery.Message, key)
	}
}

func notifyIdempotencyKey(notify rpctool.NotifyEnvelope) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s",
		notify.OriginButler, notify.Delivery.Channel, notify.Delivery.Recipient,
		notify.Delivery.Intent, notify.Delivery.Message)))
	return fmt.Sprintf("notify:%x", sum)
}

// sendMessageTool is the channel-egress tool an LLM session invokes
// directly (as opposed to the notify_request bypass, which the spawner
// never sees). Only ever registered when butlerName == messenger.
func sendMessageTool(pool *dbx.Pool, slackService *slack.Service, limiter *ratelimit.RateLimiter) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		recipient, _ := args["recipient"].(string)
		message, _ := args["message"].(string)
		intent, _ := args["intent"].(string)
		idempotencyKey, _ := args["idempotency_key"].(string)
		if recipient == "" || message == "" {
			return nil, rpctool.NewToolError("invalid_argument", "recipient and message are required")
		}
		if intent == "" {
			intent = "send"
		}
		if idempotencyKey == "" {
			idempotencyKey = notifyIdempotencyKey(rpctool.NotifyEnvelope{
				OriginButler: "messenger",
				Delivery: struct {
					Intent    string `json:"intent"`
					Channel   string `json:"channel"`
					Message   string `json:"message"`
					Recipient string `json:"recipient"`
					Subject   string `json:"subject,omitempty"`
				}{Intent: intent, Channel: "slack", Message: message, Recipient: recipient},
			})
		}

		result, err := dispatchDelivery(ctx, pool, slackService, limiter, "messenger", "slack", intent, recipient, message, idempotencyKey)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return result, nil
	}
}

func registerDLQTools(reg *rpctool.Registry, pool *dbx.Pool) {
	reg.Register(rpctool.ToolFunc{ToolName: "dlq.list", Fn: dlqList(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "dlq.inspect", Fn: dlqInspect(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "dlq.replay", Fn: dlqReplay(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "dlq.discard", Fn: dlqDiscard(pool)})
}

func dlqList(pool *dbx.Pool) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		f := delivery.ListFilter{
			IncludeDiscarded: boolArg(args, "include_discarded"),
			Channel:          stringArg(args, "channel"),
			OriginButler:     stringArg(args, "origin_butler"),
			ErrorClass:       stringArg(args, "error_class"),
		}
		if limit, ok := args["limit"].(float64); ok {
			f.Limit = int(limit)
		}
		entries, err := delivery.List(ctx, pool, f)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		out := make([]map[string]any, len(entries))
		for i, e := range entries {
			out[i] = dlqEntryToAny(e)
		}
		return map[string]any{"entries": out}, nil
	}
}

func dlqInspect(pool *dbx.Pool) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		id := stringArg(args, "id")
		entry, eligibility, err := delivery.Inspect(ctx, pool, id)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		if entry == nil {
			return nil, rpctool.NewToolError("not_found", fmt.Sprintf("dead letter %s not found", id))
		}
		out := dlqEntryToAny(*entry)
		out["eligibility"] = map[string]any{"eligible": eligibility.Eligible, "reasons": eligibility.Reasons}
		return out, nil
	}
}

func dlqReplay(pool *dbx.Pool) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		result, err := delivery.Replay(ctx, pool, stringArg(args, "id"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return result, nil
	}
}

func dlqDiscard(pool *dbx.Pool) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		if err := delivery.Discard(ctx, pool, stringArg(args, "id"), stringArg(args, "reason")); err != nil {
			return nil, rpctool.NewToolError("invalid_argument", err.Error())
		}
		return map[string]any{"status": "discarded"}, nil
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func dlqEntryToAny(e delivery.DeadLetter) map[string]any {
	return map[string]any{
		"id":                   e.ID,
		"delivery_request_id":  e.DeliveryRequestID,
		"quarantine_reason":    e.QuarantineReason,
		"error_class":          e.ErrorClass,
		"error_summary":        e.ErrorSummary,
		"total_attempts":       e.TotalAttempts,
		"first_attempt_at":     e.FirstAttemptAt,
		"last_attempt_at":      e.LastAttemptAt,
		"original_envelope":    e.OriginalEnvelope,
		"all_attempt_outcomes": e.AllAttemptOutcomes,
		"replay_eligible":      e.ReplayEligible,
		"replay_count":         e.ReplayCount,
		"discarded_at":         e.DiscardedAt,
		"discard_reason":       e.DiscardReason,
	}
}

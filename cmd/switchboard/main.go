// Command switchboard runs the switchboard daemon: it accepts inbound
// channel messages into the durable buffer, evaluates deterministic
// triage against each one, and forwards anything that isn't
// short-circuited to the target butler's route.execute over RPC.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/durablebuffer"
	"github.com/butlerhq/substrate/pkg/modlife"
	"github.com/butlerhq/substrate/pkg/registry"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/scheduler"
	"github.com/butlerhq/substrate/pkg/shutdown"
	"github.com/butlerhq/substrate/pkg/spawner"
	"github.com/butlerhq/substrate/pkg/telemetry"
	"github.com/butlerhq/substrate/pkg/triage"
	"github.com/butlerhq/substrate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	if err := godotenv.Load(*configDir + "/.env"); err != nil {
		log.Printf("no .env loaded from %s: %v", *configDir, err)
	}

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("configuration failed: %v", err)
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

	shutdownTimeout := time.Duration(cfg.Butler.Shutdown.TimeoutS) * time.Second

	client := rpctool.NewClient(registry.Resolver(pool))
	defaultTarget := getEnv("DEFAULT_ROUTE_TARGET", "general")

	sp := spawner.New(cfg.Butler.Name, noopSDKQuery, pool)

	var rules []triage.Rule
	var buffer *durablebuffer.Buffer

	reg := modlife.NewRegistry()
	declarations := modlife.DeclarationsFromConfig(cfg.Modules)
	declarations = modlife.Upsert(declarations, "triage", func(d *modlife.Declaration) {
		d.Schema = []modlife.FieldSchema{{Name: "rules", Type: modlife.TypeList}}
		d.OnStartup = func(ctx context.Context, moduleCfg config.ModuleConfig) error {
			rules = moduleConfigToTriageRules(moduleCfg)
			return nil
		}
	})
	declarations = modlife.Upsert(declarations, "ingest_buffer", func(d *modlife.Declaration) {
		d.OnShutdown = func(ctx context.Context) error {
			if buffer != nil {
				buffer.Stop(shutdownTimeout)
			}
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

	buffer = durablebuffer.New(durablebuffer.Config{
		QueueCapacity:    1024,
		WorkerCount:      8,
		ScannerInterval:  30 * time.Second,
		ScannerGrace:     2 * time.Minute,
		ScannerBatchSize: 100,
	}, pool, func(ctx context.Context, ref durablebuffer.MessageRef) error {
		return dispatch(ctx, client, rules, defaultTarget, ref)
	})
	buffer.Start(ctx)

	gin.SetMode(getEnv("GIN_MODE", "release"))
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", healthzHandler(pool))
	engine.POST("/ingest", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ref := durablebuffer.MessageRef{InboxID: uuid.NewString(), NormalizedText: string(encoded)}
		if !buffer.Enqueue(ref) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingest buffer at capacity"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"inbox_id": ref.InboxID})
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Butler.Port), Handler: engine}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ingest server failed: %v", err)
		}
	}()

	if err := scheduler.Sync(ctx, pool, cfg.Butler.Schedule); err != nil {
		slog.Error("schedule sync failed", "error", err)
	}
	go runScheduleLoop(ctx, pool, sp)

	orchestrator := shutdown.New(shutdownTimeout, sp, shutdownModules(declarations, results), shutdownCloser{pool}, telemetry.ShutdownCloser{Shutdown: shutdownTelemetry})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	orchestrator.Stop(shutdownCtx)
}

type shutdownCloser struct{ pool *dbx.Pool }

func (c shutdownCloser) Close() { c.pool.Close() }

// moduleConfigToTriageRules decodes a validated [modules.triage] table's
// rules entry. Called from the triage Declaration's OnStartup once
// modlife has checked it against the module's schema; an empty or
// absent rules list means every envelope passes through undecided,
// deferred entirely to LLM classification.
func moduleConfigToTriageRules(raw config.ModuleConfig) []triage.Rule {
	encoded, err := json.Marshal(raw["rules"])
	if err != nil {
		slog.Warn("failed to encode triage rules", "error", err)
		return nil
	}
	var rules []triage.Rule
	if err := json.Unmarshal(encoded, &rules); err != nil {
		slog.Warn("failed to decode triage rules", "error", err)
		return nil
	}
	return rules
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

func noopSDKQuery(ctx context.Context, prompt string, options map[string]any, onStatus func(spawner.StatusMessage)) spawner.QueryResult {
	return spawner.QueryResult{Error: errors.New("no LLM session adapter wired into the switchboard daemon")}
}

// dispatch evaluates triage for one buffered ingest row and acts on the
// outcome. route_to:<butler> and pass_through both forward to a butler's
// route.execute (route_to bypassing LLM classification with an explicit
// target, pass_through deferring classification to defaultTarget); skip
// drops the message; metadata_only forwards a stripped envelope carrying
// no message body; low_priority_queue forwards the full envelope tagged
// so the receiving butler can deprioritize it.
func dispatch(ctx context.Context, client *rpctool.Client, rules []triage.Rule, defaultTarget string, ref durablebuffer.MessageRef) error {
	var ingest map[string]any
	if err := json.Unmarshal([]byte(ref.NormalizedText), &ingest); err != nil {
		return err
	}

	env := triage.MakeTriageEnvelopeFromIngest(ingest)
	threadAffinity, _ := ingest["thread_affinity_butler"].(string)
	result := triage.Evaluate(env, rules, threadAffinity)

	action := string(result.Action)
	switch {
	case action == string(triage.ActionSkip):
		return nil

	case strings.HasPrefix(action, "route_to:"):
		target := strings.TrimPrefix(action, "route_to:")
		return routeTo(ctx, client, target, env, ingest)

	case action == string(triage.ActionMetadataOnly):
		stripped := map[string]any{
			"sender_address": ingest["sender_address"],
			"source_channel": ingest["source_channel"],
			"thread_id":      ingest["thread_id"],
			"headers":        ingest["headers"],
		}
		return routeTo(ctx, client, defaultTarget, env, stripped)

	case action == string(triage.ActionLowPriorityQueue):
		ingest["triage_priority"] = "low"
		return routeTo(ctx, client, defaultTarget, env, ingest)

	default: // pass_through
		return routeTo(ctx, client, defaultTarget, env, ingest)
	}
}

func routeTo(ctx context.Context, client *rpctool.Client, target string, env triage.Envelope, ingestContext map[string]any) error {
	_, err := client.Call(ctx, target, rpctool.RouteExecuteToolName, map[string]any{
		"input": map[string]any{"prompt": env.SenderAddress, "context": ingestContext},
	}, nil)
	return err
}

func runScheduleLoop(ctx context.Context, pool *dbx.Pool, sp *spawner.Spawner) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := scheduler.Tick(ctx, pool, func(ctx context.Context, prompt, triggerSource, jobName string, jobArgs map[string]any) (map[string]any, error) {
				result, err := sp.Trigger(ctx, spawner.TriggerInput{
					Prompt:        prompt,
					TriggerSource: triggerSource,
					Options:       jobArgs,
				})
				if err != nil {
					return nil, err
				}
				if !result.Success {
					return nil, errors.New(result.Error)
				}
				return map[string]any{"session_id": result.SessionID, "output": result.Output}, nil
			})
			if err != nil {
				slog.Error("schedule tick failed", "error", err)
			}
		}
	}
}

// Command butlerd runs one butler daemon: it loads butler.toml, brings
// up the module lifecycle, exposes route.execute and any registered
// module tools over the RPC server, and drains cleanly on SIGTERM.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/butlerhq/substrate/pkg/approvaltools"
	"github.com/butlerhq/substrate/pkg/config"
	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/modlife"
	"github.com/butlerhq/substrate/pkg/registry"
	"github.com/butlerhq/substrate/pkg/routeinbox"
	"github.com/butlerhq/substrate/pkg/rpctool"
	"github.com/butlerhq/substrate/pkg/scheduler"
	"github.com/butlerhq/substrate/pkg/shutdown"
	"github.com/butlerhq/substrate/pkg/spawner"
	"github.com/butlerhq/substrate/pkg/telemetry"
	"github.com/butlerhq/substrate/pkg/version"
)

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

	reg := modlife.NewRegistry()
	declarations := modlife.DeclarationsFromConfig(cfg.Modules)
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

	sp := spawner.New(cfg.Butler.Name, noopSDKQuery, pool)

	inbox := routeinbox.New(cfg.Butler.Name, false, pool, sp, nil)
	rpcRegistry.Register(rpctool.ToolFunc{
		ToolName: "route.execute",
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
	return spawner.QueryResult{Error: errors.New("no LLM session adapter wired into this daemon build")}
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


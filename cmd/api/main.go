package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/limitgate/backend/internal/alerting"
	"github.com/limitgate/backend/internal/cache"
	"github.com/limitgate/backend/internal/circuitbreaker"
	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/counter"
	"github.com/limitgate/backend/internal/events"
	"github.com/limitgate/backend/internal/handlers"
	"github.com/limitgate/backend/internal/ingest"
	"github.com/limitgate/backend/internal/limiter"
	"github.com/limitgate/backend/internal/metrics"
	"github.com/limitgate/backend/internal/middleware"
	"github.com/limitgate/backend/internal/resolver"
	"github.com/limitgate/backend/internal/service"
	"github.com/limitgate/backend/internal/store"
	"github.com/limitgate/backend/internal/stream"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Config and event store.
	db, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpen, cfg.Database.MaxIdle, cfg.Database.CallTimeout)
	if err != nil {
		log.Fatalf("connecting to postgres: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("migrating schema: %v", err)
	}

	// Counter store.
	rdb, err := counter.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		cfg.Redis.PoolSize, cfg.Redis.ConnectTimeout, cfg.Redis.CallTimeout)
	if err != nil {
		log.Fatalf("connecting to redis: %v", err)
	}
	defer rdb.Close()

	// Shared infrastructure.
	cbm := circuitbreaker.NewManager()
	bus := events.NewBus()
	configCache := cache.NewConfigCache(db, cbm, cfg)
	res := resolver.New(configCache)
	strategies := limiter.NewFactory(rdb)

	// Async decision pipeline.
	queue := ingest.New(cfg.Ingest, configCache)
	queue.Start()

	// Decision service.
	checker := service.NewChecker(res, strategies, cbm, queue, bus, cfg)

	// Background workers.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	streamer := stream.New(bus)
	go streamer.Run(workerCtx)

	evaluator := alerting.NewEvaluator(configCache, configCache, bus, cfg.Alerting)
	if cfg.Alerting.Enabled {
		go evaluator.Run(workerCtx)
	}

	// Publish breaker transitions as metrics and bus events.
	go publishBreakerStates(workerCtx, cbm, bus)

	router := buildRouter(configCache, checker, res, evaluator, cbm, queue, streamer, db, rdb)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT: stop accepting, stop workers,
	// drain the ingest queue.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutdown signal received, draining...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
		stopWorkers()
	}()

	log.Printf("limitgate listening on :%s (env=%s)", cfg.Server.Port, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	queue.Close()
	log.Println("stopped")
}

func buildRouter(configCache *cache.ConfigCache, checker *service.Checker,
	res *resolver.Resolver, evaluator *alerting.Evaluator, cbm *circuitbreaker.Manager,
	queue *ingest.Queue, streamer *stream.Streamer, db *store.Store, rdb *counter.RedisStore) *mux.Router {

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	router.HandleFunc("/health", handlers.HandleHealth(db, rdb, cbm)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", streamer.HandleWebSocket)

	// Decision plane. The check endpoint stays open so enforcement points
	// do not need management credentials.
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rate-limit/check", handlers.HandleCheck(checker)).Methods("POST")

	// Management plane, API-key guarded.
	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.APIKeyAuth(configCache))

	admin.HandleFunc("/tenants", handlers.HandleCreateTenant(configCache)).Methods("POST")
	admin.HandleFunc("/tenants", handlers.HandleListTenants(configCache)).Methods("GET")
	admin.HandleFunc("/tenants/{id}", handlers.HandleGetTenant(configCache)).Methods("GET")
	admin.HandleFunc("/tenants/{id}", handlers.HandleUpdateTenant(configCache)).Methods("PUT")
	admin.HandleFunc("/tenants/{id}", handlers.HandleDeleteTenant(configCache)).Methods("DELETE")

	admin.HandleFunc("/policies", handlers.HandleCreatePolicy(configCache)).Methods("POST")
	admin.HandleFunc("/policies", handlers.HandleListPolicies(configCache)).Methods("GET")
	admin.HandleFunc("/policies/{id}", handlers.HandleGetPolicy(configCache)).Methods("GET")
	admin.HandleFunc("/policies/{id}", handlers.HandleUpdatePolicy(configCache)).Methods("PUT")
	admin.HandleFunc("/policies/{id}", handlers.HandleDeletePolicy(configCache)).Methods("DELETE")

	admin.HandleFunc("/policy-rules", handlers.HandleCreatePolicyRule(configCache)).Methods("POST")
	admin.HandleFunc("/policy-rules", handlers.HandleListPolicyRules(configCache)).Methods("GET")
	admin.HandleFunc("/policy-rules/match", handlers.HandleMatchPolicyRule(res)).Methods("GET")
	admin.HandleFunc("/policy-rules/{id}", handlers.HandleGetPolicyRule(configCache)).Methods("GET")
	admin.HandleFunc("/policy-rules/{id}", handlers.HandleUpdatePolicyRule(configCache)).Methods("PUT")
	admin.HandleFunc("/policy-rules/{id}", handlers.HandleDeletePolicyRule(configCache)).Methods("DELETE")

	admin.HandleFunc("/ip-rules", handlers.HandleCreateIPRule(configCache)).Methods("POST")
	admin.HandleFunc("/ip-rules", handlers.HandleListIPRules(configCache)).Methods("GET")
	admin.HandleFunc("/ip-rules/match/{ip}", handlers.HandleMatchIPRule(res)).Methods("GET")
	admin.HandleFunc("/ip-rules/match/{ip}/tenant/{tenantId}", handlers.HandleMatchIPRule(res)).Methods("GET")
	admin.HandleFunc("/ip-rules/{id}", handlers.HandleGetIPRule(configCache)).Methods("GET")
	admin.HandleFunc("/ip-rules/{id}", handlers.HandleUpdateIPRule(configCache)).Methods("PUT")
	admin.HandleFunc("/ip-rules/{id}", handlers.HandleDeleteIPRule(configCache)).Methods("DELETE")

	admin.HandleFunc("/api-keys", handlers.HandleCreateAPIKey(configCache)).Methods("POST")
	admin.HandleFunc("/api-keys", handlers.HandleListAPIKeys(configCache)).Methods("GET")
	admin.HandleFunc("/api-keys/{id}", handlers.HandleGetAPIKey(configCache)).Methods("GET")
	admin.HandleFunc("/api-keys/{id}", handlers.HandleUpdateAPIKey(configCache)).Methods("PUT")
	admin.HandleFunc("/api-keys/{id}", handlers.HandleDeleteAPIKey(configCache)).Methods("DELETE")

	admin.HandleFunc("/user-policies", handlers.HandleCreateUserPolicy(configCache)).Methods("POST")
	admin.HandleFunc("/user-policies", handlers.HandleListUserPolicies(configCache)).Methods("GET")
	admin.HandleFunc("/user-policies/{id}", handlers.HandleDeleteUserPolicy(configCache)).Methods("DELETE")

	admin.HandleFunc("/alert-rules", handlers.HandleCreateAlertRule(configCache)).Methods("POST")
	admin.HandleFunc("/alert-rules", handlers.HandleListAlertRules(configCache)).Methods("GET")
	admin.HandleFunc("/alert-rules/{id}", handlers.HandleGetAlertRule(configCache)).Methods("GET")
	admin.HandleFunc("/alert-rules/{id}", handlers.HandleUpdateAlertRule(configCache)).Methods("PUT")
	admin.HandleFunc("/alert-rules/{id}", handlers.HandleDeleteAlertRule(configCache)).Methods("DELETE")
	admin.HandleFunc("/alert-rules/{id}/test", handlers.HandleTestAlertRule(evaluator)).Methods("POST")

	admin.HandleFunc("/metrics/summary", handlers.HandleMetricsSummary(configCache)).Methods("GET")
	admin.HandleFunc("/policies/{id}/metrics", handlers.HandlePolicyMetrics(configCache)).Methods("GET")
	admin.HandleFunc("/policies/{id}/metrics/summary", handlers.HandlePolicySummary(configCache)).Methods("GET")
	admin.HandleFunc("/policies/{id}/events", handlers.HandleRecentEvents(configCache)).Methods("GET")

	admin.HandleFunc("/system/breakers", handlers.HandleBreakerStats(cbm)).Methods("GET")
	admin.HandleFunc("/system/caches", handlers.HandleCacheStats(configCache)).Methods("GET")
	admin.HandleFunc("/system/caches/flush", handlers.HandleCacheFlush(configCache)).Methods("POST")
	admin.HandleFunc("/system/ingest", handlers.HandleIngestStats(queue)).Methods("GET")
	admin.HandleFunc("/system/stream", handlers.HandleStreamStats(streamer)).Methods("GET")

	return router
}

// publishBreakerStates mirrors breaker snapshots into Prometheus gauges
// and the event bus.
func publishBreakerStates(ctx context.Context, cbm *circuitbreaker.Manager, bus *events.Bus) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := map[string]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, st := range cbm.Snapshot() {
				stateVal := 0
				switch st.State {
				case "OPEN":
					stateVal = 1
				case "HALF_OPEN":
					stateVal = 2
				}
				metrics.SetBreakerState(name, stateVal)
				if last[name] != st.State {
					if last[name] != "" {
						bus.Emit(events.TypeBreakerChange, name, map[string]interface{}{
							"from": last[name], "to": st.State,
						})
					}
					last[name] = st.State
				}
			}
		}
	}
}

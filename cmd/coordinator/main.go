package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/sagaflow/platform/internal/adapter"
	"github.com/sagaflow/platform/internal/config"
	"github.com/sagaflow/platform/internal/coordinator"
	"github.com/sagaflow/platform/internal/metrics"
	"github.com/sagaflow/platform/internal/saga"
	"github.com/sagaflow/platform/internal/sagalog"
	"github.com/sagaflow/platform/pkg/logger"
	"github.com/sagaflow/platform/pkg/tracing"
)

func main() {
	cfg := config.Load("sagaflow-coordinator", 8090)
	log.Printf("Starting %s...", cfg.ServiceName)

	logg := logger.New(cfg.ServiceName, nil)

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 链路追踪
	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	m := metrics.New()
	store := sagalog.NewPostgresStore(db)

	transport := adapter.NewHTTPTransport(cfg.InternalToken)
	caller := adapter.New(transport, adapter.Config{
		BreakerFailureRate:    cfg.Adapter.BreakerFailureRate,
		BreakerMinSamples:     uint32(cfg.Adapter.BreakerMinSamples),
		BreakerOpenDuration:   cfg.Adapter.BreakerOpenFor,
		BulkheadMaxConcurrent: int64(cfg.Adapter.BulkheadMax),
	}, logg)

	registry := saga.NewRegistry()
	if err := registry.Register(placeOrderDefinition(cfg)); err != nil {
		log.Fatalf("Failed to register saga definition: %v", err)
	}

	coord := coordinator.New(store, caller, registry, coordinator.Config{
		OwnerID:              cfg.Coordinator.OwnerID,
		LeaseTTL:             cfg.Coordinator.LeaseTTL,
		Heartbeat:            cfg.Coordinator.Heartbeat,
		RecoveryScanInterval: cfg.Coordinator.RecoveryScanInterval,
	}, logg, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动时先扫一遍，接管孤儿 saga
	if err := coord.RecoverScan(ctx); err != nil {
		logg.WithError(err).Error("startup recovery scan")
	}

	// 定时恢复扫描
	c := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.Coordinator.RecoveryScanInterval)
	if _, err := c.AddFunc(spec, func() {
		if err := coord.RecoverScan(ctx); err != nil {
			logg.WithError(err).Error("recovery scan")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule recovery scan: %v", err)
	}
	c.Start()

	// HTTP 服务
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "OK",
			"ownerId":     coord.OwnerID(),
			"activeSagas": coord.ActiveCount(),
		})
	})

	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/v1/sagas", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleSubmit(w, r, coord)
	})

	mux.HandleFunc("/v1/sagas/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleStatus(w, r, coord)
		case http.MethodDelete:
			handleAbort(w, r, coord)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	c.Stop()
	server.Shutdown(context.Background())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := coord.Shutdown(drainCtx); err != nil {
		// In-flight sagas keep their log state; the next scan resumes them.
		log.Printf("Drain incomplete: %v", err)
	}

	cancel()
	shutdownTracing(context.Background())
	log.Println("Shutdown complete")
}

// placeOrderDefinition is the built-in order fulfillment saga:
// createOrder -> reserveInventory -> processPayment, compensated in
// reverse.
func placeOrderDefinition(cfg *config.Config) *saga.Definition {
	retry := saga.RetryPolicy{
		Base:        cfg.Adapter.RetryBase,
		Factor:      2,
		Cap:         cfg.Adapter.RetryCap,
		MaxAttempts: cfg.Adapter.RetryMaxAttempts,
	}
	return &saga.Definition{
		ID: "placeOrder",
		Steps: []saga.StepDefinition{
			{
				Name:             "createOrder",
				Participant:      "order",
				InvokeTarget:     cfg.OrderBaseURL + "/internal/invoke",
				CompensateTarget: cfg.OrderBaseURL + "/internal/compensate",
				Timeout:          cfg.Adapter.StepTimeout,
				Retry:            retry,
			},
			{
				Name:             "reserveInventory",
				Participant:      "inventory",
				InvokeTarget:     cfg.InventoryBaseURL + "/internal/invoke",
				CompensateTarget: cfg.InventoryBaseURL + "/internal/compensate",
				Timeout:          cfg.Adapter.StepTimeout,
				Retry:            retry,
			},
			{
				Name:             "processPayment",
				Participant:      "payment",
				InvokeTarget:     cfg.PaymentBaseURL + "/internal/invoke",
				CompensateTarget: cfg.PaymentBaseURL + "/internal/compensate",
				Timeout:          cfg.Adapter.StepTimeout,
				Retry:            retry,
			},
		},
	}
}

// SubmitRequest 提交请求
type SubmitRequest struct {
	Definition     string          `json:"definition"`
	Input          json.RawMessage `json:"input"`
	IdempotencyKey string          `json:"idempotencyKey"`
	TimeoutMs      int64           `json:"timeoutMs"`
}

func handleSubmit(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Definition == "" {
		req.Definition = "placeOrder"
	}

	opts := coordinator.SubmitOptions{IdempotencyKey: req.IdempotencyKey}
	if req.TimeoutMs > 0 {
		opts.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	in, err := coord.Submit(r.Context(), req.Definition, req.Input, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"sagaId": in.SagaID,
		"status": string(in.Status),
	})
}

func handleStatus(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator) {
	sagaID := r.URL.Path[len("/v1/sagas/"):]
	in, err := coord.Status(r.Context(), sagaID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(in)
}

func handleAbort(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator) {
	sagaID := r.URL.Path[len("/v1/sagas/"):]
	if err := coord.Abort(r.Context(), sagaID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/platform/internal/config"
	"github.com/sagaflow/platform/internal/metrics"
	"github.com/sagaflow/platform/internal/outbox"
	"github.com/sagaflow/platform/internal/participant"
	"github.com/sagaflow/platform/pkg/bus"
	"github.com/sagaflow/platform/pkg/logger"
)

func main() {
	cfg := config.Load("sagaflow-order", 8091)
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

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	m := metrics.New()
	ob := outbox.NewPostgresRepository(db, "sagaflow_order.outbox")
	svc := participant.NewOrderService(db, ob, redisClient, logg)

	// 发件箱中继
	publisher := bus.NewStreamClient(redisClient, cfg.StreamPrefix)
	relay := outbox.NewRelay(ob, publisher, &outbox.RelayOptions{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		DeadAttempts: cfg.Relay.DeadAttempts,
	}, logg, m)
	go relay.Run(ctx)

	// HTTP 服务
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", m.Handler())
	participant.NewHandler(svc, cfg.InternalToken, logg).Register(mux)

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
	cancel()
	server.Shutdown(context.Background())
	log.Println("Shutdown complete")
}

// Package config 配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/sagaflow/platform/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string
	StreamPrefix  string

	// Participant endpoints
	OrderBaseURL     string
	InventoryBaseURL string
	PaymentBaseURL   string
	InternalToken    string

	Coordinator CoordinatorConfig
	Adapter     AdapterConfig
	Relay       RelayConfig
	Tracing     TracingConfig
}

// CoordinatorConfig 编排器配置
type CoordinatorConfig struct {
	OwnerID              string
	LeaseTTL             time.Duration
	Heartbeat            time.Duration
	RecoveryScanInterval time.Duration
}

// AdapterConfig 参与方适配器配置
type AdapterConfig struct {
	StepTimeout        time.Duration
	RetryBase          time.Duration
	RetryCap           time.Duration
	RetryMaxAttempts   int
	BreakerFailureRate float64
	BreakerMinSamples  int
	BreakerOpenFor     time.Duration
	BulkheadMax        int
}

// RelayConfig 发件箱中继配置
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	DeadAttempts int
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// Load 加载配置
func Load(serviceName string, defaultPort int) *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", serviceName),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", defaultPort),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5437), // 默认使用5437避免与其他项目冲突
		DBUser:     pkgconfig.GetEnv("DB_USER", "sagaflow"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "sagaflow123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "sagaflow"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),
		StreamPrefix:  pkgconfig.GetEnv("STREAM_PREFIX", "sagaflow:events"),

		OrderBaseURL:     pkgconfig.GetEnv("ORDER_BASE_URL", "http://localhost:8091"),
		InventoryBaseURL: pkgconfig.GetEnv("INVENTORY_BASE_URL", "http://localhost:8092"),
		PaymentBaseURL:   pkgconfig.GetEnv("PAYMENT_BASE_URL", "http://localhost:8093"),
		InternalToken:    pkgconfig.GetEnv("INTERNAL_TOKEN", ""),

		Coordinator: CoordinatorConfig{
			OwnerID:              pkgconfig.GetEnv("COORDINATOR_OWNER_ID", ""),
			LeaseTTL:             pkgconfig.GetEnvDuration("COORDINATOR_LEASE_TTL", 30*time.Second),
			Heartbeat:            pkgconfig.GetEnvDuration("COORDINATOR_HEARTBEAT", 10*time.Second),
			RecoveryScanInterval: pkgconfig.GetEnvDuration("COORDINATOR_RECOVERY_SCAN", 30*time.Second),
		},

		Adapter: AdapterConfig{
			StepTimeout:        pkgconfig.GetEnvDuration("ADAPTER_STEP_TIMEOUT", 5*time.Second),
			RetryBase:          pkgconfig.GetEnvDuration("ADAPTER_RETRY_BASE", 50*time.Millisecond),
			RetryCap:           pkgconfig.GetEnvDuration("ADAPTER_RETRY_CAP", 2*time.Second),
			RetryMaxAttempts:   pkgconfig.GetEnvInt("ADAPTER_RETRY_MAX_ATTEMPTS", 4),
			BreakerFailureRate: pkgconfig.GetEnvFloat64("ADAPTER_BREAKER_FAILURE_RATE", 0.5),
			BreakerMinSamples:  pkgconfig.GetEnvInt("ADAPTER_BREAKER_MIN_SAMPLES", 10),
			BreakerOpenFor:     pkgconfig.GetEnvDuration("ADAPTER_BREAKER_OPEN_FOR", 5*time.Second),
			BulkheadMax:        pkgconfig.GetEnvInt("ADAPTER_BULKHEAD_MAX", 32),
		},

		Relay: RelayConfig{
			PollInterval: pkgconfig.GetEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    pkgconfig.GetEnvInt("OUTBOX_BATCH_SIZE", 100),
			DeadAttempts: pkgconfig.GetEnvInt("OUTBOX_DEAD_ATTEMPTS", 50),
		},

		Tracing: TracingConfig{
			Enabled:    pkgconfig.GetEnvBool("TRACING_ENABLED", false),
			Endpoint:   pkgconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate: pkgconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1.0),
		},
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// Package adapter 参与方调用适配器
//
// Composes retry with backoff, per-attempt timeouts, a per-participant
// circuit breaker and bulkhead around the wire call. Only exhausted or
// non-retryable failures reach the coordinator.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/sagaflow/platform/internal/saga"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
	"github.com/sagaflow/platform/pkg/tracing"
)

// Transport performs the wire call to a participant. Implementations
// must return *errkind.Error so failures carry their kind.
type Transport interface {
	Invoke(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error)
	Compensate(ctx context.Context, target string, req *CompensateRequest) error
}

// InvokeRequest 步骤调用请求
type InvokeRequest struct {
	SagaID         string          `json:"sagaId"`
	StepIndex      int             `json:"stepIndex"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Step           string          `json:"step"`
	Payload        json.RawMessage `json:"payload"`
}

// InvokeResponse 步骤调用响应
type InvokeResponse struct {
	Success   bool   `json:"success"`
	Handle    string `json:"handle,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CompensateRequest 补偿请求
type CompensateRequest struct {
	SagaID         string `json:"sagaId"`
	StepIndex      int    `json:"stepIndex"`
	IdempotencyKey string `json:"idempotencyKey"`
	Step           string `json:"step"`
	Handle         string `json:"handle"`
}

// CompensateResponse 补偿响应
type CompensateResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"errorKind,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Config 适配器配置
type Config struct {
	BreakerFailureRate    float64
	BreakerMinSamples     uint32
	BreakerOpenDuration   time.Duration
	BulkheadMaxConcurrent int64
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	BreakerFailureRate:    0.5,
	BreakerMinSamples:     10,
	BreakerOpenDuration:   5 * time.Second,
	BulkheadMaxConcurrent: 32,
}

// Adapter wraps a Transport with the resilience stack. Breakers and
// bulkheads are scoped per participant, not per step.
type Adapter struct {
	transport Transport
	cfg       Config
	log       *logger.Logger

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[any]
	bulkheads map[string]*semaphore.Weighted
}

// New 创建适配器
func New(transport Transport, cfg Config, log *logger.Logger) *Adapter {
	if cfg.BreakerFailureRate <= 0 {
		cfg.BreakerFailureRate = DefaultConfig.BreakerFailureRate
	}
	if cfg.BreakerMinSamples == 0 {
		cfg.BreakerMinSamples = DefaultConfig.BreakerMinSamples
	}
	if cfg.BreakerOpenDuration <= 0 {
		cfg.BreakerOpenDuration = DefaultConfig.BreakerOpenDuration
	}
	if cfg.BulkheadMaxConcurrent <= 0 {
		cfg.BulkheadMaxConcurrent = DefaultConfig.BulkheadMaxConcurrent
	}
	return &Adapter{
		transport: transport,
		cfg:       cfg,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[any]),
		bulkheads: make(map[string]*semaphore.Weighted),
	}
}

// Invoke calls the step's invoke target, retrying retryable failures per
// the step's policy. The returned attempt count covers every wire
// attempt, including the successful one.
func (a *Adapter) Invoke(ctx context.Context, step *saga.StepDefinition, sagaID string, stepIndex int, payload json.RawMessage) (string, int, error) {
	req := &InvokeRequest{
		SagaID:         sagaID,
		StepIndex:      stepIndex,
		IdempotencyKey: saga.InvokeKey(sagaID, stepIndex),
		Step:           step.Name,
		Payload:        payload,
	}

	var handle string
	attempts, err := a.call(ctx, step, "invoke "+step.Name, func(attemptCtx context.Context) error {
		resp, err := a.transport.Invoke(attemptCtx, step.InvokeTarget, req)
		if err != nil {
			return err
		}
		handle = resp.Handle
		return nil
	})
	if err != nil {
		return "", attempts, err
	}
	return handle, attempts, nil
}

// Compensate calls the step's compensate target. Same retry semantics as
// Invoke; the coordinator does not retry on top of this.
func (a *Adapter) Compensate(ctx context.Context, step *saga.StepDefinition, sagaID string, stepIndex int, handle string) (int, error) {
	req := &CompensateRequest{
		SagaID:         sagaID,
		StepIndex:      stepIndex,
		IdempotencyKey: saga.CompensateKey(sagaID, stepIndex),
		Step:           step.Name,
		Handle:         handle,
	}

	return a.call(ctx, step, "compensate "+step.Name, func(attemptCtx context.Context) error {
		return a.transport.Compensate(attemptCtx, step.CompensateTarget, req)
	})
}

// call runs one logical participant call through bulkhead, retry,
// breaker and per-attempt timeout.
func (a *Adapter) call(ctx context.Context, step *saga.StepDefinition, spanName string, fn func(context.Context) error) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "adapter."+spanName)
	defer span.End()

	sem := a.bulkhead(step.Participant)
	if !sem.TryAcquire(1) {
		tracing.SetError(ctx, errkind.ErrBulkheadFull)
		return 0, errkind.ErrBulkheadFull
	}
	defer sem.Release(1)

	cb := a.breaker(step.Participant)
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout)
			defer cancel()

			_, err := cb.Execute(func() (any, error) {
				return nil, fn(attemptCtx)
			})
			if err != nil {
				return mapBreakerErr(classifyAttemptErr(ctx, attemptCtx, err))
			}
			return nil
		},
		retry.Attempts(uint(step.Retry.MaxAttempts)),
		retry.Delay(step.Retry.Base),
		retry.MaxDelay(step.Retry.Cap),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(step.Retry.Base/2),
		retry.RetryIf(func(err error) bool {
			return step.KindRetryable(errkind.Of(err))
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warnf("participant call retrying", map[string]interface{}{
				"participant": step.Participant,
				"step":        step.Name,
				"attempt":     n + 1,
				"error":       err.Error(),
			})
		}),
	)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return attempts, err
}

// classifyAttemptErr separates a per-attempt deadline (TIMEOUT,
// retryable) from caller cancellation (CANCELED, not retryable).
func classifyAttemptErr(parent, attempt context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if parent.Err() != nil {
			return errkind.New(errkind.KindCanceled, "", "caller canceled")
		}
		if attempt.Err() == context.DeadlineExceeded {
			return errkind.New(errkind.KindTimeout, "", "attempt deadline exceeded")
		}
	}
	return err
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errkind.ErrBreakerOpen
	}
	return err
}

func (a *Adapter) breaker(participant string) *gobreaker.CircuitBreaker[any] {
	a.mu.Lock()
	defer a.mu.Unlock()

	cb, ok := a.breakers[participant]
	if !ok {
		cfg := a.cfg
		cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        participant,
			MaxRequests: 1, // half-open admits one probe
			Timeout:     cfg.BreakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinSamples {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRate
			},
			IsSuccessful: func(err error) bool {
				// Business rejections are the participant answering,
				// not the participant being unhealthy.
				return err == nil || errkind.Of(err) == errkind.KindBusiness
			},
		})
		a.breakers[participant] = cb
	}
	return cb
}

func (a *Adapter) bulkhead(participant string) *semaphore.Weighted {
	a.mu.Lock()
	defer a.mu.Unlock()

	sem, ok := a.bulkheads[participant]
	if !ok {
		sem = semaphore.NewWeighted(a.cfg.BulkheadMaxConcurrent)
		a.bulkheads[participant] = sem
	}
	return sem
}

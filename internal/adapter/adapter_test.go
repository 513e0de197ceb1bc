package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagaflow/platform/internal/saga"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
)

type fakeTransport struct {
	invoke     func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error)
	compensate func(ctx context.Context, target string, req *CompensateRequest) error
}

func (f *fakeTransport) Invoke(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
	return f.invoke(ctx, target, req)
}

func (f *fakeTransport) Compensate(ctx context.Context, target string, req *CompensateRequest) error {
	if f.compensate != nil {
		return f.compensate(ctx, target, req)
	}
	return nil
}

func testStep() *saga.StepDefinition {
	return &saga.StepDefinition{
		Name:             "createOrder",
		Participant:      "order",
		InvokeTarget:     "http://order/internal/invoke",
		CompensateTarget: "http://order/internal/compensate",
		Timeout:          100 * time.Millisecond,
		Retry: saga.RetryPolicy{
			Base:        time.Millisecond,
			Factor:      2,
			Cap:         5 * time.Millisecond,
			MaxAttempts: 4,
		},
	}
}

func testLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errkind.New(errkind.KindTransient, "", "connection reset")
			}
			return &InvokeResponse{Success: true, Handle: "order-1"}, nil
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	handle, attempts, err := a.Invoke(context.Background(), testStep(), "s1", 0, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if handle != "order-1" {
		t.Fatalf("expected handle order-1, got %s", handle)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestInvokeBusinessNotRetried(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errkind.New(errkind.KindBusiness, errkind.CodeInsufficientStock, "out of stock")
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	_, attempts, err := a.Invoke(context.Background(), testStep(), "s1", 1, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected error")
	}
	if errkind.Of(err) != errkind.KindBusiness {
		t.Fatalf("expected BUSINESS, got %s", errkind.Of(err))
	}
	if errkind.CodeOf(err) != errkind.CodeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", errkind.CodeOf(err))
	}
	if attempts != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("business error must not retry: attempts=%d calls=%d", attempts, calls)
	}
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errkind.New(errkind.KindUnavailable, "", "503")
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	_, attempts, err := a.Invoke(context.Background(), testStep(), "s1", 0, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	if errkind.Of(err) != errkind.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %s", errkind.Of(err))
	}
}

func TestIdempotencyKeys(t *testing.T) {
	var invokeKey, compKey string
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			invokeKey = req.IdempotencyKey
			return &InvokeResponse{Success: true, Handle: "h"}, nil
		},
		compensate: func(ctx context.Context, target string, req *CompensateRequest) error {
			compKey = req.IdempotencyKey
			return nil
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	if _, _, err := a.Invoke(context.Background(), testStep(), "s1", 2, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, err := a.Compensate(context.Background(), testStep(), "s1", 2, "h"); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	if invokeKey != "s1:2" {
		t.Fatalf("expected invoke key s1:2, got %s", invokeKey)
	}
	if compKey != "s1:2:C" {
		t.Fatalf("expected compensate key s1:2:C, got %s", compKey)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errkind.New(errkind.KindUnavailable, "", "down")
		},
	}
	cfg := Config{
		BreakerFailureRate:    0.5,
		BreakerMinSamples:     4,
		BreakerOpenDuration:   time.Minute,
		BulkheadMaxConcurrent: 8,
	}
	a := New(tr, cfg, testLogger())

	// One exhausted invoke (4 attempts) trips the breaker.
	if _, _, err := a.Invoke(context.Background(), testStep(), "s1", 0, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected failure")
	}
	before := atomic.LoadInt32(&calls)

	_, _, err := a.Invoke(context.Background(), testStep(), "s2", 0, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected breaker to reject")
	}
	if errkind.CodeOf(err) != errkind.CodeBreakerOpen {
		t.Fatalf("expected BREAKER_OPEN, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Fatalf("open breaker must not reach the transport")
	}
}

func TestBusinessErrorsDoNotTripBreaker(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errkind.New(errkind.KindBusiness, errkind.CodePaymentDeclined, "declined")
		},
	}
	cfg := Config{
		BreakerFailureRate:    0.5,
		BreakerMinSamples:     2,
		BreakerOpenDuration:   time.Minute,
		BulkheadMaxConcurrent: 8,
	}
	a := New(tr, cfg, testLogger())

	for i := 0; i < 10; i++ {
		_, _, err := a.Invoke(context.Background(), testStep(), "s1", i, json.RawMessage(`{}`))
		if errkind.CodeOf(err) != errkind.CodePaymentDeclined {
			t.Fatalf("call %d: expected PAYMENT_DECLINED, got %v", i, err)
		}
	}
	if atomic.LoadInt32(&calls) != 10 {
		t.Fatalf("breaker tripped on business errors: %d calls", calls)
	}
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			close(entered)
			<-release
			return &InvokeResponse{Success: true, Handle: "h"}, nil
		},
	}
	cfg := Config{
		BreakerFailureRate:    0.5,
		BreakerMinSamples:     10,
		BreakerOpenDuration:   time.Minute,
		BulkheadMaxConcurrent: 1,
	}
	a := New(tr, cfg, testLogger())

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Invoke(context.Background(), testStep(), "s1", 0, json.RawMessage(`{}`))
		done <- err
	}()
	<-entered

	_, _, err := a.Invoke(context.Background(), testStep(), "s2", 0, json.RawMessage(`{}`))
	if errkind.CodeOf(err) != errkind.CodeBulkheadFull {
		t.Fatalf("expected BULKHEAD_FULL, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	var calls int32
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			atomic.AddInt32(&calls, 1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	step := testStep()
	step.Timeout = 10 * time.Millisecond
	step.Retry.MaxAttempts = 2

	_, attempts, err := a.Invoke(context.Background(), step, "s1", 0, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if errkind.Of(err) != errkind.KindTimeout {
		t.Fatalf("expected TIMEOUT, got %s", errkind.Of(err))
	}
	if attempts != 2 {
		t.Fatalf("per-attempt timeout should retry: attempts=%d", attempts)
	}
}

func TestCallerCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &fakeTransport{
		invoke: func(ctx context.Context, target string, req *InvokeRequest) (*InvokeResponse, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := New(tr, DefaultConfig, testLogger())

	_, attempts, err := a.Invoke(ctx, testStep(), "s1", 0, json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if errkind.Of(err) != errkind.KindCanceled && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("cancellation must not retry: attempts=%d", attempts)
	}
}

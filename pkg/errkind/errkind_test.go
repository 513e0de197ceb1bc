package errkind

import (
	"context"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindTransient, KindUnavailable, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindBusiness, KindCanceled, KindFatalInternal, KindNone} {
		if k.Retryable() {
			t.Fatalf("%s should not be retryable", k)
		}
	}
}

func TestOf(t *testing.T) {
	if got := Of(nil); got != KindNone {
		t.Fatalf("nil: got %s", got)
	}
	if got := Of(New(KindBusiness, CodeInsufficientStock, "x")); got != KindBusiness {
		t.Fatalf("typed: got %s", got)
	}
	// Wrapped typed errors still classify.
	wrapped := fmt.Errorf("call failed: %w", New(KindUnavailable, "", "down"))
	if got := Of(wrapped); got != KindUnavailable {
		t.Fatalf("wrapped: got %s", got)
	}
	if got := Of(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("deadline: got %s", got)
	}
	if got := Of(context.Canceled); got != KindCanceled {
		t.Fatalf("canceled: got %s", got)
	}
	// Unclassified errors default to transient so callers keep retrying.
	if got := Of(fmt.Errorf("connection reset")); got != KindTransient {
		t.Fatalf("unclassified: got %s", got)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(KindBusiness, CodePaymentDeclined, "x")); got != CodePaymentDeclined {
		t.Fatalf("got %s", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Fatalf("plain error should carry no code, got %s", got)
	}
}

func TestErrorString(t *testing.T) {
	e := New(KindBusiness, CodeInsufficientStock, "only 1 left")
	if got := e.Error(); got != "[BUSINESS/INSUFFICIENT_STOCK] only 1 left" {
		t.Fatalf("got %q", got)
	}
	e2 := New(KindTimeout, "", "deadline")
	if got := e2.Error(); got != "[TIMEOUT] deadline" {
		t.Fatalf("got %q", got)
	}
}

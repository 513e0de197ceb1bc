// Package errkind 定义跨服务统一错误分类
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind buckets every failure a participant call can surface.
// The coordinator's retry and compensation decisions key off this value.
type Kind string

const (
	KindNone          Kind = ""
	KindTransient     Kind = "TRANSIENT"
	KindBusiness      Kind = "BUSINESS"
	KindUnavailable   Kind = "UNAVAILABLE"
	KindTimeout       Kind = "TIMEOUT"
	KindCanceled      Kind = "CANCELED"
	KindFatalInternal Kind = "FATAL_INTERNAL"
)

// 业务错误码
const (
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodePaymentDeclined    = "PAYMENT_DECLINED"
	CodeOrderNotFound      = "ORDER_NOT_FOUND"
	CodeReservationExpired = "RESERVATION_EXPIRED"
	CodeBreakerOpen        = "BREAKER_OPEN"
	CodeBulkheadFull       = "BULKHEAD_FULL"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// Error 业务错误
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// New 创建错误
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf 创建格式化错误
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Retryable reports whether failures of this kind may be retried by the
// participant adapter. BUSINESS and CANCELED never retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Of extracts the Kind from err. Context errors map to TIMEOUT and
// CANCELED; anything unclassified is treated as TRANSIENT so the adapter
// keeps retrying transport-level surprises.
func Of(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransient
}

// CodeOf returns the business error code carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// 预定义错误
var (
	ErrBreakerOpen  = New(KindUnavailable, CodeBreakerOpen, "circuit breaker open")
	ErrBulkheadFull = New(KindUnavailable, CodeBulkheadFull, "bulkhead at capacity")
)

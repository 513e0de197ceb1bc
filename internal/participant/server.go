// Package participant 参与方服务
//
// Each participant owns its business tables and its outbox; both are
// written in one local transaction. Invoke and Compensate are idempotent
// on the coordinator-supplied idempotency key: a repeated call returns
// the recorded outcome without re-executing.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sagaflow/platform/internal/adapter"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
)

// Service is one participant's step logic behind the wire handlers.
type Service interface {
	Name() string
	Invoke(ctx context.Context, step, idempotencyKey string, payload json.RawMessage) (handle string, err error)
	Compensate(ctx context.Context, step, idempotencyKey, handle string) error
}

// Handler exposes a Service on /internal/invoke and /internal/compensate.
type Handler struct {
	svc           Service
	internalToken string
	log           *logger.Logger
}

// NewHandler 创建处理器
func NewHandler(svc Service, internalToken string, log *logger.Logger) *Handler {
	return &Handler{svc: svc, internalToken: internalToken, log: log}
}

// Register mounts the participant endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/internal/invoke", h.handleInvoke)
	mux.HandleFunc("/internal/compensate", h.handleCompensate)
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	var req adapter.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	handle, err := h.svc.Invoke(r.Context(), req.Step, req.IdempotencyKey, req.Payload)
	if err != nil {
		h.log.WithError(err).Warnf("invoke failed", map[string]interface{}{
			"step": req.Step, "sagaId": req.SagaID,
		})
		writeJSON(w, errorStatus(err), adapter.InvokeResponse{
			Success:   false,
			ErrorKind: string(errkind.Of(err)),
			ErrorCode: errkind.CodeOf(err),
			Message:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, adapter.InvokeResponse{Success: true, Handle: handle})
}

func (h *Handler) handleCompensate(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	var req adapter.CompensateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.svc.Compensate(r.Context(), req.Step, req.IdempotencyKey, req.Handle); err != nil {
		h.log.WithError(err).Warnf("compensate failed", map[string]interface{}{
			"step": req.Step, "sagaId": req.SagaID,
		})
		writeJSON(w, errorStatus(err), adapter.CompensateResponse{
			Success:   false,
			ErrorKind: string(errkind.Of(err)),
			ErrorCode: errkind.CodeOf(err),
			Message:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, adapter.CompensateResponse{Success: true})
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if h.internalToken != "" && r.Header.Get("X-Internal-Token") != h.internalToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// errorStatus keeps typed rejections on 200 so the adapter reads the
// body; only unclassified failures surface as 500.
func errorStatus(err error) int {
	var e *errkind.Error
	if errors.As(err, &e) {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

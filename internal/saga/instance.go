// Package saga 定义 saga 实例与步骤模型
package saga

import (
	"encoding/json"
	"time"

	"github.com/sagaflow/platform/pkg/errkind"
)

// Status saga 生命周期状态
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusAborted            Status = "ABORTED"
)

// Terminal reports whether the saga can never change state again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// StepStatus 单步状态
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepOK                 StepStatus = "OK"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepResult is the persisted outcome of one step. Handle is the opaque
// identifier the participant returned (order id, reservation id, payment
// id); it is recorded before the saga advances so a compensator can
// always find it.
type StepResult struct {
	Status       StepStatus   `json:"status"`
	Handle       string       `json:"handle,omitempty"`
	ErrorKind    errkind.Kind `json:"errorKind,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	AttemptCount int          `json:"attemptCount"`
	StartedAt    time.Time    `json:"startedAt,omitempty"`
	FinishedAt   time.Time    `json:"finishedAt,omitempty"`
}

// Instance 持久化的 saga 实例
type Instance struct {
	SagaID       string          `json:"sagaId"`
	DefinitionID string          `json:"definitionId"`
	Status       Status          `json:"status"`
	CurrentStep  int             `json:"currentStep"`
	Steps        []StepResult    `json:"steps"`
	Input        json.RawMessage `json:"input"`
	SubmitKey    string          `json:"submitKey,omitempty"`
	OwnerID      string          `json:"ownerId,omitempty"`
	LeaseExpiry  time.Time       `json:"leaseExpiry,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	DeadlineAt   time.Time       `json:"deadlineAt,omitempty"`
}

// NewInstance 创建处于 STARTED 状态的实例
func NewInstance(sagaID string, def *Definition, input json.RawMessage) *Instance {
	now := time.Now().UTC()
	return &Instance{
		SagaID:       sagaID,
		DefinitionID: def.ID,
		Status:       StatusStarted,
		CurrentStep:  0,
		Steps:        make([]StepResult, len(def.Steps)),
		Input:        input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// validTransitions is the status DAG. ABORTED is reachable from STARTED
// only, before any step has run.
var validTransitions = map[Status][]Status{
	StatusStarted:      {StatusRunning, StatusAborted, StatusCompensating},
	StatusRunning:      {StatusCompleted, StatusCompensating},
	StatusCompensating: {StatusCompensated, StatusCompensationFailed},
}

// CanTransition reports whether moving to next is legal.
func (in *Instance) CanTransition(next Status) bool {
	for _, s := range validTransitions[in.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves the saga to next, returning false on an illegal move.
func (in *Instance) Transition(next Status) bool {
	if !in.CanTransition(next) {
		return false
	}
	in.Status = next
	in.UpdatedAt = time.Now().UTC()
	return true
}

// Clone returns a deep copy. Stores hand copies out so callers can't
// mutate shared state.
func (in *Instance) Clone() *Instance {
	out := *in
	out.Steps = make([]StepResult, len(in.Steps))
	copy(out.Steps, in.Steps)
	if in.Input != nil {
		out.Input = make(json.RawMessage, len(in.Input))
		copy(out.Input, in.Input)
	}
	return &out
}

// LeaseHeldBy reports whether owner holds an unexpired lease at now.
func (in *Instance) LeaseHeldBy(owner string, now time.Time) bool {
	return in.OwnerID == owner && now.Before(in.LeaseExpiry)
}

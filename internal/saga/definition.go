package saga

import (
	"fmt"
	"sync"
	"time"

	"github.com/sagaflow/platform/pkg/errkind"
)

// RetryPolicy 步骤重试策略
type RetryPolicy struct {
	Base        time.Duration `json:"base"`
	Factor      float64       `json:"factor"`
	Cap         time.Duration `json:"cap"`
	MaxAttempts int           `json:"maxAttempts"`
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{
	Base:        50 * time.Millisecond,
	Factor:      2,
	Cap:         2 * time.Second,
	MaxAttempts: 4,
}

// StepDefinition is one entry in a saga's ordered step list, fixed at
// registration time. CompensateTarget may be empty: such a step has no
// side effect to undo and is treated as instantly compensated.
type StepDefinition struct {
	Name             string
	Participant      string // circuit breaker / bulkhead scope
	InvokeTarget     string
	CompensateTarget string
	Timeout          time.Duration
	Retry            RetryPolicy
	RetryableKinds   []errkind.Kind
}

// HasCompensator reports whether the step registered an undo target.
func (s *StepDefinition) HasCompensator() bool {
	return s.CompensateTarget != ""
}

// KindRetryable reports whether the step allows retrying failures of
// kind. An empty RetryableKinds list falls back to the kind's default.
func (s *StepDefinition) KindRetryable(kind errkind.Kind) bool {
	if !kind.Retryable() {
		return false
	}
	if len(s.RetryableKinds) == 0 {
		return true
	}
	for _, k := range s.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Definition 一个完整的步骤列表
type Definition struct {
	ID    string
	Steps []StepDefinition
}

// InvokeKey returns the idempotency key for step i of a saga.
func InvokeKey(sagaID string, i int) string {
	return fmt.Sprintf("%s:%d", sagaID, i)
}

// CompensateKey returns the idempotency key for compensating step i.
func CompensateKey(sagaID string, i int) string {
	return fmt.Sprintf("%s:%d:C", sagaID, i)
}

// Registry 定义注册表
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Step defaults are filled in here so the
// rest of the system can rely on them being set.
func (r *Registry) Register(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("definition id required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", def.ID)
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("definition %s: step %d has no name", def.ID, i)
		}
		if step.Timeout <= 0 {
			step.Timeout = 5 * time.Second
		}
		if step.Retry.MaxAttempts <= 0 {
			step.Retry = DefaultRetryPolicy
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("definition %s already registered", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// Get 查找定义
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Package coordinator saga 编排器
//
// Drives each accepted saga on its own goroutine: steps run in
// definition order through the participant adapter, every transition is
// persisted to the saga log, and failures drive compensation in reverse.
// Leases on saga rows keep at most one coordinator instance driving a
// saga at a time.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/sagaflow/platform/internal/metrics"
	"github.com/sagaflow/platform/internal/saga"
	"github.com/sagaflow/platform/internal/sagalog"
	"github.com/sagaflow/platform/pkg/logger"
)

var (
	ErrUnknownDefinition = errors.New("unknown saga definition")
	ErrSagaTerminal      = errors.New("saga already terminal")
	ErrShuttingDown      = errors.New("coordinator shutting down")
)

// Caller is the participant adapter surface the coordinator drives.
type Caller interface {
	Invoke(ctx context.Context, step *saga.StepDefinition, sagaID string, stepIndex int, payload json.RawMessage) (handle string, attempts int, err error)
	Compensate(ctx context.Context, step *saga.StepDefinition, sagaID string, stepIndex int, handle string) (attempts int, err error)
}

// Config 编排器配置
type Config struct {
	OwnerID              string
	LeaseTTL             time.Duration
	Heartbeat            time.Duration
	RecoveryScanInterval time.Duration
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	LeaseTTL:             30 * time.Second,
	Heartbeat:            10 * time.Second,
	RecoveryScanInterval: 30 * time.Second,
}

// Coordinator 编排器
type Coordinator struct {
	store    sagalog.Store
	caller   Caller
	registry *saga.Registry
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	draining bool
	wg       sync.WaitGroup
}

// New 创建编排器
func New(store sagalog.Store, caller Caller, registry *saga.Registry, cfg Config, log *logger.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.OwnerID == "" {
		host, _ := os.Hostname()
		cfg.OwnerID = fmt.Sprintf("%s-%s", host, newID())
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig.LeaseTTL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultConfig.Heartbeat
	}
	if cfg.RecoveryScanInterval <= 0 {
		cfg.RecoveryScanInterval = DefaultConfig.RecoveryScanInterval
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		caller:     caller,
		registry:   registry,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]context.CancelFunc),
	}
}

// OwnerID returns this instance's lease owner identifier.
func (c *Coordinator) OwnerID() string {
	return c.cfg.OwnerID
}

// SubmitOptions 提交选项
type SubmitOptions struct {
	// IdempotencyKey makes re-submission return the existing saga.
	IdempotencyKey string
	// Deadline fails the saga's current step with TIMEOUT once passed.
	Deadline time.Time
}

// Submit accepts a saga. It returns once STARTED is durably logged; the
// saga then makes progress without further caller action, including
// across a coordinator restart.
func (c *Coordinator) Submit(ctx context.Context, definitionID string, input json.RawMessage, opts SubmitOptions) (*saga.Instance, error) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	c.mu.Unlock()

	def, ok := c.registry.Get(definitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}

	if opts.IdempotencyKey != "" {
		if existing, err := c.store.GetBySubmitKey(ctx, opts.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, sagalog.ErrNotFound) {
			return nil, err
		}
	}

	in := saga.NewInstance(newID(), def, input)
	in.SubmitKey = opts.IdempotencyKey
	in.DeadlineAt = opts.Deadline
	in.OwnerID = c.cfg.OwnerID
	in.LeaseExpiry = time.Now().UTC().Add(c.cfg.LeaseTTL)

	if err := c.store.Create(ctx, in); err != nil {
		if errors.Is(err, sagalog.ErrAlreadyExists) && opts.IdempotencyKey != "" {
			// Lost a submit race on the same key; the winner's saga is it.
			return c.store.GetBySubmitKey(ctx, opts.IdempotencyKey)
		}
		return nil, err
	}

	c.metrics.IncSagaStarted()
	c.startDriver(in.Clone(), def)
	return in, nil
}

// Status 查询 saga 状态
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*saga.Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// Abort cancels a non-terminal saga. With a live driver the driver
// observes the cancellation and compensates; otherwise the saga is
// claimed and compensation driven here.
func (c *Coordinator) Abort(ctx context.Context, sagaID string) error {
	in, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if in.Status.Terminal() {
		return ErrSagaTerminal
	}

	c.mu.Lock()
	cancel, live := c.active[sagaID]
	c.mu.Unlock()
	if live {
		cancel()
		return nil
	}

	claimed, err := c.store.Claim(ctx, sagaID, c.cfg.OwnerID, c.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	def, ok := c.registry.Get(claimed.DefinitionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, claimed.DefinitionID)
	}

	if claimed.Status == saga.StatusStarted && claimed.CurrentStep == 0 && claimed.Steps[0].Status == "" {
		claimed.Transition(saga.StatusAborted)
		if err := c.persist(ctx, claimed); err != nil {
			return err
		}
		c.finish(claimed)
		return nil
	}

	if claimed.Status != saga.StatusCompensating {
		if !claimed.Transition(saga.StatusCompensating) {
			return fmt.Errorf("saga %s: cannot abort from %s", sagaID, claimed.Status)
		}
		if err := c.persist(ctx, claimed); err != nil {
			return err
		}
	}
	c.startDriver(claimed, def)
	return nil
}

// WaitTerminal blocks until the saga reaches a terminal status.
func (c *Coordinator) WaitTerminal(ctx context.Context, sagaID string) (*saga.Instance, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		in, err := c.store.Get(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		if in.Status.Terminal() {
			return in, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops accepting submits and waits for in-flight drivers.
// Drivers left non-terminal when ctx expires are canceled; their leases
// lapse and the next recovery scan resumes them.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.rootCancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) startDriver(in *saga.Instance, def *saga.Definition) {
	driverCtx, cancel := context.WithCancel(c.rootCtx)

	c.mu.Lock()
	if c.draining {
		// Shutdown already counted the in-flight drivers; a late driver
		// stays unstarted, its lease lapses and another instance's scan
		// resumes the saga.
		c.mu.Unlock()
		cancel()
		return
	}
	if _, running := c.active[in.SagaID]; running {
		c.mu.Unlock()
		cancel()
		return
	}
	c.active[in.SagaID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.active, in.SagaID)
			c.mu.Unlock()
		}()
		c.run(driverCtx, in, def)
	}()
}

// persist refreshes the lease and replaces the saga row. ErrLeaseLost
// means another coordinator claimed the saga; the caller must stop.
func (c *Coordinator) persist(ctx context.Context, in *saga.Instance) error {
	in.OwnerID = c.cfg.OwnerID
	in.LeaseExpiry = time.Now().UTC().Add(c.cfg.LeaseTTL)
	in.UpdatedAt = time.Now().UTC()
	return c.store.Update(ctx, in)
}

func (c *Coordinator) finish(in *saga.Instance) {
	c.metrics.IncSagaFinished(string(in.Status))
	c.metrics.ObserveSagaDuration(time.Since(in.CreatedAt))
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}

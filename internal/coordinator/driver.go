package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sagaflow/platform/internal/saga"
	"github.com/sagaflow/platform/pkg/errkind"
	"github.com/sagaflow/platform/pkg/logger"
	"github.com/sagaflow/platform/pkg/tracing"
)

// StepPayload is what a participant receives on invoke: the saga's
// original input plus the handles of earlier steps, keyed by step name.
type StepPayload struct {
	Input   json.RawMessage   `json:"input"`
	Handles map[string]string `json:"handles,omitempty"`
}

// run drives one saga to a terminal status. It owns the instance; nobody
// else mutates it while our lease holds.
func (c *Coordinator) run(ctx context.Context, in *saga.Instance, def *saga.Definition) {
	ctx = logger.ContextWithSagaID(ctx, in.SagaID)
	log := c.log.WithField("sagaID", in.SagaID)

	ctx, span := tracing.StartSpan(ctx, "saga."+def.ID)
	defer span.End()

	if !in.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, in.DeadlineAt)
		defer cancel()
	}

	stopHeartbeat := c.startHeartbeat(in.SagaID)
	defer stopHeartbeat()

	switch in.Status {
	case saga.StatusStarted, saga.StatusRunning:
		c.forward(ctx, in, def, log)
	case saga.StatusCompensating:
		c.compensate(in, def, log)
	default:
		// Terminal; nothing to drive.
	}
}

// forward executes steps in definition order. Two writes bracket every
// step: PENDING before the call, OK-plus-advance after it returns, so
// recovery always knows exactly where the saga stood.
func (c *Coordinator) forward(ctx context.Context, in *saga.Instance, def *saga.Definition, log *logger.Logger) {
	if in.Status == saga.StatusStarted {
		if ctx.Err() != nil && in.CurrentStep == 0 && in.Steps[0].Status == "" {
			// Canceled before any step ran.
			in.Transition(saga.StatusAborted)
			if err := c.persist(ctx, in); err != nil {
				log.WithError(err).Warn("persist aborted saga")
				return
			}
			c.finish(in)
			return
		}
		in.Transition(saga.StatusRunning)
		if err := c.persist(ctx, in); err != nil {
			log.WithError(err).Warn("saga driver lost ownership")
			return
		}
	}

	for i := in.CurrentStep; i < len(def.Steps); i++ {
		step := &def.Steps[i]
		sr := &in.Steps[i]

		if sr.Status != saga.StepPending {
			sr.Status = saga.StepPending
			sr.StartedAt = time.Now().UTC()
			if err := c.persist(ctx, in); err != nil {
				log.WithError(err).Warn("saga driver lost ownership")
				return
			}
		}

		payload, err := stepPayload(in, def, i)
		if err != nil {
			c.failFatal(in, i, err, log)
			return
		}

		callStart := time.Now()
		handle, attempts, err := c.caller.Invoke(ctx, step, in.SagaID, i, payload)
		sr.AttemptCount += attempts
		c.metrics.ObserveStepLatency(step.Name, time.Since(callStart))
		c.metrics.AddStepAttempts(step.Name, attempts)

		if err != nil {
			kind := errkind.Of(err)
			if kind == errkind.KindCanceled && !in.DeadlineAt.IsZero() && time.Now().After(in.DeadlineAt) {
				kind = errkind.KindTimeout
			}
			log.WithError(err).Warnf("saga step failed", map[string]interface{}{
				"step": step.Name, "kind": string(kind), "attempts": sr.AttemptCount,
			})

			if kind == errkind.KindFatalInternal {
				c.failFatal(in, i, err, log)
				return
			}

			sr.Status = saga.StepFailed
			sr.ErrorKind = kind
			sr.ErrorMessage = err.Error()
			sr.FinishedAt = time.Now().UTC()
			in.Transition(saga.StatusCompensating)
			if perr := c.persist(context.WithoutCancel(ctx), in); perr != nil {
				log.WithError(perr).Warn("saga driver lost ownership")
				return
			}
			c.compensate(in, def, log)
			return
		}

		// Handle first, then advance; losing a handle is forbidden.
		sr.Status = saga.StepOK
		sr.Handle = handle
		sr.ErrorKind = errkind.KindNone
		sr.ErrorMessage = ""
		sr.FinishedAt = time.Now().UTC()
		in.CurrentStep = i + 1
		if err := c.persist(ctx, in); err != nil {
			log.WithError(err).Warn("saga driver lost ownership")
			return
		}
	}

	in.Transition(saga.StatusCompleted)
	if err := c.persist(ctx, in); err != nil {
		log.WithError(err).Warn("persist completed saga")
		return
	}
	c.finish(in)
	log.Info("saga completed")
}

// compensate undoes previously completed steps in reverse order,
// best-effort: one failed compensation does not stop the rest. It runs
// on a context detached from the caller's cancellation; an abort must
// not be able to cancel its own cleanup.
func (c *Coordinator) compensate(in *saga.Instance, def *saga.Definition, log *logger.Logger) {
	ctx := logger.ContextWithSagaID(c.rootCtx, in.SagaID)

	var compErr error

	// A resume may find steps whose compensation already failed; the
	// loop below skips them, but they still decide the terminal status.
	failed := false
	for j := range in.Steps {
		if in.Steps[j].Status == saga.StepCompensationFailed {
			failed = true
			break
		}
	}

	for j := in.CurrentStep - 1; j >= 0; j-- {
		// On resume some steps are already settled.
		sr := &in.Steps[j]
		switch sr.Status {
		case saga.StepOK, saga.StepCompensating:
		default:
			continue
		}

		step := &def.Steps[j]
		if !step.HasCompensator() {
			sr.Status = saga.StepCompensated
			if err := c.persist(ctx, in); err != nil {
				log.WithError(err).Warn("saga driver lost ownership")
				return
			}
			continue
		}

		if sr.Status != saga.StepCompensating {
			sr.Status = saga.StepCompensating
			if err := c.persist(ctx, in); err != nil {
				log.WithError(err).Warn("saga driver lost ownership")
				return
			}
		}

		attempts, err := c.caller.Compensate(ctx, step, in.SagaID, j, sr.Handle)
		sr.AttemptCount += attempts
		c.metrics.AddStepAttempts(step.Name, attempts)

		if err != nil {
			failed = true
			compErr = multierror.Append(compErr, err)
			sr.Status = saga.StepCompensationFailed
			sr.ErrorKind = errkind.Of(err)
			sr.ErrorMessage = err.Error()
			log.WithError(err).Errorf("compensation failed", map[string]interface{}{
				"step": step.Name,
			})
		} else {
			sr.Status = saga.StepCompensated
		}
		if err := c.persist(ctx, in); err != nil {
			log.WithError(err).Warn("saga driver lost ownership")
			return
		}
	}

	if failed {
		in.Transition(saga.StatusCompensationFailed)
		log.WithError(compErr).Error("saga left for operator intervention")
	} else {
		in.Transition(saga.StatusCompensated)
		log.Info("saga compensated")
	}
	if err := c.persist(ctx, in); err != nil {
		log.WithError(err).Warn("persist compensated saga")
		return
	}
	c.finish(in)
}

// failFatal handles invariant violations: record, surface, and stop
// without compensating. The saga needs an operator.
func (c *Coordinator) failFatal(in *saga.Instance, i int, err error, log *logger.Logger) {
	sr := &in.Steps[i]
	sr.Status = saga.StepFailed
	sr.ErrorKind = errkind.KindFatalInternal
	sr.ErrorMessage = err.Error()
	sr.FinishedAt = time.Now().UTC()
	if in.Status != saga.StatusCompensating {
		in.Transition(saga.StatusCompensating)
	}
	in.Transition(saga.StatusCompensationFailed)
	if perr := c.persist(context.WithoutCancel(c.rootCtx), in); perr != nil {
		log.WithError(perr).Warn("persist fatal saga")
		return
	}
	c.finish(in)
	log.WithError(err).Error("saga hit internal invariant violation")
}

// startHeartbeat refreshes the lease while a driver is busy inside a
// long adapter call. Stop it before the driver returns.
func (c *Coordinator) startHeartbeat(sagaID string) func() {
	hbCtx, cancel := context.WithCancel(c.rootCtx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.store.Claim(hbCtx, sagaID, c.cfg.OwnerID, c.cfg.LeaseTTL); err != nil {
					c.log.WithError(err).WithField("sagaID", sagaID).Warn("lease heartbeat")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func stepPayload(in *saga.Instance, def *saga.Definition, i int) (json.RawMessage, error) {
	p := StepPayload{Input: in.Input}
	for j := 0; j < i; j++ {
		if in.Steps[j].Status == saga.StepOK && in.Steps[j].Handle != "" {
			if p.Handles == nil {
				p.Handles = make(map[string]string)
			}
			p.Handles[def.Steps[j].Name] = in.Steps[j].Handle
		}
	}
	return json.Marshal(p)
}

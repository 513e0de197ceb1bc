package coordinator

import (
	"context"
	"errors"

	"github.com/sagaflow/platform/internal/sagalog"
)

// RecoverScan claims and resumes every non-terminal saga whose lease is
// free, expired, or already ours. Run it once at startup and then on the
// recovery schedule; sagas being driven by another live coordinator are
// left alone.
func (c *Coordinator) RecoverScan(ctx context.Context) error {
	list, err := c.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	for _, in := range list {
		if c.isActive(in.SagaID) {
			continue
		}

		claimed, err := c.store.Claim(ctx, in.SagaID, c.cfg.OwnerID, c.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, sagalog.ErrLeaseHeld) || errors.Is(err, sagalog.ErrNotFound) {
				continue
			}
			return err
		}

		def, ok := c.registry.Get(claimed.DefinitionID)
		if !ok {
			c.log.WithField("sagaID", claimed.SagaID).
				WithField("definitionID", claimed.DefinitionID).
				Error("recovery found saga with unknown definition")
			continue
		}

		c.log.Infof("resuming saga", map[string]interface{}{
			"sagaID": claimed.SagaID,
			"status": string(claimed.Status),
			"step":   claimed.CurrentStep,
		})
		c.startDriver(claimed, def)
	}
	return nil
}

func (c *Coordinator) isActive(sagaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[sagaID]
	return ok
}

// ActiveCount reports live drivers, for the health surface.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

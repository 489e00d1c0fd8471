package engine

import (
	"context"

	"batch-calc-engine/internal/events"
	"batch-calc-engine/internal/models"
)

// Subscribe attaches a subscriber to a job's progress and status events.
// The subscription ends when the caller closes it, when ctx is done, or when
// the job is deleted.
func (c *Controller) Subscribe(ctx context.Context, id string) (*events.Subscription, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	sub := c.bus.Subscribe(id)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// Watch calls onProgress and onStatus for every event of the job until the
// returned stop function is called. Either callback may be nil.
func (c *Controller) Watch(ctx context.Context, id string, onProgress func(models.JobProgress), onStatus func(models.Status)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := c.Subscribe(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for ev := range sub.C() {
			switch ev.Kind {
			case events.KindProgress:
				if onProgress != nil && ev.Progress != nil {
					onProgress(*ev.Progress)
				}
			case events.KindStatus:
				if onStatus != nil {
					onStatus(ev.Status)
				}
			}
		}
	}()
	return cancel, nil
}

// Subscribers reports how many subscribers a job currently has.
func (c *Controller) Subscribers(id string) int {
	return c.bus.Subscribers(id)
}

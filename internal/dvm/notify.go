package dvm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
)

// notifier signs and publishes outbound events. Feedback is fire-and-forget:
// failures are logged and never reach the caller.
type notifier struct {
	keys    *event.Keys
	bus     EventBus
	codec   *protocol.Codec
	timeout time.Duration
	logger  *zap.Logger

	wg sync.WaitGroup
}

// feedback publishes a status notice on a detached task.
func (n *notifier) feedback(ctx context.Context, ref protocol.Ref, fb protocol.Feedback) {
	ev := n.codec.Feedback(ref, fb)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.publish(context.WithoutCancel(ctx), ev); err != nil {
			n.logger.Warn("feedback publish failed",
				zap.String("job_id", ref.RequestID),
				zap.String("status", fb.Status.String()),
				zap.Error(err))
		}
	}()
}

// publish signs ev and waits until the bus accepted it.
func (n *notifier) publish(ctx context.Context, ev *event.Event) error {
	if err := n.keys.Sign(ev); err != nil {
		return newError(KindPublish, "", fmt.Errorf("sign kind %d: %w", ev.Kind, err))
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.bus.Publish(pctx, ev); err != nil {
		return newError(KindPublish, "", fmt.Errorf("publish kind %d: %w", ev.Kind, err))
	}
	return nil
}

// wait blocks until outstanding feedback publishes finish or ctx ends.
func (n *notifier) wait(ctx context.Context) error {
	return waitGroup(ctx, &n.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

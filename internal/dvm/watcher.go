package dvm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jobvend/internal/dvm/pending"
	"jobvend/internal/dvm/protocol"
	"jobvend/internal/payment"
)

// Watcher periodically sweeps the registry, polls invoices with per-job
// backoff and hands paid jobs to the executor.
type Watcher struct {
	cfg      Config
	registry *pending.Registry
	payments payment.Provider
	executor *Executor
	notify   *notifier
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflight sync.WaitGroup
}

// Start launches the sweep loop. It reports false when already running.
func (w *Watcher) Start(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx, w.done)
	return true
}

// Stop cancels the sweep loop and waits for the current sweep to end.
// Dispatched executions keep running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Wait blocks until dispatched executions finish or ctx ends.
func (w *Watcher) Wait(ctx context.Context) error {
	return waitGroup(ctx, &w.inflight)
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	w.logger.Info("payment watcher started", zap.Duration("interval", w.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("payment watcher stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx, w.now())
		}
	}
}

// Sweep runs one pass over a snapshot of the registry. Jobs are handled
// concurrently and independently; a failing job never stops the sweep.
func (w *Watcher) Sweep(ctx context.Context, now time.Time) {
	var g errgroup.Group
	g.SetLimit(w.cfg.PollConcurrency)
	for _, id := range w.registry.Keys() {
		id := id
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("sweep panicked",
						zap.String("job_id", id),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			w.check(ctx, id, now)
			return nil
		})
	}
	_ = g.Wait()
}

// due reports whether the backoff gate lets job be polled at now.
func (w *Watcher) due(job pending.Job, now time.Time) bool {
	if job.Attempts == 0 {
		return true
	}
	return now.Sub(job.LastPolledAt) >= w.cfg.Backoff.Delay(job.Attempts-1)
}

func (w *Watcher) check(ctx context.Context, id string, now time.Time) {
	job, ok := w.registry.Get(id)
	if !ok || job.Executing {
		return
	}
	log := w.logger.With(zap.String("job_id", id))

	if now.Sub(job.CreatedAt) > w.cfg.PaymentTimeout {
		evicted, ok := w.registry.DeleteIf(id, func(j pending.Job) bool { return !j.Executing })
		if !ok {
			return
		}
		detail := "payment timed out"
		if evicted.Paid {
			detail = "job processing failed"
			if evicted.LastError != "" {
				detail += ": " + evicted.LastError
			}
		}
		w.notify.feedback(ctx, evicted.Request.Ref(), protocol.Feedback{Status: protocol.StatusError, Detail: detail})
		log.Info("job evicted", zap.String("reason", detail), zap.Int("attempts", evicted.Attempts))
		return
	}

	if !w.due(job, now) {
		return
	}
	job, ok = w.registry.UpdatePollState(id, now, job.Attempts+1)
	if !ok {
		return
	}
	if job.Paid {
		w.dispatch(ctx, job)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, w.cfg.StatusTimeout)
	st, err := w.payments.CheckInvoice(sctx, payment.Invoice{
		Token:     job.Invoice,
		PaymentID: job.PaymentID,
		ExpiresAt: job.InvoiceExpires,
	})
	cancel()
	if err != nil {
		st.Status = payment.StatusError
	}

	switch st.Status {
	case payment.StatusPaid:
		log.Info("payment settled", zap.Int("attempts", job.Attempts), zap.Int64("amount_paid_msats", st.AmountPaidMsats))
		w.dispatch(ctx, job)
	case payment.StatusExpired:
		evicted, ok := w.registry.DeleteIf(id, func(j pending.Job) bool { return !j.Executing })
		if !ok {
			return
		}
		w.notify.feedback(ctx, evicted.Request.Ref(), protocol.Feedback{Status: protocol.StatusError, Detail: "invoice expired"})
		log.Info("invoice expired", zap.Int("attempts", job.Attempts))
	case payment.StatusPending:
		log.Debug("payment pending", zap.Int("attempts", job.Attempts))
	case payment.StatusError:
		log.Warn("payment status unavailable", zap.Int("attempts", job.Attempts), zap.Error(err))
	default:
		log.Error("unknown payment status", zap.Stringer("status", st.Status))
	}
}

// dispatch claims job for execution and runs it on its own goroutine.
func (w *Watcher) dispatch(ctx context.Context, job pending.Job) {
	id := job.ID()
	claimed, ok := w.registry.Update(id, func(j *pending.Job) bool {
		if j.Executing {
			return false
		}
		j.Executing = true
		j.Paid = true
		return true
	})
	if !ok {
		return
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor panicked: %v", r)
				w.logger.Error("executor panicked", zap.String("job_id", id), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
			if err != nil {
				w.release(id, err)
			}
		}()
		err = w.executor.Execute(context.WithoutCancel(ctx), claimed)
	}()
}

// release returns a failed job to the registry so it can be retried until
// the payment timeout.
func (w *Watcher) release(id string, cause error) {
	w.registry.Update(id, func(j *pending.Job) bool {
		j.Executing = false
		j.ExecAttempts++
		j.LastError = cause.Error()
		var dvmErr *Error
		if errors.As(cause, &dvmErr) && dvmErr.Err != nil {
			j.LastError = dvmErr.Err.Error()
		}
		return true
	})
	w.logger.Error("job execution failed", zap.String("job_id", id), zap.Error(cause))
}

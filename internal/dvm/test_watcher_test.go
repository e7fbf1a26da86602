package dvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobvend/internal/dvm/pending"
	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/payment"
)

func TestBackoffDelaysGrowAndAreBounded(t *testing.T) {
	b := DefaultConfig().Backoff
	prev := time.Duration(0)
	for n := 0; n <= 50; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 7500*time.Millisecond, b.Delay(1))
	assert.Equal(t, 60*time.Second, b.Delay(1000))
}

func TestWatcherDeliversOnceAfterPayment(t *testing.T) {
	h := newHarness(t, nil, nil)
	paidAt := h.start.Add(30 * time.Second)
	h.pay.status = func(now time.Time) payment.Status {
		if now.Before(paidAt) {
			return payment.StatusPending
		}
		return payment.StatusPaid
	}
	ev := h.textRequest(t, "Translate: hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	for step := time.Duration(0); step <= 90*time.Second; step += 500 * time.Millisecond {
		h.sweepAt(t, step)
	}

	polls := h.pay.pollTimes()
	require.GreaterOrEqual(t, len(polls), 3)
	assert.Equal(t, h.start, polls[0])
	assert.Equal(t, h.start.Add(5*time.Second), polls[1])
	assert.Equal(t, h.start.Add(12500*time.Millisecond), polls[2])
	assert.True(t, polls[len(polls)-1].After(paidAt) || polls[len(polls)-1].Equal(paidAt))

	assert.Len(t, h.bus.feedback(protocol.StatusProcessing), 1)
	assert.Len(t, h.bus.feedback(protocol.StatusSuccess), 1)
	assert.Empty(t, h.bus.feedback(protocol.StatusError))
	results := h.bus.results()
	require.Len(t, results, 1)
	assert.Equal(t, 6050, results[0].Kind)
	assert.Equal(t, "bonjour", results[0].Content)
	assert.Zero(t, h.svc.registry.Len())

	calls := h.llm.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "test-model", calls[0].Model)
	assert.Equal(t, "Translate: hello", calls[0].Prompt)
}

func TestWatcherTimesOutUnpaidJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ev := h.textRequest(t, "hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	for sec := 0; sec <= 605; sec++ {
		h.sweepAt(t, time.Duration(sec)*time.Second)
	}

	errs := h.bus.feedback(protocol.StatusError)
	require.Len(t, errs, 1)
	assert.Equal(t, "payment timed out", errs[0].Detail)
	assert.Equal(t, ev.ID, errs[0].Ref.RequestID)
	assert.Empty(t, h.bus.results())
	assert.Zero(t, h.svc.registry.Len())
	assert.Less(t, len(h.pay.pollTimes()), 30, "backoff must bound the number of polls")
}

func TestWatcherEvictsExpiredInvoice(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pay.status = func(time.Time) payment.Status { return payment.StatusExpired }
	ev := h.textRequest(t, "hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	h.sweepAt(t, 0)
	h.sweepAt(t, 10*time.Second)

	errs := h.bus.feedback(protocol.StatusError)
	require.Len(t, errs, 1)
	assert.Equal(t, "invoice expired", errs[0].Detail)
	assert.Zero(t, h.svc.registry.Len())
	assert.Len(t, h.pay.pollTimes(), 1)
}

func TestWatcherRidesOutProviderOutage(t *testing.T) {
	h := newHarness(t, nil, nil)
	recovered := h.start.Add(20 * time.Second)
	h.pay.checkErr = func(now time.Time) error {
		if now.Before(recovered) {
			return errors.New("lnbits 503")
		}
		return nil
	}
	h.pay.status = func(time.Time) payment.Status { return payment.StatusPaid }
	ev := h.textRequest(t, "hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	h.sweepAt(t, 0)
	// One poll plus two retries, all failing.
	assert.Len(t, h.pay.pollTimes(), 3)
	job, ok := h.svc.registry.Get(ev.ID)
	require.True(t, ok)
	assert.Equal(t, 1, job.Attempts)
	assert.False(t, job.Paid)
	assert.Empty(t, h.bus.feedback(protocol.StatusError))

	for step := time.Second; step <= 60*time.Second; step += time.Second {
		h.sweepAt(t, step)
	}

	assert.Empty(t, h.bus.feedback(protocol.StatusError))
	assert.Len(t, h.bus.results(), 1)
	assert.Len(t, h.bus.feedback(protocol.StatusSuccess), 1)
	assert.Zero(t, h.svc.registry.Len())
}

func TestWatcherKeepsJobWhenExecutionFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pay.status = func(time.Time) payment.Status { return payment.StatusPaid }
	h.llm.setErr(errors.New("model overloaded"))
	ev := h.textRequest(t, "hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	h.sweepAt(t, 0)

	job, ok := h.svc.registry.Get(ev.ID)
	require.True(t, ok, "failed execution must leave the job registered")
	assert.True(t, job.Paid)
	assert.False(t, job.Executing)
	assert.Equal(t, 1, job.ExecAttempts)
	assert.Contains(t, job.LastError, "model overloaded")
	assert.Empty(t, h.bus.results())
	assert.Empty(t, h.bus.feedback(protocol.StatusError))

	// Recovery on a later due sweep delivers exactly once without re-polling.
	h.llm.setErr(nil)
	polls := len(h.pay.pollTimes())
	h.sweepAt(t, 2*time.Second)
	assert.Len(t, h.bus.results(), 0, "not yet due")
	h.sweepAt(t, 5*time.Second)
	assert.Len(t, h.bus.results(), 1)
	assert.Len(t, h.bus.feedback(protocol.StatusSuccess), 1)
	assert.Equal(t, polls, len(h.pay.pollTimes()))
	assert.Zero(t, h.svc.registry.Len())
}

func TestWatcherReportsFailedPaidJobOnTimeout(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pay.status = func(time.Time) payment.Status { return payment.StatusPaid }
	h.llm.setErr(errors.New("model overloaded"))
	ev := h.textRequest(t, "hello")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	h.sweepAt(t, 0)
	h.sweepAt(t, 11*time.Minute)

	errs := h.bus.feedback(protocol.StatusError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Detail, "job processing failed")
	assert.Empty(t, h.bus.results())
	assert.Zero(t, h.svc.registry.Len())
}

func TestExecutorSkipsAlreadyDeliveredJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ev := h.textRequest(t, "hello")
	req, err := protocol.ParseRequest(ev, nil)
	require.NoError(t, err)

	job := pending.Job{Request: req, Prompt: "hello", PriceSats: 10, Invoice: "lnbc", CreatedAt: h.start, ExecAttempts: 1}
	require.NoError(t, h.svc.registry.Put(job))

	prior := h.svc.executor.codec.Result(req, protocol.Result{Content: "earlier", AmountMsats: 10000, Invoice: "lnbc"})
	require.NoError(t, h.svc.notify.publish(context.Background(), prior))

	require.NoError(t, h.svc.executor.Execute(context.Background(), job))
	h.wait(t)

	assert.Empty(t, h.llm.calls())
	assert.Len(t, h.bus.results(), 1)
	assert.Zero(t, h.svc.registry.Len())
}

func TestExecutorResultPublishFailureKeepsJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ev := h.textRequest(t, "hello")
	req, err := protocol.ParseRequest(ev, nil)
	require.NoError(t, err)
	job := pending.Job{Request: req, Prompt: "hello", PriceSats: 10, Invoice: "lnbc", CreatedAt: h.start}
	require.NoError(t, h.svc.registry.Put(job))

	// Fails both the processing notice and the result.
	h.bus.mu.Lock()
	h.bus.failNext = 2
	h.bus.mu.Unlock()

	err = h.svc.executor.Execute(context.Background(), job)
	h.wait(t)

	assert.ErrorIs(t, err, ErrPublish)
	assert.Equal(t, 1, h.svc.registry.Len())
	assert.Empty(t, h.bus.results())
}

func TestExecutorPassesExplicitZeroTemperature(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.pay.status = func(time.Time) payment.Status { return payment.StatusPaid }
	ev := h.request(t, event.Tags{{"i", "hello", "text"}, {"param", "temperature", "0"}}, "")
	require.NoError(t, h.svc.processor.Process(context.Background(), ev))

	h.sweepAt(t, 0)

	calls := h.llm.calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Temperature)
	assert.Zero(t, *calls[0].Temperature)
}

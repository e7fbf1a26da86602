package dvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/payment"
)

func TestHistoryDerivesJobsAndStats(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	codec := h.svc.executor.codec

	publish := func(ev *event.Event) {
		t.Helper()
		require.NoError(t, h.svc.notify.publish(ctx, ev))
	}
	parse := func(prompt string) protocol.Request {
		req, err := protocol.ParseRequest(h.textRequest(t, prompt), nil)
		require.NoError(t, err)
		return req
	}

	done := parse("one")
	failed := parse("two")
	waiting := parse("three")

	h.clock.Set(h.start)
	publish(codec.Feedback(done.Ref(), protocol.Feedback{Status: protocol.StatusPaymentRequired, AmountMsats: 21000, Invoice: "lnbc21"}))
	publish(codec.Feedback(failed.Ref(), protocol.Feedback{Status: protocol.StatusPaymentRequired, AmountMsats: 5000, Invoice: "lnbc5"}))
	h.clock.Set(h.start.Add(time.Minute))
	publish(codec.Feedback(waiting.Ref(), protocol.Feedback{Status: protocol.StatusPaymentRequired, AmountMsats: 7000, Invoice: "lnbc7"}))
	publish(codec.Feedback(done.Ref(), protocol.Feedback{Status: protocol.StatusProcessing}))
	h.clock.Set(h.start.Add(2 * time.Minute))
	publish(codec.Result(done, protocol.Result{Content: "the answer", AmountMsats: 21000, Invoice: "lnbc21"}))
	publish(codec.Feedback(done.Ref(), protocol.Feedback{Status: protocol.StatusSuccess}))
	h.clock.Set(h.start.Add(3 * time.Minute))
	publish(codec.Feedback(failed.Ref(), protocol.Feedback{Status: protocol.StatusError, Detail: "payment timed out"}))

	// Events by someone else are not part of this service's history.
	stranger := codec.Feedback(done.Ref(), protocol.Feedback{Status: protocol.StatusError})
	require.NoError(t, h.client.Sign(stranger))
	h.bus.stored = append(h.bus.stored, stranger)

	hist := h.svc.History()
	stats, err := hist.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatistics{
		Total:           3,
		Completed:       1,
		Failed:          1,
		AwaitingPayment: 1,
		EarnedSats:      21,
		SuccessRate:     1.0 / 3.0,
	}, stats)

	page, err := hist.Jobs(ctx, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, failed.ID, page.Jobs[0].RequestID)
	assert.Equal(t, protocol.StatusError, page.Jobs[0].Status)
	assert.Equal(t, "payment timed out", page.Jobs[0].Detail)
	assert.Equal(t, done.ID, page.Jobs[1].RequestID)
	assert.Equal(t, protocol.StatusSuccess, page.Jobs[1].Status)
	assert.Equal(t, "the answer", page.Jobs[1].Preview)
	assert.Equal(t, 6050, page.Jobs[1].ResultKind)

	rest, err := hist.Jobs(ctx, Page{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest.Jobs, 1)
	assert.Equal(t, waiting.ID, rest.Jobs[0].RequestID)
	assert.EqualValues(t, 7, rest.Jobs[0].AmountSats)

	empty, err := hist.Jobs(ctx, Page{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty.Jobs)
	assert.Equal(t, defaultPageLimit, empty.Limit)
}

func TestHistoryReflectsDeliveryImmediately(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.pay.status = func(now time.Time) payment.Status {
		if now.Before(h.start.Add(5 * time.Second)) {
			return payment.StatusPending
		}
		return payment.StatusPaid
	}
	require.NoError(t, h.svc.processor.Process(ctx, h.textRequest(t, "hello")))
	h.wait(t)

	stats, err := h.svc.History().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.AwaitingPayment)

	h.sweepAt(t, 0)
	h.sweepAt(t, 5*time.Second)
	require.Len(t, h.bus.results(), 1)

	stats, err = h.svc.History().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.AwaitingPayment)
}

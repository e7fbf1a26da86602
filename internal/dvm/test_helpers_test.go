package dvm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/inference"
	"jobvend/internal/payment"
	"jobvend/internal/securechannel"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSub struct {
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
}

type fakeBus struct {
	mu         sync.Mutex
	relays     []string
	published  []*event.Event
	stored     []*event.Event
	failNext   int
	subErr     error
	onEvent    func(*event.Event)
	subFilters []event.Filter
	sub        *fakeSub
}

func newFakeBus() *fakeBus {
	return &fakeBus{relays: []string{"wss://relay.test"}}
}

func (b *fakeBus) Relays() []string { return b.relays }

func (b *fakeBus) Publish(_ context.Context, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return errors.New("relay refused")
	}
	b.published = append(b.published, ev)
	b.stored = append(b.stored, ev)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, filters []event.Filter, onEvent func(*event.Event), _ func()) (event.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.onEvent = onEvent
	b.subFilters = filters
	b.sub = &fakeSub{}
	return b.sub, nil
}

func (b *fakeBus) List(_ context.Context, filters []event.Filter) ([]*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Event
	for i := len(b.stored) - 1; i >= 0; i-- {
		if event.MatchesAny(filters, b.stored[i]) {
			out = append(out, b.stored[i])
		}
	}
	return out, nil
}

func (b *fakeBus) deliver(ev *event.Event) {
	b.mu.Lock()
	fn := b.onEvent
	b.mu.Unlock()
	fn(ev)
}

func (b *fakeBus) feedback(status protocol.Status) []protocol.ParsedFeedback {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.ParsedFeedback
	for _, ev := range b.published {
		if fb, ok := protocol.ParseFeedback(ev); ok && fb.Status == status {
			out = append(out, fb)
		}
	}
	return out
}

func (b *fakeBus) results() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Event
	for _, ev := range b.published {
		if protocol.IsResultKind(ev.Kind) {
			out = append(out, ev)
		}
	}
	return out
}

type fakePayments struct {
	mu        sync.Mutex
	created   []int64
	createErr error
	polls     []time.Time
	clock     *fakeClock
	status    func(now time.Time) payment.Status
	checkErr  func(now time.Time) error
}

func (p *fakePayments) CreateInvoice(_ context.Context, sats int64, _ string) (payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return payment.Invoice{}, p.createErr
	}
	p.created = append(p.created, sats)
	n := len(p.created)
	return payment.Invoice{
		Token:     fmt.Sprintf("lnbc%dn1fake%d", sats, n),
		PaymentID: fmt.Sprintf("hash-%d", n),
	}, nil
}

func (p *fakePayments) CheckInvoice(_ context.Context, _ payment.Invoice) (payment.InvoiceStatus, error) {
	now := p.clock.Now()
	p.mu.Lock()
	p.polls = append(p.polls, now)
	fn, errFn := p.status, p.checkErr
	p.mu.Unlock()
	if errFn != nil {
		if err := errFn(now); err != nil {
			return payment.InvoiceStatus{}, err
		}
	}
	st := payment.StatusPending
	if fn != nil {
		st = fn(now)
	}
	return payment.InvoiceStatus{Status: st}, nil
}

func (p *fakePayments) invoices() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.created...)
}

func (p *fakePayments) pollTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.polls...)
}

type fakeInference struct {
	mu       sync.Mutex
	requests []inference.Request
	text     string
	err      error
}

func (f *fakeInference) Name() string { return "fake" }

func (f *fakeInference) GenerateText(_ context.Context, req inference.Request) (inference.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return inference.Response{}, f.err
	}
	return inference.Response{Text: f.text, PromptTokens: 4, OutputTokens: 6}, nil
}

func (f *fakeInference) calls() []inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inference.Request(nil), f.requests...)
}

func (f *fakeInference) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type harness struct {
	svc    *Service
	bus    *fakeBus
	pay    *fakePayments
	llm    *fakeInference
	clock  *fakeClock
	keys   *event.Keys
	client *event.Keys
	start  time.Time
}

func newHarness(t *testing.T, logger *zap.Logger, mutate func(*Config)) *harness {
	t.Helper()
	keys, err := event.GenerateKeys()
	require.NoError(t, err)
	client, err := event.GenerateKeys()
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	clock := &fakeClock{t: start}
	cfg := DefaultConfig()
	cfg.StatusRetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		bus:    newFakeBus(),
		pay:    &fakePayments{clock: clock},
		llm:    &fakeInference{text: "bonjour"},
		clock:  clock,
		keys:   keys,
		client: client,
		start:  start,
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h.svc = New(cfg, Deps{
		Keys:      keys,
		Bus:       h.bus,
		Payments:  h.pay,
		Inference: h.llm,
		Channel:   securechannel.New(),
		Logger:    logger,
		Now:       clock.Now,
	})
	return h
}

// request builds a signed kind 5050 request from the client.
func (h *harness) request(t *testing.T, tags event.Tags, content string) *event.Event {
	t.Helper()
	ev := &event.Event{
		Kind:      5050,
		CreatedAt: event.TimestampFrom(h.clock.Now()),
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, h.client.Sign(ev))
	return ev
}

func (h *harness) textRequest(t *testing.T, prompt string) *event.Event {
	return h.request(t, event.Tags{{"i", prompt, "text"}, {"param", "model", "test-model"}}, "")
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(ctx))
}

// sweepAt advances the clock to h.start+offset and runs one sweep.
func (h *harness) sweepAt(t *testing.T, offset time.Duration) {
	h.clock.Set(h.start.Add(offset))
	h.svc.watcher.Sweep(context.Background(), h.clock.Now())
	h.wait(t)
}

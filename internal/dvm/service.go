// Package dvm runs the paid job lifecycle: request, quote, payment, execution
// and delivery over a relay network.
package dvm

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/dvm/pending"
	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/inference"
	"jobvend/internal/payment"
)

const dedupeTimeout = 2 * time.Second

// Deps are the collaborators of a Service. Dedupe, Ledger and Archive are
// optional.
type Deps struct {
	Keys      *event.Keys
	Bus       EventBus
	Payments  payment.Provider
	Inference inference.Provider
	Channel   SecureChannel
	Dedupe    Deduper
	Ledger    Ledger
	Archive   Archive
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service is the listener and lifecycle controller.
type Service struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	registry  *pending.Registry
	notify    *notifier
	processor *Processor
	executor  *Executor
	watcher   *Watcher
	history   *History

	mu        sync.Mutex
	sub       event.Subscription
	listening bool

	jobs sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	deps.Logger, deps.Now = logger, now

	codec := protocol.NewCodec(logger, now)
	registry := pending.NewRegistry()
	notify := &notifier{
		keys:    deps.Keys,
		bus:     deps.Bus,
		codec:   codec,
		timeout: cfg.PublishTimeout,
		logger:  logger.With(zap.String("component", "notifier")),
	}
	var statusProvider payment.Provider
	if deps.Payments != nil {
		statusProvider = payment.Wrap(deps.Payments, payment.Retry(cfg.StatusRetries, cfg.StatusRetryDelay))
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(zap.String("component", "listener")),
		registry: registry,
		notify:   notify,
	}
	s.processor = &Processor{
		cfg:      cfg,
		keys:     deps.Keys,
		channel:  deps.Channel,
		payments: deps.Payments,
		registry: registry,
		notify:   notify,
		logger:   logger.With(zap.String("component", "processor")),
		now:      now,
	}
	s.executor = &Executor{
		cfg:       cfg,
		keys:      deps.Keys,
		bus:       deps.Bus,
		channel:   deps.Channel,
		inference: deps.Inference,
		registry:  registry,
		ledger:    deps.Ledger,
		archive:   deps.Archive,
		codec:     codec,
		notify:    notify,
		logger:    logger.With(zap.String("component", "executor")),
		now:       now,
	}
	s.watcher = &Watcher{
		cfg:      cfg,
		registry: registry,
		payments: statusProvider,
		executor: s.executor,
		notify:   notify,
		logger:   logger.With(zap.String("component", "watcher")),
		now:      now,
	}
	s.history = newHistory(cfg, deps.Bus, s.PubKey, logger)
	return s
}

func (s *Service) validate() error {
	switch {
	case s.deps.Keys == nil || s.deps.Keys.PrivateKey() == nil:
		return newError(KindConfiguration, "", errors.New("service identity is not configured"))
	case s.deps.Bus == nil || len(s.deps.Bus.Relays()) == 0:
		return newError(KindConfiguration, "", errors.New("no relay endpoints configured"))
	case s.deps.Payments == nil:
		return newError(KindConfiguration, "", errors.New("payment provider is not configured"))
	case s.deps.Inference == nil:
		return newError(KindConfiguration, "", errors.New("inference provider is not configured"))
	}
	return nil
}

// Start subscribes to job requests and starts the payment watcher.
func (s *Service) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logger.Info("start ignored: already listening")
		return nil
	}

	since := event.TimestampFrom(s.deps.Now())
	filters := []event.Filter{{Kinds: slices.Clone(s.cfg.JobKinds), Since: &since}}
	sub, err := s.deps.Bus.Subscribe(ctx, filters, s.onEvent, func() {
		s.logger.Debug("caught up with stored job requests")
	})
	if err != nil {
		return newError(KindConnection, "", err)
	}
	s.sub = sub
	s.listening = true
	if !s.watcher.Start(ctx) {
		s.logger.Debug("payment watcher already running")
	}
	s.logger.Info("listening for job requests",
		zap.String("pubkey", s.PubKey()),
		zap.Ints("kinds", s.cfg.JobKinds),
		zap.Strings("relays", s.deps.Bus.Relays()))
	return nil
}

// Stop cancels the subscription and the sweep. In-flight jobs keep running.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		s.logger.Info("stop ignored: not listening")
		return
	}
	sub := s.sub
	s.sub = nil
	s.listening = false
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.watcher.Stop()
	s.logger.Info("stopped listening")
}

func (s *Service) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Service) PubKey() string {
	if s.deps.Keys == nil {
		return ""
	}
	return s.deps.Keys.PublicKey()
}

// firstSighting marks id as seen. A deduper error lets the event through;
// the registry still rejects a job that is already pending.
func (s *Service) firstSighting(id string, log *zap.Logger) bool {
	if s.deps.Dedupe == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), dedupeTimeout)
	defer cancel()
	first, err := s.deps.Dedupe.MarkSeen(ctx, id)
	if err != nil {
		log.Warn("dedupe unavailable", zap.Error(err))
		return true
	}
	return first
}

func (s *Service) onEvent(ev *event.Event) {
	if ev == nil || ev.PubKey == s.PubKey() || !s.cfg.acceptsKind(ev.Kind) {
		return
	}
	log := s.logger.With(zap.String("job_id", ev.ID))
	if ok, err := ev.CheckSignature(); !ok {
		log.Warn("dropping request with invalid signature", zap.Error(err))
		return
	}
	if providers := ev.Tags.Values("p"); len(providers) > 0 && !slices.Contains(providers, s.PubKey()) {
		log.Debug("request addressed to another provider")
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("request processing panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()
		if !s.firstSighting(ev.ID, log) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessTimeout)
		defer cancel()
		if err := s.processor.Process(ctx, ev); err != nil && !errors.Is(err, ErrRequest) {
			log.Error("request processing failed", zap.Error(err))
		}
	}()
}

// ServiceStatus is a point-in-time view of the service.
type ServiceStatus struct {
	Listening bool     `json:"listening"`
	Watching  bool     `json:"watching"`
	PubKey    string   `json:"pubkey"`
	Relays    []string `json:"relays"`
	JobKinds  []int    `json:"job_kinds"`
	Pending   int      `json:"pending"`
}

func (s *Service) Status() ServiceStatus {
	st := ServiceStatus{
		Listening: s.IsListening(),
		Watching:  s.watcher.Running(),
		PubKey:    s.PubKey(),
		JobKinds:  slices.Clone(s.cfg.JobKinds),
		Pending:   s.registry.Len(),
	}
	if s.deps.Bus != nil {
		st.Relays = s.deps.Bus.Relays()
	}
	return st
}

// PendingJob is the read-only view of a registry entry.
type PendingJob struct {
	JobID        string    `json:"job_id"`
	Requester    string    `json:"requester"`
	Kind         int       `json:"kind"`
	PriceSats    int64     `json:"price_sats"`
	Invoice      string    `json:"invoice"`
	Encrypted    bool      `json:"encrypted"`
	CreatedAt    time.Time `json:"created_at"`
	Attempts     int       `json:"attempts"`
	LastPolledAt time.Time `json:"last_polled_at,omitzero"`
	Paid         bool      `json:"paid"`
	Executing    bool      `json:"executing"`
	LastError    string    `json:"last_error,omitempty"`
}

func (s *Service) Pending() []PendingJob {
	jobs := s.registry.Snapshot()
	out := make([]PendingJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, PendingJob{
			JobID:        j.ID(),
			Requester:    j.Request.Requester,
			Kind:         j.Request.Kind,
			PriceSats:    j.PriceSats,
			Invoice:      j.Invoice,
			Encrypted:    j.Encrypted,
			CreatedAt:    j.CreatedAt,
			Attempts:     j.Attempts,
			LastPolledAt: j.LastPolledAt,
			Paid:         j.Paid,
			Executing:    j.Executing,
			LastError:    j.LastError,
		})
	}
	return out
}

func (s *Service) History() *History { return s.history }

// Wait blocks until forked request handlers, dispatched executions and
// feedback publishes finish, or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	if err := waitGroup(ctx, &s.jobs); err != nil {
		return err
	}
	if err := s.watcher.Wait(ctx); err != nil {
		return err
	}
	return s.notify.wait(ctx)
}

// Close stops listening and drains in-flight work within ctx.
func (s *Service) Close(ctx context.Context) error {
	s.Stop()
	return s.Wait(ctx)
}

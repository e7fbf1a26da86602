// Package relay speaks the relay websocket protocol and fans operations out
// across a configured set of relay endpoints.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jobvend/internal/event"
)

var ErrNoRelays = errors.New("relay: no relay endpoints configured")

const (
	defaultPublishTimeout = 10 * time.Second
	defaultListTimeout    = 8 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

type dialFunc func(ctx context.Context, url string, logger *zap.Logger) (*Conn, error)

// Pool keeps one connection per relay and implements publish/subscribe/list
// over all of them.
type Pool struct {
	urls   []string
	logger *zap.Logger
	dial   dialFunc

	PublishTimeout time.Duration
	ListTimeout    time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewPool(urls []string, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := map[string]bool{}
	var clean []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		clean = append(clean, u)
	}
	return &Pool{
		urls:           clean,
		logger:         logger.With(zap.String("component", "relay_pool")),
		dial:           Dial,
		PublishTimeout: defaultPublishTimeout,
		ListTimeout:    defaultListTimeout,
		conns:          make(map[string]*Conn),
	}
}

func (p *Pool) Relays() []string {
	return append([]string(nil), p.urls...)
}

func (p *Pool) conn(ctx context.Context, url string) (*Conn, error) {
	p.mu.Lock()
	c := p.conns[url]
	p.mu.Unlock()
	if c != nil && !c.Closed() {
		return c, nil
	}

	dctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	nc, err := p.dial(dctx, url, p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.conns[url]; cur != nil && !cur.Closed() {
		_ = nc.Close()
		return cur, nil
	}
	p.conns[url] = nc
	return nc, nil
}

// Publish sends the event to every relay. It succeeds if at least one relay
// accepted it.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) error {
	if len(p.urls) == 0 {
		return ErrNoRelays
	}
	pctx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	var g errgroup.Group
	for _, url := range p.urls {
		url := url
		g.Go(func() error {
			err := p.publishOne(pctx, url, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			accepted++
			return nil
		})
	}
	_ = g.Wait()

	if accepted == 0 {
		return fmt.Errorf("publish %s to %d relays: %w", ev.ID, len(p.urls), errors.Join(errs...))
	}
	if len(errs) > 0 {
		p.logger.Debug("partial publish", zap.String("event_id", ev.ID), zap.Int("accepted", accepted), zap.Errors("errors", errs))
	}
	return nil
}

func (p *Pool) publishOne(ctx context.Context, url string, ev *event.Event) error {
	c, err := p.conn(ctx, url)
	if err != nil {
		return err
	}
	return c.Publish(ctx, ev)
}

// subscription spans every relay that accepted the REQ.
type subscription struct {
	id    string
	conns []*Conn
	once  sync.Once
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, c := range s.conns {
			c.Unsubscribe(s.id)
		}
	})
}

// Subscribe opens the same subscription on every relay. onEOSE fires once all
// relays have sent EOSE (or dropped the subscription).
func (p *Pool) Subscribe(ctx context.Context, filters []event.Filter, onEvent func(*event.Event), onEOSE func()) (event.Subscription, error) {
	if len(p.urls) == 0 {
		return nil, ErrNoRelays
	}
	sub := &subscription{id: uuid.NewString()}

	var (
		mu      sync.Mutex
		pending = len(p.urls)
		eosed   bool
		errs    []error
	)
	finishOne := func() {
		mu.Lock()
		pending--
		fire := pending <= 0 && !eosed
		if fire {
			eosed = true
		}
		mu.Unlock()
		if fire && onEOSE != nil {
			onEOSE()
		}
	}

	for _, url := range p.urls {
		c, err := p.conn(ctx, url)
		if err != nil {
			p.logger.Warn("relay unavailable for subscription", zap.String("relay", url), zap.Error(err))
			errs = append(errs, err)
			finishOne()
			continue
		}
		var once sync.Once
		done := func() { once.Do(finishOne) }
		if err := c.Subscribe(sub.id, filters, onEvent, done, func(reason string) {
			p.logger.Info("subscription closed by relay", zap.String("relay", url), zap.String("reason", reason))
			done()
		}); err != nil {
			errs = append(errs, err)
			done()
			continue
		}
		sub.conns = append(sub.conns, c)
	}
	if len(sub.conns) == 0 {
		return nil, fmt.Errorf("subscribe on %d relays: %w", len(p.urls), errors.Join(errs...))
	}
	return sub, nil
}

// List runs a one-shot query and returns the distinct stored events, newest first.
func (p *Pool) List(ctx context.Context, filters []event.Filter) ([]*event.Event, error) {
	lctx, cancel := context.WithTimeout(ctx, p.ListTimeout)
	defer cancel()

	var mu sync.Mutex
	byID := map[string]*event.Event{}
	eose := make(chan struct{})
	var eoseOnce sync.Once

	sub, err := p.Subscribe(lctx, filters, func(ev *event.Event) {
		mu.Lock()
		byID[ev.ID] = ev
		mu.Unlock()
	}, func() { eoseOnce.Do(func() { close(eose) }) })
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	select {
	case <-eose:
	case <-lctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug("list timed out before EOSE from all relays")
	}

	mu.Lock()
	out := make([]*event.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

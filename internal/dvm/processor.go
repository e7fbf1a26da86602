package dvm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/dvm/pending"
	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/payment"
)

// Processor takes an inbound job request up to "awaiting payment".
type Processor struct {
	cfg      Config
	keys     *event.Keys
	channel  SecureChannel
	payments payment.Provider
	registry *pending.Registry
	notify   *notifier
	logger   *zap.Logger
	now      func() time.Time
}

// Process parses ev, quotes it, issues an invoice, registers the pending job
// and announces payment-required. It never waits for payment.
func (p *Processor) Process(ctx context.Context, ev *event.Event) error {
	log := p.logger.With(zap.String("job_id", ev.ID))

	req, err := protocol.ParseRequest(ev, p.decrypter(ev.PubKey))
	if err != nil {
		p.notify.feedback(ctx, protocol.Ref{RequestID: ev.ID, Requester: ev.PubKey}, protocol.Feedback{
			Status: protocol.StatusError,
			Detail: err.Error(),
		})
		log.Info("rejected job request", zap.Error(err))
		return newError(KindRequest, ev.ID, err)
	}
	if _, ok := p.registry.Get(req.ID); ok {
		log.Debug("job already pending")
		return nil
	}

	prompt := req.Prompt()
	tokens := p.cfg.EstimateTokens(prompt)
	price := p.cfg.Pricing.Quote(tokens)
	memo := fmt.Sprintf("job %d %s", req.Kind, shortID(req.ID))

	inv, err := p.payments.CreateInvoice(ctx, price, memo)
	if err != nil {
		return newError(KindPayment, req.ID, fmt.Errorf("create invoice for %d sats: %w", price, err))
	}

	job := pending.Job{
		Request:         req,
		Invoice:         inv.Token,
		PaymentID:       inv.PaymentID,
		InvoiceExpires:  inv.ExpiresAt,
		PriceSats:       price,
		EstimatedTokens: tokens,
		CreatedAt:       p.now(),
		Prompt:          prompt,
		Encrypted:       req.Encrypted,
	}
	if err := p.registry.Put(job); err != nil {
		if errors.Is(err, pending.ErrExists) {
			log.Debug("job registered concurrently")
			return nil
		}
		return newError(KindProcessing, req.ID, err)
	}

	p.notify.feedback(ctx, req.Ref(), protocol.Feedback{
		Status:      protocol.StatusPaymentRequired,
		AmountMsats: price * 1000,
		Invoice:     inv.Token,
	})
	log.Info("job awaiting payment",
		zap.Int("kind", req.Kind),
		zap.Int("estimated_tokens", tokens),
		zap.Int64("price_sats", price),
		zap.Bool("encrypted", req.Encrypted))
	return nil
}

func (p *Processor) decrypter(requester string) func(string) (string, error) {
	return func(ciphertext string) (string, error) {
		if p.channel == nil {
			return "", errors.New("encrypted requests are not supported")
		}
		return p.channel.Decrypt(p.keys, requester, ciphertext)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

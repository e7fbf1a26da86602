// Package payment is the Lightning invoice backend used to charge for jobs.
package payment

import (
	"context"
	"errors"
	"time"
)

var ErrInvoiceNotFound = errors.New("payment: invoice not found")

// Status is the settlement state of an invoice.
type Status int

const (
	StatusPending Status = iota
	StatusPaid
	StatusExpired
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaid:
		return "paid"
	case StatusExpired:
		return "expired"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Invoice is an opaque payment request plus its derived payment identifier.
type Invoice struct {
	Token     string
	PaymentID string
	ExpiresAt time.Time
}

type InvoiceStatus struct {
	Status          Status
	AmountPaidMsats int64
}

type Provider interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)
	CheckInvoice(ctx context.Context, inv Invoice) (InvoiceStatus, error)
}

// Middleware decorates a Provider.
type Middleware func(Provider) Provider

// Wrap applies middlewares in left-to-right order: Wrap(p, A, B) => A(B(p)).
func Wrap(inner Provider, mws ...Middleware) Provider {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// Retry retries CheckInvoice up to retries extra times, spaced by delay.
// CreateInvoice is never retried: a failed creation must abort the job.
func Retry(retries int, delay time.Duration) Middleware {
	if retries < 0 {
		retries = 0
	}
	return func(next Provider) Provider {
		return &retrying{next: next, retries: retries, delay: delay}
	}
}

type retrying struct {
	next    Provider
	retries int
	delay   time.Duration
}

func (r *retrying) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	return r.next.CreateInvoice(ctx, amountSats, memo)
}

func (r *retrying) CheckInvoice(ctx context.Context, inv Invoice) (InvoiceStatus, error) {
	var last error
	for i := 0; i <= r.retries; i++ {
		st, err := r.next.CheckInvoice(ctx, inv)
		if err == nil {
			return st, nil
		}
		last = err
		if errors.Is(err, ErrInvoiceNotFound) || i == r.retries {
			break
		}
		t := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return InvoiceStatus{Status: StatusError}, ctx.Err()
		case <-t.C:
		}
	}
	return InvoiceStatus{Status: StatusError}, last
}

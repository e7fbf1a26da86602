package inference

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware decorates a Provider with a cross-cutting concern.
type Middleware func(Provider) Provider

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner Provider, mws ...Middleware) Provider {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// Retry retries GenerateText up to maxAttempts with exponential backoff
// starting at baseDelay. Permanent errors and canceled contexts stop it.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Provider) Provider {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Provider
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) GenerateText(ctx context.Context, req Request) (Response, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.GenerateText(ctx, req)
		if err == nil {
			return resp, nil
		}
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return Response{}, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		t := time.NewTimer(r.base * time.Duration(1<<i))
		select {
		case <-ctx.Done():
			t.Stop()
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	return Response{}, last
}

// RateLimit throttles calls to at most rps per second with the given burst.
// rps <= 0 disables it.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Provider) Provider {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		return &rateLimited{next: next, rl: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	next Provider
	rl   *rate.Limiter
}

func (c *rateLimited) Name() string { return c.next.Name() }

func (c *rateLimited) GenerateText(ctx context.Context, req Request) (Response, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return Response{}, err
	}
	return c.next.GenerateText(ctx, req)
}

// Logging records every call with its latency and outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Provider) Provider {
		return &logged{next: next, logger: logger.With(zap.String("provider", next.Name()))}
	}
}

type logged struct {
	next   Provider
	logger *zap.Logger
}

func (l *logged) Name() string { return l.next.Name() }

func (l *logged) GenerateText(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := l.next.GenerateText(ctx, req)
	fields := []zap.Field{
		zap.String("model", req.Model),
		zap.Int("prompt_bytes", len(req.Prompt)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		l.logger.Warn("inference failed", append(fields, zap.Error(err))...)
		return resp, err
	}
	l.logger.Info("inference done", append(fields, zap.Int("output_tokens", resp.OutputTokens))...)
	return resp, nil
}

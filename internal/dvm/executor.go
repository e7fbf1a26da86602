package dvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/dvm/pending"
	"jobvend/internal/dvm/protocol"
	"jobvend/internal/event"
	"jobvend/internal/inference"
	"jobvend/internal/ledger"
)

// Executor runs a paid job and delivers its result.
type Executor struct {
	cfg       Config
	keys      *event.Keys
	bus       EventBus
	channel   SecureChannel
	inference inference.Provider
	registry  *pending.Registry
	ledger    Ledger
	archive   Archive
	codec     *protocol.Codec
	notify    *notifier
	logger    *zap.Logger
	now       func() time.Time
}

// Execute performs inference for a settled job, publishes the result and a
// success notice, then evicts the job. On failure the job stays registered.
func (x *Executor) Execute(ctx context.Context, job pending.Job) error {
	id := job.ID()
	log := x.logger.With(zap.String("job_id", id))

	if job.ExecAttempts > 0 {
		delivered, err := x.alreadyDelivered(ctx, job)
		if err != nil {
			log.Warn("delivery check failed", zap.Error(err))
		} else if delivered {
			x.registry.Delete(id)
			log.Info("result already delivered; skipping re-execution")
			return nil
		}
	}

	ref := job.Request.Ref()
	x.notify.feedback(ctx, ref, protocol.Feedback{Status: protocol.StatusProcessing})

	req := x.inferenceRequest(job)
	ictx, cancel := context.WithTimeout(ctx, x.cfg.InferenceTimeout)
	resp, err := x.inference.GenerateText(ictx, req)
	cancel()
	if err != nil {
		return newError(KindProcessing, id, fmt.Errorf("inference via %s: %w", x.inference.Name(), err))
	}

	content := resp.Text
	if job.Encrypted {
		if x.channel == nil {
			return newError(KindProcessing, id, fmt.Errorf("no secure channel for encrypted output"))
		}
		content, err = x.channel.Encrypt(x.keys, job.Request.Requester, resp.Text)
		if err != nil {
			return newError(KindProcessing, id, fmt.Errorf("encrypt output: %w", err))
		}
	}

	result := x.codec.Result(job.Request, protocol.Result{
		Content:     content,
		AmountMsats: job.PriceSats * 1000,
		Invoice:     job.Invoice,
		Encrypted:   job.Encrypted,
	})
	if err := x.notify.publish(ctx, result); err != nil {
		return newError(KindPublish, id, err)
	}

	x.notify.feedback(ctx, ref, protocol.Feedback{Status: protocol.StatusSuccess})
	x.registry.Delete(id)

	actual := resp.PromptTokens + resp.OutputTokens
	if actual <= 0 {
		actual = x.cfg.EstimateTokens(job.Prompt) + x.cfg.EstimateTokens(resp.Text)
	}
	log.Info("job delivered",
		zap.String("result_id", result.ID),
		zap.Int("result_kind", result.Kind),
		zap.Int64("price_sats", job.PriceSats),
		zap.Int("estimated_tokens", job.EstimatedTokens),
		zap.Int("actual_tokens", actual))

	x.record(ctx, job, result, actual, content)
	return nil
}

// alreadyDelivered checks the ledger, then the bus, for a result this
// service published for the job.
func (x *Executor) alreadyDelivered(ctx context.Context, job pending.Job) (bool, error) {
	if x.ledger != nil {
		ok, err := x.ledger.Delivered(ctx, job.ID())
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	events, err := x.bus.List(ctx, []event.Filter{{
		Kinds:   []int{protocol.ResultKind(job.Request.Kind)},
		Authors: []string{x.keys.PublicKey()},
		Tags:    map[string][]string{"e": {job.ID()}},
		Limit:   1,
	}})
	if err != nil {
		return false, newError(KindConnection, job.ID(), err)
	}
	for _, ev := range events {
		if r, ok := protocol.ParseResult(ev); ok && r.Ref.RequestID == job.ID() {
			return true, nil
		}
	}
	return false, nil
}

func (x *Executor) inferenceRequest(job pending.Job) inference.Request {
	temperature := x.cfg.DefaultTemperature
	req := inference.Request{
		Prompt:      job.Prompt,
		Model:       x.cfg.DefaultModel,
		Temperature: &temperature,
		MaxTokens:   x.cfg.DefaultMaxTokens,
	}
	r := job.Request
	if v, ok := r.Param("model"); ok && strings.TrimSpace(v) != "" {
		req.Model = strings.TrimSpace(v)
	}
	if v, ok := r.Param("temperature"); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 {
			temperature = f
		}
	}
	for _, key := range []string{"max_tokens", "max_new_tokens"} {
		if v, ok := r.Param(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				req.MaxTokens = n
				break
			}
		}
	}
	return req
}

// record writes the ledger entry and the archive copy. Both are best effort.
func (x *Executor) record(ctx context.Context, job pending.Job, result *event.Event, actualTokens int, content string) {
	log := x.logger.With(zap.String("job_id", job.ID()))
	if x.ledger != nil {
		err := x.ledger.Record(ctx, ledger.Entry{
			JobID:           job.ID(),
			Requester:       job.Request.Requester,
			Kind:            job.Request.Kind,
			Invoice:         job.Invoice,
			PaymentID:       job.PaymentID,
			PriceSats:       job.PriceSats,
			EstimatedTokens: job.EstimatedTokens,
			ActualTokens:    actualTokens,
			ResultID:        result.ID,
			DeliveredAt:     x.now(),
		})
		if err != nil {
			log.Warn("ledger record failed", zap.Error(err))
		}
	}
	if x.archive != nil {
		contentType := job.Request.Output
		if contentType == "" || job.Encrypted {
			contentType = "text/plain"
		}
		if err := x.archive.Put(ctx, job.ID(), []byte(content), contentType); err != nil {
			log.Warn("archive put failed", zap.Error(err))
		}
	}
}

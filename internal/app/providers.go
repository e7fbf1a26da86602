package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobvend/internal/config"
	"jobvend/internal/inference"
	"jobvend/internal/payment"
)

func newPaymentProvider(cfg *config.Config) payment.Provider {
	return payment.NewLNbits(cfg.Payment.LNbitsURL, cfg.Payment.LNbitsAPIKey, cfg.Payment.InvoiceExpiry)
}

// newInferenceProvider builds the configured backend wrapped as
// Logging(Retry(RateLimit(backend))).
func newInferenceProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inference.Provider, error) {
	var base inference.Provider
	switch cfg.Inference.Backend {
	case "gemini":
		g, err := inference.NewGemini(ctx, cfg.Inference.GeminiAPIKey, cfg.Inference.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
		}
		base = g
	case "ollama":
		base = inference.NewOllama(cfg.Inference.OllamaHost, cfg.Inference.Model)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Inference.Backend)
	}
	logger.Info("inference backend", zap.String("provider", base.Name()))
	return inference.Wrap(base,
		inference.Logging(logger.With(zap.String("component", "inference"))),
		inference.Retry(3, 500*time.Millisecond),
		inference.RateLimit(cfg.Inference.RPS, cfg.Inference.Burst),
	), nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"jobvend/internal/config"
	"jobvend/internal/dvm"
	"jobvend/internal/dvm/pricing"
	"jobvend/internal/event"
	"jobvend/internal/relay"
	"jobvend/internal/securechannel"
	"jobvend/internal/server"
)

type App struct {
	logger    *zap.Logger
	server    *server.Server
	service   *dvm.Service
	pool      *relay.Pool
	autoStart bool
	closers   []io.Closer
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	ctx := context.Background()

	keys, err := loadKeys(cfg.DVM.PrivateKey)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		logger.Warn("DVM_PRIVATE_KEY is not set; the job service cannot start until it is configured")
	}

	// Dependencies
	pool := relay.NewPool(cfg.DVM.Relays, logger)
	payments := newPaymentProvider(cfg)
	llm, err := newInferenceProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	stores, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	svc := dvm.New(serviceConfig(cfg), dvm.Deps{
		Keys:      keys,
		Bus:       pool,
		Payments:  payments,
		Inference: llm,
		Channel:   securechannel.New(),
		Dedupe:    stores.dedupe,
		Ledger:    stores.ledger,
		Archive:   stores.archive,
		Logger:    logger,
	})

	// Routing & Server
	handler := server.NewHandler(svc, svc.History(), stores.archive, logger)
	srv := server.New(cfg.Port, server.NewRouter(handler), logger)

	return &App{
		logger:    logger,
		server:    srv,
		service:   svc,
		pool:      pool,
		autoStart: cfg.DVM.AutoStart,
		closers:   stores.closers,
	}, nil
}

func (a *App) Logger() *zap.Logger { return a.logger }

// Start brings the job service up (when configured to) and serves the
// control API until Shutdown.
func (a *App) Start() error {
	if a.autoStart {
		if err := a.service.Start(context.Background()); err != nil {
			a.logger.Error("job service did not start", zap.Error(err))
		}
	}
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := a.service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job service: %w", err))
	}
	if err := a.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("relay pool: %w", err))
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func newLogger(env string) (*zap.Logger, error) {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadKeys(hex string) (*event.Keys, error) {
	if strings.TrimSpace(hex) == "" {
		return nil, nil
	}
	keys, err := event.KeysFromHex(hex)
	if err != nil {
		return nil, fmt.Errorf("DVM_PRIVATE_KEY: %w", err)
	}
	return keys, nil
}

func serviceConfig(cfg *config.Config) dvm.Config {
	c := dvm.DefaultConfig()
	c.JobKinds = cfg.DVM.JobKinds
	c.Pricing = pricing.Policy{MinPriceSats: cfg.DVM.MinPriceSats, PricePer1kTokens: cfg.DVM.PricePer1kTokens}
	c.PollInterval = cfg.DVM.PollInterval
	c.PaymentTimeout = cfg.DVM.PaymentTimeout
	c.Backoff = dvm.Backoff{Initial: cfg.DVM.BackoffInitial, Factor: cfg.DVM.BackoffFactor, Max: cfg.DVM.BackoffMax}
	c.DefaultModel = cfg.Inference.Model
	c.DefaultTemperature = cfg.Inference.Temperature
	c.DefaultMaxTokens = cfg.Inference.MaxTokens
	return c
}

package dvm

import (
	"math"
	"time"

	"jobvend/internal/dvm/pricing"
)

// Backoff computes per-job poll delays: min(Initial * Factor^n, Max).
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// Delay returns the wait required after the n-th poll (n starts at 0).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(n))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return b.Max
	}
	return time.Duration(d)
}

type Config struct {
	// JobKinds are the request kinds this service accepts.
	JobKinds []int
	Pricing  pricing.Policy
	// EstimateTokens derives the pre-execution token count from the prompt.
	EstimateTokens func(prompt string) int

	PollInterval     time.Duration
	PaymentTimeout   time.Duration
	Backoff          Backoff
	StatusRetries    int
	StatusRetryDelay time.Duration
	StatusTimeout    time.Duration
	PollConcurrency  int

	ProcessTimeout   time.Duration
	InferenceTimeout time.Duration
	PublishTimeout   time.Duration

	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int

	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		JobKinds:         []int{5050},
		Pricing:          pricing.Policy{MinPriceSats: 10, PricePer1kTokens: 5},
		EstimateTokens:   pricing.EstimateTokens,
		PollInterval:     time.Second,
		PaymentTimeout:   10 * time.Minute,
		Backoff:          Backoff{Initial: 5 * time.Second, Factor: 1.5, Max: 60 * time.Second},
		StatusRetries:    2,
		StatusRetryDelay: 2 * time.Second,
		StatusTimeout:    10 * time.Second,
		PollConcurrency:  8,
		ProcessTimeout:   time.Minute,
		InferenceTimeout: 2 * time.Minute,
		PublishTimeout:   15 * time.Second,

		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1024,

		HistoryLimit: 500,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.JobKinds) == 0 {
		c.JobKinds = d.JobKinds
	}
	if c.EstimateTokens == nil {
		c.EstimateTokens = d.EstimateTokens
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = d.PaymentTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = d.Backoff.Initial
	}
	if c.Backoff.Factor < 1 {
		c.Backoff.Factor = d.Backoff.Factor
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.StatusRetries < 0 {
		c.StatusRetries = 0
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = d.StatusTimeout
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = d.PollConcurrency
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = d.InferenceTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

func (c Config) acceptsKind(kind int) bool {
	for _, k := range c.JobKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Package config loads worker settings from .env, flags and the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	Env       string
	DVM       DVMConfig
	Inference InferenceConfig
	Payment   PaymentConfig
	RedisURL  string
	// DatabaseURL enables the Postgres ledger when set.
	DatabaseURL string
	Artifact    ArtifactConfig
}

type DVMConfig struct {
	PrivateKey       string
	Relays           []string
	JobKinds         []int
	MinPriceSats     int64
	PricePer1kTokens int64
	PollInterval     time.Duration
	PaymentTimeout   time.Duration
	BackoffInitial   time.Duration
	BackoffFactor    float64
	BackoffMax       time.Duration
	AutoStart        bool
}

type InferenceConfig struct {
	Backend      string
	GeminiAPIKey string
	OllamaHost   string
	Model        string
	Temperature  float64
	MaxTokens    int
	RPS          float64
	Burst        int
}

type PaymentConfig struct {
	LNbitsURL     string
	LNbitsAPIKey  string
	InvoiceExpiry time.Duration
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "control API port")
	flag.Parse()

	return fromEnv(*port)
}

func fromEnv(port string) (*Config, error) {
	if envPort := strings.TrimSpace(os.Getenv("PORT")); envPort != "" {
		port = envPort
	}
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	env := firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local")

	dvmCfg, err := loadDVMConfig()
	if err != nil {
		return nil, err
	}
	infCfg, err := loadInferenceConfig()
	if err != nil {
		return nil, err
	}
	expiry, err := durationEnv("INVOICE_EXPIRY", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:      port,
		Env:       env,
		DVM:       dvmCfg,
		Inference: infCfg,
		Payment: PaymentConfig{
			LNbitsURL:     firstNonEmpty(strings.TrimSpace(os.Getenv("LNBITS_URL")), "https://legend.lnbits.com"),
			LNbitsAPIKey:  strings.TrimSpace(os.Getenv("LNBITS_API_KEY")),
			InvoiceExpiry: expiry,
		},
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Artifact:    loadArtifactConfig(env),
	}, nil
}

func loadDVMConfig() (DVMConfig, error) {
	var (
		c   DVMConfig
		err error
	)
	c.PrivateKey = strings.TrimSpace(os.Getenv("DVM_PRIVATE_KEY"))
	c.Relays = splitList(os.Getenv("DVM_RELAYS"))
	if c.JobKinds, err = intListEnv("DVM_JOB_KINDS", []int{5050}); err != nil {
		return c, err
	}
	if c.MinPriceSats, err = int64Env("DVM_MIN_PRICE_SATS", 10); err != nil {
		return c, err
	}
	if c.PricePer1kTokens, err = int64Env("DVM_PRICE_PER_1K_TOKENS", 5); err != nil {
		return c, err
	}
	if c.PollInterval, err = durationEnv("DVM_POLL_INTERVAL", time.Second); err != nil {
		return c, err
	}
	if c.PaymentTimeout, err = durationEnv("DVM_PAYMENT_TIMEOUT", 10*time.Minute); err != nil {
		return c, err
	}
	if c.BackoffInitial, err = durationEnv("DVM_BACKOFF_INITIAL", 5*time.Second); err != nil {
		return c, err
	}
	if c.BackoffFactor, err = floatEnv("DVM_BACKOFF_FACTOR", 1.5); err != nil {
		return c, err
	}
	if c.BackoffMax, err = durationEnv("DVM_BACKOFF_MAX", 60*time.Second); err != nil {
		return c, err
	}
	if c.AutoStart, err = boolEnv("DVM_AUTOSTART", true); err != nil {
		return c, err
	}
	return c, nil
}

func loadInferenceConfig() (InferenceConfig, error) {
	var (
		c   InferenceConfig
		err error
	)
	c.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	c.OllamaHost = firstNonEmpty(strings.TrimSpace(os.Getenv("OLLAMA_HOST")), "http://localhost:11434")
	c.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("INFERENCE_BACKEND")))
	if c.Backend == "" {
		c.Backend = "ollama"
		if c.GeminiAPIKey != "" {
			c.Backend = "gemini"
		}
	}
	if c.Backend != "gemini" && c.Backend != "ollama" {
		return c, fmt.Errorf("INFERENCE_BACKEND: unknown backend %q", c.Backend)
	}
	defaultModel := "llama3.2"
	if c.Backend == "gemini" {
		defaultModel = "gemini-2.5-flash"
	}
	c.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("INFERENCE_MODEL")), defaultModel)
	if c.Temperature, err = floatEnv("INFERENCE_TEMPERATURE", 0.7); err != nil {
		return c, err
	}
	maxTokens, err := int64Env("INFERENCE_MAX_TOKENS", 1024)
	if err != nil {
		return c, err
	}
	c.MaxTokens = int(maxTokens)
	if c.RPS, err = floatEnv("INFERENCE_RPS", 1); err != nil {
		return c, err
	}
	burst, err := int64Env("INFERENCE_BURST", 2)
	if err != nil {
		return c, err
	}
	c.Burst = int(burst)
	return c, nil
}

func loadArtifactConfig(env string) ArtifactConfig {
	endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
	if strings.EqualFold(env, "local") && endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("ARTIFACT_MINIO_ENDPOINT"))
	}
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "dvm-results"),
		UseSSL:    resolveArtifactUseSSL(env),
	}
}

func resolveArtifactUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("ARTIFACT_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intListEnv(key string, def []int) ([]int, error) {
	parts := splitList(os.Getenv(key))
	if len(parts) == 0 {
		return def, nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", key, p)
		}
		out = append(out, n)
	}
	return out, nil
}

func int64Env(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: %q is not a non-negative integer", key, raw)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, raw)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, raw)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Package config loads server settings from the environment. A .env file in the
// working directory is read first when present; real environment variables win.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// required: values that differ between environments.
// default: budgets and limits that are the same everywhere unless tuned.
// Optional backends (DATABASE_URL, REDIS_URL) fall back to in-memory stores when empty.
// -----------------------------------------------------------------------------

type Config struct {
	App         AppConfig
	GRPC        GRPCConfig
	Admin       AdminConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Saga        SagaConfig
	Steps       StepsConfig
	Delivery    DeliveryConfig
	Reliability ReliabilityConfig
	Telemetry   TelemetryConfig
}

type AppConfig struct {
	Env              string        `envconfig:"APP_ENV" default:"development"`
	DefaultWarehouse string        `envconfig:"DEFAULT_WAREHOUSE" default:"main"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Production reports whether development-only surfaces such as gRPC reflection stay off.
func (c AppConfig) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// GRPCConfig holds the listener and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string        `envconfig:"GRPC_ADDR" default:":50051"`
	RateLimitInterval time.Duration `envconfig:"GRPC_RATE_LIMIT_INTERVAL" default:"0s"`
	RateLimitBurst    int           `envconfig:"GRPC_RATE_LIMIT_BURST" default:"0"`
}

// AdminConfig holds the HTTP address for health, metrics and dead-letter admin.
type AdminConfig struct {
	Addr string `envconfig:"ADMIN_ADDR" default:":8080"`
}

type DatabaseConfig struct {
	URL          string          `envconfig:"DATABASE_URL"`
	MaxOpenConns int             `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"10"`
	PaymentLimit decimal.Decimal `envconfig:"PAYMENT_LIMIT"`
	Carrier      string          `envconfig:"SHIPPING_CARRIER" default:"standard"`
}

// RedisConfig holds Redis connection and behavior settings. Zero timeouts and pool
// sizes keep the go-redis defaults.
type RedisConfig struct {
	URL                string        `envconfig:"REDIS_URL"`
	DialTimeout        time.Duration `envconfig:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        time.Duration `envconfig:"REDIS_READ_TIMEOUT"`
	WriteTimeout       time.Duration `envconfig:"REDIS_WRITE_TIMEOUT"`
	PoolSize           int           `envconfig:"REDIS_POOL_SIZE"`
	MinIdleConns       int           `envconfig:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         int           `envconfig:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration `envconfig:"REDIS_HEALTHCHECK_TIMEOUT" default:"2s"`
	EnableOTel         bool          `envconfig:"REDIS_OTEL"`
	DeadLetterStream   string        `envconfig:"REDIS_DEAD_LETTER_STREAM" default:"dead_letters"`
	StreamMaxLen       int64         `envconfig:"REDIS_STREAM_MAXLEN" default:"10000"`
	IdempotencyPrefix  string        `envconfig:"REDIS_IDEMPOTENCY_PREFIX" default:"idempotency:"`
	TLSConfig          *tls.Config   `ignored:"true"`
}

type SagaConfig struct {
	Timeout             time.Duration `envconfig:"SAGA_TIMEOUT" default:"5m"`
	CompensationTimeout time.Duration `envconfig:"SAGA_COMPENSATION_TIMEOUT" default:"60s"`
	SweepInterval       time.Duration `envconfig:"SAGA_SWEEP_INTERVAL" default:"10m"`
	SweepBatch          int           `envconfig:"SAGA_SWEEP_BATCH" default:"100"`
}

type StepsConfig struct {
	ReserveTimeout       time.Duration `envconfig:"STEP_RESERVE_TIMEOUT" default:"60s"`
	PaymentTimeout       time.Duration `envconfig:"STEP_PAYMENT_TIMEOUT" default:"30s"`
	ShippingTimeout      time.Duration `envconfig:"STEP_SHIPPING_TIMEOUT" default:"30s"`
	NotifyTimeout        time.Duration `envconfig:"STEP_NOTIFY_TIMEOUT" default:"30s"`
	ReserveMaxAttempts   int           `envconfig:"RESERVE_MAX_ATTEMPTS" default:"5"`
	ReserveBackoff       time.Duration `envconfig:"RESERVE_BACKOFF" default:"10ms"`
	IdempotencyRetention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"24h"`
	IdempotencyWait      time.Duration `envconfig:"IDEMPOTENCY_WAIT" default:"5s"`
}

type DeliveryConfig struct {
	VisibilityTimeout   time.Duration `envconfig:"DELIVERY_VISIBILITY_TIMEOUT" default:"60s"`
	MaxReceiveCount     int           `envconfig:"DELIVERY_MAX_RECEIVE_COUNT" default:"3"`
	DeadLetterRetention time.Duration `envconfig:"DEAD_LETTER_RETENTION" default:"336h"`
	JournalPath         string        `envconfig:"DEAD_LETTER_JOURNAL"`
	Concurrency         int           `envconfig:"DELIVERY_CONCURRENCY" default:"4"`
	RetryBaseDelay      time.Duration `envconfig:"DELIVERY_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay       time.Duration `envconfig:"DELIVERY_RETRY_MAX_DELAY" default:"10s"`
}

// ReliabilityConfig guards calls to the payment and shipping providers.
type ReliabilityConfig struct {
	RetryAttempts   int           `envconfig:"PROVIDER_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"PROVIDER_RETRY_BASE_DELAY" default:"100ms"`
	RetryMaxDelay   time.Duration `envconfig:"PROVIDER_RETRY_MAX_DELAY" default:"2s"`
	BreakerFailures int           `envconfig:"PROVIDER_BREAKER_FAILURES" default:"5"`
	BreakerReset    time.Duration `envconfig:"PROVIDER_BREAKER_RESET" default:"30s"`
	LimiterInterval time.Duration `envconfig:"PROVIDER_RATE_LIMIT_INTERVAL" default:"0s"`
	LimiterBurst    int           `envconfig:"PROVIDER_RATE_LIMIT_BURST" default:"0"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"fulfillment"`
	SampleRatio  float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`
	LogLevel     string  `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env when present, then the environment, then the Redis TLS files.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	tlsConfig, err := loadRedisTLSFromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Redis.TLSConfig = tlsConfig
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"SAGA_TIMEOUT":                c.Saga.Timeout,
		"SAGA_COMPENSATION_TIMEOUT":   c.Saga.CompensationTimeout,
		"SAGA_SWEEP_INTERVAL":         c.Saga.SweepInterval,
		"STEP_RESERVE_TIMEOUT":        c.Steps.ReserveTimeout,
		"STEP_PAYMENT_TIMEOUT":        c.Steps.PaymentTimeout,
		"STEP_SHIPPING_TIMEOUT":       c.Steps.ShippingTimeout,
		"STEP_NOTIFY_TIMEOUT":         c.Steps.NotifyTimeout,
		"IDEMPOTENCY_RETENTION":       c.Steps.IdempotencyRetention,
		"DELIVERY_VISIBILITY_TIMEOUT": c.Delivery.VisibilityTimeout,
		"DEAD_LETTER_RETENTION":       c.Delivery.DeadLetterRetention,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.Delivery.MaxReceiveCount < 1 {
		errs = append(errs, errors.New("DELIVERY_MAX_RECEIVE_COUNT must be >= 1"))
	}
	if c.GRPC.RateLimitInterval < 0 || c.GRPC.RateLimitBurst < 0 {
		errs = append(errs, errors.New("GRPC_RATE_LIMIT_INTERVAL and GRPC_RATE_LIMIT_BURST must be >= 0"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLE_RATIO must be within [0, 1]"))
	}
	if c.Database.PaymentLimit.IsNegative() {
		errs = append(errs, errors.New("PAYMENT_LIMIT must be >= 0"))
	}
	return errors.Join(errs...)
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

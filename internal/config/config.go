package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every setting of the gateway binaries. Nothing else reads the
// environment directly.
type Config struct {
	AppEnv   string `env:"APP_ENV,default=dev"`
	AppName  string `env:"APP_NAME,default=sms_dispatch"`
	AppDebug bool   `env:"APP_DEBUG,default=false"`

	HttpListenAddr            string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpBaseRequestUrl        string        `env:"HTTP_BASE_REQUEST_URI,default=/api/v1"`
	HttpServerReadTimeout     time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=10s"`
	HttpServerWriteTimeout    time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=10s"`
	HttpServerReadBufferSize  int           `env:"HTTP_SERVER_READ_BUFFER_SIZE,default=8192"`
	HttpServerWriteBufferSize int           `env:"HTTP_SERVER_WRITE_BUFFER_SIZE,default=8192"`
	HttpRequestTimeout        time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=5s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresMaxOpenConns  int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=sms:"`

	PromNamespace   string `env:"PROM_NAMESPACE,default=sms_dispatch"`
	PromListenAddr  string `env:"PROM_LISTEN_ADDR,default=:9100"`
	PromMetricsPath string `env:"PROM_METRICS_PATH,default=/metrics"`

	QueueName              string        `env:"QUEUE_NAME,default=dispatch"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=dispatchers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=dispatcher"`
	QueueMaxDeliveries     int64         `env:"QUEUE_MAX_DELIVERIES,default=10"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=200ms"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=1000000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	SenderWhitelist    string `env:"SENDER_WHITELIST"`
	ProhibitedKeywords string `env:"PROHIBITED_KEYWORDS,default=STOP"`
	MaxTextLength      int    `env:"MAX_TEXT_LENGTH,default=1600"`

	IdempotencyKeyPrefix   string        `env:"IDEMPOTENCY_KEY_PREFIX,default=send_msg:"`
	IdempotencyTTL         time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
	IdempotencyInflightTTL time.Duration `env:"IDEMPOTENCY_INFLIGHT_TTL,default=30s"`
	IdempotencyWait        time.Duration `env:"IDEMPOTENCY_WAIT,default=2s"`

	WebhookSecret string `env:"WEBHOOK_SECRET"`

	ProviderUrl              string        `env:"PROVIDER_URL,default=http://localhost:9090"`
	ProviderTimeout          time.Duration `env:"PROVIDER_TIMEOUT,default=5s"`
	ProviderMaxConns         int           `env:"PROVIDER_MAX_CONNS,default=512"`
	ProviderBreakerThreshold int           `env:"PROVIDER_BREAKER_THRESHOLD,default=5"`
	ProviderBreakerTimeout   time.Duration `env:"PROVIDER_BREAKER_TIMEOUT,default=30s"`
	ProviderHealthInterval   time.Duration `env:"PROVIDER_HEALTH_INTERVAL,default=30s"`

	DispatchConsumers   int           `env:"DISPATCH_CONSUMERS,default=4"`
	DispatchWorkers     int           `env:"DISPATCH_WORKERS,default=32"`
	DispatchMaxAttempts int           `env:"DISPATCH_MAX_ATTEMPTS,default=5"`
	DispatchBackoffBase time.Duration `env:"DISPATCH_BACKOFF_BASE,default=1s"`
	DispatchBackoffMax  time.Duration `env:"DISPATCH_BACKOFF_MAX,default=5m"`
	DispatchLockTTL     time.Duration `env:"DISPATCH_LOCK_TTL,default=30s"`
	DispatchRatePerSec  int           `env:"DISPATCH_RATE_PER_SECOND,default=100"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	SweepQueuedAfter time.Duration `env:"SWEEP_QUEUED_AFTER,default=10m"`
	DLRTimeout       time.Duration `env:"DLR_TIMEOUT,default=5m"`

	// used by the mock operator only
	OperatorListenAddr   string        `env:"OPERATOR_LISTEN_ADDR,default=:9090"`
	GatewayWebhookUrl    string        `env:"GATEWAY_WEBHOOK_URL,default=http://localhost:8080/api/v1/webhooks/dlr"`
	OperatorDLRDelay     time.Duration `env:"OPERATOR_DLR_DELAY,default=2s"`
	OperatorDeliveryRate float64       `env:"OPERATOR_DELIVERY_RATE,default=0.95"`
}

// Senders returns the whitelisted sender ids.
func (c *Config) Senders() []string {
	return splitList(c.SenderWhitelist)
}

func (c *Config) Keywords() []string {
	return splitList(c.ProhibitedKeywords)
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:         c.PostgresReadUser,
		Host:         c.PostgresReadHost,
		Port:         c.PostgresReadPort,
		Password:     c.PostgresReadPassword,
		Database:     c.PostgresReadDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:         c.PostgresWriteUser,
		Host:         c.PostgresWriteHost,
		Port:         c.PostgresWritePort,
		Password:     c.PostgresWritePassword,
		Database:     c.PostgresWriteDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

// DispatchQueue is the stream both the API (producer) and the processor
// (consumers) attach to.
func (c *Config) DispatchQueue() queue.QueueConfig {
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		MaxDeliveries:     c.QueueMaxDeliveries,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Set installs c as the process configuration. Tests use it.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

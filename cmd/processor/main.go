package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/sms-dispatch/internal/config"
	gateway "github.com/nimasrn/sms-dispatch/internal/gateways"
	"github.com/nimasrn/sms-dispatch/internal/processor"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/sweeper"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting processor", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.PromListenAddr, cfg.PromMetricsPath)

	client, err := gateway.NewClient(gateway.Config{
		URL:                     cfg.ProviderUrl,
		Timeout:                 cfg.ProviderTimeout,
		MaxConns:                cfg.ProviderMaxConns,
		CircuitBreakerThreshold: cfg.ProviderBreakerThreshold,
		CircuitBreakerTimeout:   cfg.ProviderBreakerTimeout,
		HealthCheckInterval:     cfg.ProviderHealthInterval,
	})
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
		return
	}
	defer client.Close()

	// producer side of the stream: retries and sweeper re-enqueues
	producer, err := queue.NewQueue(redisAdap, cfg.DispatchQueue())
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	lock := processor.NewDispatchLock(redisAdap, processor.LockConfig{TTL: cfg.DispatchLockTTL})
	dispatcher := processor.NewSMSDispatchProcessor(messageRepo, client, producer, lock, processor.DispatchConfig{
		MaxAttempts: cfg.DispatchMaxAttempts,
		BackoffBase: cfg.DispatchBackoffBase,
		BackoffMax:  cfg.DispatchBackoffMax,
		SendTimeout: cfg.ProviderTimeout,
	}).WithThrottle(processor.NewThrottle(redisAdap, processor.DefaultThrottleKey, cfg.DispatchRatePerSec))

	hostQueue := cfg.DispatchQueue()
	hostQueue.ConsumerName = cfg.QueueConsumerName + "-" + hostname
	service := processor.NewProcessorService(redisAdap, dispatcher, processor.ServiceConfig{
		Queue:     hostQueue,
		Consumers: cfg.DispatchConsumers,
		Workers:   cfg.DispatchWorkers,
	})

	sw := sweeper.New(messageRepo, producer, sweeper.Config{
		Interval:    cfg.SweepInterval,
		QueuedAfter: cfg.SweepQueuedAfter,
		DLRTimeout:  cfg.DLRTimeout,
		BackoffMax:  cfg.DispatchBackoffMax,
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		service.Stop()
		return
	}
	sw.Start()

	<-c
	sw.Stop()
	service.Stop()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Stat(s[1]); err != nil {
				logger.Error("failed to open the passed env file", "error", err)
				return ""
			}
			return s[1]
		}
	}
	return ""
}

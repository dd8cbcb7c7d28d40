package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/sms-dispatch/internal/config"
	"github.com/nimasrn/sms-dispatch/internal/handlers"
	"github.com/nimasrn/sms-dispatch/internal/idempotency"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/internal/reconciler"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/services"
	"github.com/nimasrn/sms-dispatch/internal/validation"
	xhttp "github.com/nimasrn/sms-dispatch/pkg/http"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty, every delivery receipt will be refused")
	}

	opts := xhttp.DefaultServerOption()
	opts.Name = cfg.AppName
	opts.ReadTimeout = cfg.HttpServerReadTimeout
	opts.WriteTimeout = cfg.HttpServerWriteTimeout
	opts.ReadBufferSize = cfg.HttpServerReadBufferSize
	opts.WriteBufferSize = cfg.HttpServerWriteBufferSize
	s := xhttp.NewServer(opts)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))
	handlers.RequestTimeout = cfg.HttpRequestTimeout

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("api"))
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

	q, err := queue.NewQueue(redisAdap, cfg.DispatchQueue())
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	reportRepo := repository.NewDeliveryReportRepository(db)

	idem := idempotency.NewStore(redisAdap, idempotency.Config{
		TTL:         cfg.IdempotencyTTL,
		InflightTTL: cfg.IdempotencyInflightTTL,
	})
	pipeline := validation.Default(validation.Config{
		Senders:       cfg.Senders(),
		Keywords:      cfg.Keywords(),
		MaxTextLength: cfg.MaxTextLength,
	})

	// services
	messageService := services.NewMessageService(messageRepo, idem, pipeline, q, services.Config{
		KeyPrefix:    cfg.IdempotencyKeyPrefix,
		InflightWait: cfg.IdempotencyWait,
	})
	rec := reconciler.New(cfg.WebhookSecret, messageRepo, reportRepo)

	// v1 handlers
	g := s.Router.Group(cfg.HttpBaseRequestUrl)
	handlers.RegisterMessageRoutes(g, handlers.NewMessageHandler(messageService))
	handlers.RegisterWebhookRoutes(g, handlers.NewWebhookHandler(rec))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	}))

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			c <- syscall.SIGTERM
		}
	}()

	<-c
	s.Shutdown()
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

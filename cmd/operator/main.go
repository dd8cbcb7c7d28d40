package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.Load(argContainsEnvPath()); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := config.Get()

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is empty, the gateway will reject every receipt")
	}

	log.Info().
		Str("addr", cfg.OperatorListenAddr).
		Str("webhook", cfg.GatewayWebhookUrl).
		Float64("delivery_rate", cfg.OperatorDeliveryRate).
		Dur("dlr_delay", cfg.OperatorDLRDelay).
		Msg("starting mock sms operator")

	operator := NewMockOperator(cfg.GatewayWebhookUrl, []byte(cfg.WebhookSecret), cfg.OperatorDLRDelay, cfg.OperatorDeliveryRate)

	srv := &http.Server{
		Addr:         cfg.OperatorListenAddr,
		Handler:      SetupRouter(operator),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	operator.Wait()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.HasPrefix(v, "--env=") {
			path := strings.TrimPrefix(v, "--env=")
			if _, err := os.Stat(path); err != nil {
				log.Error().Err(err).Msg("failed to open the passed env file")
				return ""
			}
			return path
		}
	}
	return ""
}

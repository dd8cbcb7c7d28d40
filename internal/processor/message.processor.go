package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/nimasrn/sms-dispatch/internal/gateways"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
	"github.com/sethvargo/go-retry"
)

const (
	OutcomeSent      = "sent"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeDuplicate = "duplicate"
	OutcomeDeferred  = "deferred"
)

type MessageStore interface {
	Get(ctx context.Context, id string) (*model.Message, error)
	Transition(ctx context.Context, id string, from []model.MessageStatus, to model.MessageStatus, fields model.TransitionFields) (*model.Message, error)
	RecordAttempt(ctx context.Context, id string, attempts int) error
}

type Sender interface {
	Send(ctx context.Context, req gateway.SendRequest) (string, error)
}

type Scheduler interface {
	PublishJSONAt(ctx context.Context, data interface{}, metadata map[string]string, at time.Time) error
}

type DispatchConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	SendTimeout time.Duration
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Minute,
		SendTimeout: 5 * time.Second,
	}
}

// SMSDispatchProcessor turns one dispatch job into at most one provider call
// and the resulting lifecycle transition.
type SMSDispatchProcessor struct {
	store     MessageStore
	sender    Sender
	scheduler Scheduler
	lock      *DispatchLock
	throttle  *Throttle
	config    DispatchConfig
	now       func() time.Time
}

func NewSMSDispatchProcessor(store MessageStore, sender Sender, scheduler Scheduler, lock *DispatchLock, config DispatchConfig) *SMSDispatchProcessor {
	def := DefaultDispatchConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = def.BackoffMax
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	return &SMSDispatchProcessor{
		store:     store,
		sender:    sender,
		scheduler: scheduler,
		lock:      lock,
		config:    config,
		now:       time.Now,
	}
}

// WithThrottle makes every dispatch wait for a slot before taking the lock.
func (p *SMSDispatchProcessor) WithThrottle(t *Throttle) *SMSDispatchProcessor {
	p.throttle = t
	return p
}

func (p *SMSDispatchProcessor) GetType() string {
	return "dispatch"
}

// Process handles one stream entry. A nil return acknowledges the entry; an
// error leaves it pending for redelivery.
func (p *SMSDispatchProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job model.DispatchJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil || job.MessageID == "" {
		logger.Error("malformed dispatch job", "entry", queueMessage.ID, "error", err)
		return fmt.Errorf("malformed dispatch job %s", queueMessage.ID)
	}
	log := logger.With("message_id", job.MessageID)

	if err := p.throttle.Wait(ctx); err != nil {
		log.Warn("dispatch throttle wait failed", "error", err)
		return err
	}

	lease, err := p.lock.Acquire(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			log.Info("dispatch already in progress elsewhere")
		}
		return err
	}
	defer p.lock.Release(context.Background(), lease)

	msg, err := p.store.Get(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dispatch job for unknown message, dropping")
			prom.DispatchOutcome(OutcomeSkipped)
			return nil
		}
		return err
	}
	if msg.Status != model.MessageStatusQueued {
		log.Info("message no longer queued, dropping job", "status", msg.Status)
		prom.DispatchOutcome(OutcomeSkipped)
		return nil
	}

	attempt := msg.Attempts + 1
	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	ref, sendErr := p.sender.Send(sendCtx, gateway.SendRequest{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Recipient: msg.Recipient,
		Text:      msg.Text,
	})
	cancel()

	if sendErr == nil {
		return p.markSent(ctx, log, msg, ref, attempt)
	}
	if errors.Is(sendErr, gateway.ErrCircuitOpen) {
		return p.deferDispatch(ctx, log, msg, sendErr)
	}

	if gateway.IsTransient(sendErr) && attempt < p.config.MaxAttempts {
		return p.scheduleRetry(ctx, log, msg, attempt, sendErr)
	}
	return p.markFailed(ctx, log, msg, attempt, sendErr)
}

func (p *SMSDispatchProcessor) markSent(ctx context.Context, log logger.Logger, msg *model.Message, ref string, attempt int) error {
	sentAt := p.now().UTC()
	_, err := p.store.Transition(ctx, msg.ID, []model.MessageStatus{model.MessageStatusQueued}, model.MessageStatusSent, model.TransitionFields{
		ProviderReference: &ref,
		SentAt:            &sentAt,
		Attempts:          &attempt,
		Reason:            "provider accepted",
	})
	switch {
	case err == nil:
		log.Info("sms sent", "reference", ref, "attempt", attempt)
		prom.DispatchOutcome(OutcomeSent)
		return nil
	case errors.Is(err, repository.ErrStaleTransition):
		log.Warn("message moved on while sending", "reference", ref)
		prom.DispatchOutcome(OutcomeDuplicate)
		return nil
	case errors.Is(err, repository.ErrDuplicateRef):
		log.Error("provider returned a reference owned by another message", "reference", ref)
		return p.markFailed(ctx, log, msg, attempt, err)
	}
	return err
}

func (p *SMSDispatchProcessor) scheduleRetry(ctx context.Context, log logger.Logger, msg *model.Message, attempt int, cause error) error {
	if err := p.store.RecordAttempt(ctx, msg.ID, attempt); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			prom.DispatchOutcome(OutcomeDuplicate)
			return nil
		}
		return err
	}

	delay := p.Backoff(attempt)
	at := p.now().Add(delay)
	job := model.DispatchJob{MessageID: msg.ID, Attempt: attempt}
	if err := p.scheduler.PublishJSONAt(ctx, job, map[string]string{"attempt": fmt.Sprint(attempt)}, at); err != nil {
		log.Error("failed to schedule retry", "attempt", attempt, "error", err)
		return err
	}

	log.Warn("send failed, retry scheduled", "attempt", attempt, "delay", delay, "error", cause)
	prom.DispatchOutcome(OutcomeRetry)
	return nil
}

// deferDispatch re-schedules a job the client refused locally without
// counting it as an attempt.
func (p *SMSDispatchProcessor) deferDispatch(ctx context.Context, log logger.Logger, msg *model.Message, cause error) error {
	delay := gateway.RetryAfter(cause)
	if delay <= 0 {
		delay = p.config.BackoffBase
	}
	job := model.DispatchJob{MessageID: msg.ID, Attempt: msg.Attempts}
	if err := p.scheduler.PublishJSONAt(ctx, job, map[string]string{"attempt": fmt.Sprint(msg.Attempts)}, p.now().Add(delay)); err != nil {
		log.Error("failed to defer dispatch", "error", err)
		return err
	}

	log.Warn("provider circuit open, dispatch deferred", "delay", delay)
	prom.DispatchOutcome(OutcomeDeferred)
	return nil
}

func (p *SMSDispatchProcessor) markFailed(ctx context.Context, log logger.Logger, msg *model.Message, attempt int, cause error) error {
	reason := cause.Error()
	_, err := p.store.Transition(ctx, msg.ID, []model.MessageStatus{model.MessageStatusQueued}, model.MessageStatusFailed, model.TransitionFields{
		FailureReason: &reason,
		Attempts:      &attempt,
		Reason:        "dispatch failed",
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			prom.DispatchOutcome(OutcomeDuplicate)
			return nil
		}
		return err
	}

	log.Error("sms failed", "attempt", attempt, "permanent", gateway.IsPermanent(cause), "error", cause)
	prom.DispatchOutcome(OutcomeFailed)
	return nil
}

// Backoff is the delay before the attempt following `attempt`: exponential
// from BackoffBase, capped at BackoffMax.
func (p *SMSDispatchProcessor) Backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(p.config.BackoffMax, retry.NewExponential(p.config.BackoffBase))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

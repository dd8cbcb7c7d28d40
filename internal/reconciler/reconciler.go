// Package reconciler applies signed delivery receipts from the provider to
// stored messages.
package reconciler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
)

const SignatureHeader = "X-Provider-Signature"

var (
	ErrUnauthorized   = errors.New("invalid receipt signature")
	ErrInvalidPayload = errors.New("invalid receipt payload")
	ErrUnknownStatus  = errors.New("unknown receipt status")
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Ignored   Outcome = "ignored"
	NotFound  Outcome = "not_found"
)

type Payload struct {
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
	MessageID         string `json:"message_id,omitempty"`
}

var statusVocabulary = map[string]model.MessageStatus{
	"DELIVERED":   model.MessageStatusDelivered,
	"DELIVRD":     model.MessageStatusDelivered,
	"FAILED":      model.MessageStatusUndelivered,
	"EXPIRED":     model.MessageStatusUndelivered,
	"UNDELIVERED": model.MessageStatusUndelivered,
	"UNDELIV":     model.MessageStatusUndelivered,
	"REJECTED":    model.MessageStatusUndelivered,
	"REJECTD":     model.MessageStatusUndelivered,
}

var interimStatuses = map[string]bool{
	"ACCEPTED": true,
	"ENROUTE":  true,
	"BUFFERED": true,
	"SENT":     true,
	"PENDING":  true,
}

// MapStatus translates a provider status into a terminal message status.
// interim is true for progress notifications that change nothing.
func MapStatus(raw string) (status model.MessageStatus, interim bool, err error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if mapped, ok := statusVocabulary[s]; ok {
		return mapped, false, nil
	}
	if interimStatuses[s] {
		return "", true, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type MessageStore interface {
	FindByProviderReference(ctx context.Context, ref string) (*model.Message, error)
	Transition(ctx context.Context, id string, from []model.MessageStatus, to model.MessageStatus, fields model.TransitionFields) (*model.Message, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type ReportStore interface {
	Create(ctx context.Context, dr *model.DeliveryReport) (*model.DeliveryReport, error)
}

type Reconciler struct {
	secret   []byte
	messages MessageStore
	reports  ReportStore
	now      func() time.Time
}

func New(secret string, messages MessageStore, reports ReportStore) *Reconciler {
	return &Reconciler{
		secret:   []byte(secret),
		messages: messages,
		reports:  reports,
		now:      time.Now,
	}
}

func (r *Reconciler) Verify(payload []byte, signature string) bool {
	if len(r.secret) == 0 || signature == "" {
		return false
	}
	expected := Sign(r.secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// Reconcile verifies and applies one receipt. Replays of an already applied
// receipt report Duplicate and change nothing.
func (r *Reconciler) Reconcile(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if !r.Verify(payload, signature) {
		prom.DLROutcome("unauthorized")
		return "", ErrUnauthorized
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		prom.DLROutcome("invalid")
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.ProviderReference = strings.TrimSpace(p.ProviderReference)
	if p.ProviderReference == "" || strings.TrimSpace(p.Status) == "" {
		prom.DLROutcome("invalid")
		return "", fmt.Errorf("%w: provider_reference and status are required", ErrInvalidPayload)
	}

	mapped, interim, err := MapStatus(p.Status)
	if err != nil {
		prom.DLROutcome("invalid")
		return "", err
	}
	log := logger.With("reference", p.ProviderReference, "provider_status", p.Status)
	if interim {
		log.Debug("interim receipt ignored")
		prom.DLROutcome(string(Ignored))
		return Ignored, nil
	}

	msg, err := r.messages.FindByProviderReference(ctx, p.ProviderReference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("receipt for unknown reference")
			prom.DLROutcome(string(NotFound))
			return NotFound, nil
		}
		return "", err
	}

	outcome := Accepted
	err = r.messages.WithinTransaction(ctx, func(ctx context.Context) error {
		now := r.now().UTC()
		fields := model.TransitionFields{Reason: "receipt " + strings.ToUpper(p.Status)}
		if mapped == model.MessageStatusDelivered {
			fields.DeliveredAt = &now
		} else {
			reason := "provider reported " + strings.ToUpper(p.Status)
			fields.FailureReason = &reason
		}

		_, err := r.messages.Transition(ctx, msg.ID, []model.MessageStatus{model.MessageStatusSent}, mapped, fields)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrStaleTransition):
			outcome = Duplicate
		default:
			return err
		}

		_, err = r.reports.Create(ctx, &model.DeliveryReport{
			MessageID:         msg.ID,
			ProviderReference: p.ProviderReference,
			ProviderStatus:    p.Status,
			MappedStatus:      mapped,
			Applied:           outcome == Accepted,
			ReceivedAt:        now,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	log.Info("receipt reconciled", "message_id", msg.ID, "status", mapped, "outcome", outcome)
	prom.DLROutcome(string(outcome))
	return outcome, nil
}

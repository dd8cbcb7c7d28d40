package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/idempotency"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/validation"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
)

var (
	ErrMissingIdempotencyKey = errors.New("missing or malformed idempotency key")
	ErrRequestInFlight       = errors.New("request with this idempotency key is still processing")
	ErrStoreUnavailable      = errors.New("storage unavailable")
	ErrNotFound              = errors.New("message not found")
)

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) // results, totalCount
}

type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (*idempotency.Reservation, error)
	Wait(ctx context.Context, key string, maxWait time.Duration) (*idempotency.Reservation, error)
	Complete(ctx context.Context, r *idempotency.Reservation, result *model.IntakeResult) error
	Release(ctx context.Context, r *idempotency.Reservation)
}

type Validator interface {
	Validate(req validation.Request) *validation.ValidationError
}

type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type Config struct {
	KeyPrefix    string
	InflightWait time.Duration
}

type MessageService struct {
	messageRepo MessageRepository
	idempotency IdempotencyStore
	validator   Validator
	queue       Publisher
	config      Config
}

func NewMessageService(messageRepo MessageRepository, idem IdempotencyStore, validator Validator, queue Publisher, config Config) *MessageService {
	if config.InflightWait <= 0 {
		config.InflightWait = 2 * time.Second
	}
	return &MessageService{
		messageRepo: messageRepo,
		idempotency: idem,
		validator:   validator,
		queue:       queue,
		config:      config,
	}
}

// Create accepts one send request. The returned result is final for key:
// later calls with the same key get the same result back without any side
// effects.
func (s *MessageService) Create(ctx context.Context, key string, p model.MessageCreateRequest) (*model.IntakeResult, error) {
	key = strings.TrimSpace(key)
	if key == "" || !strings.HasPrefix(key, s.config.KeyPrefix) || len(key) == len(s.config.KeyPrefix) {
		prom.IntakeOutcome("bad_key")
		return nil, ErrMissingIdempotencyKey
	}

	res, err := s.reserve(ctx, key)
	if err != nil {
		return nil, err
	}

	switch res.State {
	case idempotency.Completed:
		prom.IntakeOutcome("replayed")
		return res.Result, nil
	case idempotency.InFlight:
		prom.IntakeOutcome("in_flight")
		return nil, ErrRequestInFlight
	}

	result, err := s.execute(ctx, key, p)
	if err != nil {
		s.idempotency.Release(context.Background(), res)
		return nil, err
	}

	if err := s.idempotency.Complete(ctx, res, result); err != nil {
		// the message exists; a retry finds it through the key index
		logger.Error("failed to memoize intake result", "key", key, "message_id", result.MessageID, "error", err)
	}
	return result, nil
}

// reserve claims key, waiting a bounded time behind a concurrent owner.
func (s *MessageService) reserve(ctx context.Context, key string) (*idempotency.Reservation, error) {
	for i := 0; i < 2; i++ {
		res, err := s.idempotency.Reserve(ctx, key)
		if err != nil {
			prom.IntakeOutcome("unavailable")
			logger.Error("idempotency store unavailable", "key", key, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if res.State != idempotency.InFlight {
			return res, nil
		}

		waited, err := s.idempotency.Wait(ctx, key, s.config.InflightWait)
		if errors.Is(err, idempotency.ErrNotReserved) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			prom.IntakeOutcome("unavailable")
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return waited, nil
	}
	return &idempotency.Reservation{Key: key, State: idempotency.InFlight}, nil
}

func (s *MessageService) execute(ctx context.Context, key string, p model.MessageCreateRequest) (*model.IntakeResult, error) {
	existing, err := s.messageRepo.GetByIdempotencyKey(ctx, key)
	if err == nil {
		logger.Info("idempotency key already has a message", "key", key, "message_id", existing.ID)
		prom.IntakeOutcome("replayed")
		return accepted(existing.ID), nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		prom.IntakeOutcome("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	req := validation.Request{
		SenderID:  strings.TrimSpace(p.SenderID),
		Recipient: strings.TrimSpace(p.Recipient),
		Text:      p.Text,
	}
	if verr := s.validator.Validate(req); verr != nil {
		logger.Info("send request rejected", "key", key, "code", verr.Code, "detail", verr.Detail)
		prom.IntakeOutcome("rejected")
		return &model.IntakeResult{
			StatusCode: RejectionStatus(verr.Code),
			Status:     model.MessageStatusRejected,
			Error:      verr.Code,
			Detail:     verr.Detail,
		}, nil
	}

	created, err := s.messageRepo.Create(ctx, &model.Message{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		SenderID:       req.SenderID,
		Recipient:      req.Recipient,
		Text:           req.Text,
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		// the in-flight marker expired and another request won the key
		existing, gerr := s.messageRepo.GetByIdempotencyKey(ctx, key)
		if gerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, gerr)
		}
		return accepted(existing.ID), nil
	}
	if err != nil {
		prom.IntakeOutcome("unavailable")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	job := model.DispatchJob{MessageID: created.ID}
	if _, err := s.queue.PublishJSON(ctx, job, map[string]string{"type": "dispatch"}); err != nil {
		// the sweeper re-enqueues QUEUED messages that nobody picked up
		logger.Error("failed to enqueue message", "message_id", created.ID, "error", err)
	}

	logger.Info("message accepted", "key", key, "message_id", created.ID, "sender_id", created.SenderID)
	prom.IntakeOutcome("accepted")
	return accepted(created.ID), nil
}

func accepted(id string) *model.IntakeResult {
	return &model.IntakeResult{
		StatusCode: http.StatusCreated,
		MessageID:  id,
		Status:     model.MessageStatusQueued,
	}
}

// RejectionStatus maps a validation code to its HTTP status. Malformed input
// is a 400; well-formed input refused by policy is a 422.
func RejectionStatus(code string) int {
	switch code {
	case model.ErrorCodeInvalidSender, model.ErrorCodeProhibitedContent:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// Get returns the message with id. Ids that are not UUIDs cannot exist and
// never reach the store.
func (s *MessageService) Get(ctx context.Context, id string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	msg, err := s.messageRepo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *MessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.messageRepo.List(ctx, f)
}

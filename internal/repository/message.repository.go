package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrStaleTransition means the message was not in any of the expected
	// source states when the transition was attempted.
	ErrStaleTransition = errors.New("stale transition")
	// ErrIllegalTransition is a programming error: the lifecycle never allows it.
	ErrIllegalTransition = errors.New("illegal transition")
	ErrDuplicateKey      = errors.New("idempotency key already used")
	ErrDuplicateRef      = errors.New("provider reference already assigned")
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{db}
}

// Create stores msg in QUEUED state together with its first audit event.
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)
	now := time.Now().UTC()
	entity.Status = string(model.MessageStatusQueued)
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = entity.CreatedAt

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.Write(ctx).Create(entity).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return err
		}
		return r.Write(ctx).Create(&MessageEventEntity{
			MessageID: entity.ID,
			ToStatus:  entity.Status,
			Reason:    "accepted",
			CreatedAt: entity.CreatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return toMessageModel(entity), nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	var entity MessageEntity
	if err := r.Read(ctx).Where("id = ?", id).Take(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Message, error) {
	var entity MessageEntity
	if err := r.Read(ctx).Where("idempotency_key = ?", key).Take(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

func (r *MessageRepository) FindByProviderReference(ctx context.Context, ref string) (*model.Message, error) {
	var entity MessageEntity
	if err := r.Read(ctx).Where("provider_reference = ?", ref).Take(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// Transition moves message id to status `to` if, and only if, it is currently
// in one of `from`. The update is a compare-and-swap on the observed status so
// two racing callers cannot both succeed.
func (r *MessageRepository) Transition(ctx context.Context, id string, from []model.MessageStatus, to model.MessageStatus, fields model.TransitionFields) (*model.Message, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: empty source set", ErrIllegalTransition)
	}
	for _, s := range from {
		if !model.CanTransition(s, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
		}
	}

	var out *model.Message
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var current MessageEntity
		if err := r.Write(ctx).Where("id = ?", id).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		observed := model.MessageStatus(current.Status)
		if !containsStatus(from, observed) {
			return fmt.Errorf("%w: message is %s", ErrStaleTransition, observed)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     string(to),
			"updated_at": now,
		}
		q := r.Write(ctx).Model(&MessageEntity{}).Where("id = ? AND status = ?", id, current.Status)
		if fields.ProviderReference != nil {
			updates["provider_reference"] = *fields.ProviderReference
			q = q.Where("provider_reference IS NULL")
		}
		if fields.FailureReason != nil {
			updates["failure_reason"] = *fields.FailureReason
		}
		if fields.SentAt != nil {
			updates["sent_at"] = *fields.SentAt
		}
		if fields.DeliveredAt != nil {
			updates["delivered_at"] = *fields.DeliveredAt
		}
		if fields.Attempts != nil {
			updates["attempts"] = *fields.Attempts
		}

		res := q.Updates(updates)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return ErrDuplicateRef
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: message changed concurrently", ErrStaleTransition)
		}

		event := &MessageEventEntity{
			MessageID:  id,
			FromStatus: current.Status,
			ToStatus:   string(to),
			Reason:     fields.Reason,
			CreatedAt:  now,
		}
		if err := r.Write(ctx).Create(event).Error; err != nil {
			return err
		}

		var updated MessageEntity
		if err := r.Write(ctx).Where("id = ?", id).Take(&updated).Error; err != nil {
			return err
		}
		out = toMessageModel(&updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAttempt bumps the dispatch attempt counter of a still-QUEUED message.
func (r *MessageRepository) RecordAttempt(ctx context.Context, id string, attempts int) error {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(model.MessageStatusQueued)).
		Updates(map[string]interface{}{"attempts": attempts, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	q := r.Read(ctx).Model(&MessageEntity{})

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.SenderID != nil && *f.SenderID != "" {
		q = q.Where("sender_id = ?", *f.SenderID)
	}
	if f.Recipient != nil && *f.Recipient != "" {
		q = q.Where("recipient = ?", *f.Recipient)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at ASC"
	if f.Desc {
		order = "created_at DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*MessageEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toMessageModels(entities), total, nil
}

// ListStale returns messages sitting in status whose last change is older
// than olderThan, oldest first.
func (r *MessageRepository) ListStale(ctx context.Context, status model.MessageStatus, olderThan time.Time, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*MessageEntity
	err := r.Read(ctx).
		Where("status = ? AND updated_at < ?", string(status), olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

func (r *MessageRepository) CountStale(ctx context.Context, status model.MessageStatus, olderThan time.Time) (int64, error) {
	var n int64
	err := r.Read(ctx).Model(&MessageEntity{}).
		Where("status = ? AND updated_at < ?", string(status), olderThan).
		Count(&n).Error
	return n, err
}

// Touch advances updated_at of a message still in status without changing it.
func (r *MessageRepository) Touch(ctx context.Context, id string, status model.MessageStatus) error {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(status)).
		Update("updated_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// Events returns the audit trail of a message in the order it happened.
func (r *MessageRepository) Events(ctx context.Context, id string) ([]*model.MessageEvent, error) {
	var entities []*MessageEventEntity
	if err := r.Read(ctx).Where("message_id = ?", id).Order("id ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	events := make([]*model.MessageEvent, len(entities))
	for i, e := range entities {
		events[i] = toMessageEventModel(e)
	}
	return events, nil
}

func containsStatus(set []model.MessageStatus, s model.MessageStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

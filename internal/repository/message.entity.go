package repository

import (
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
)

type MessageEntity struct {
	ID                string     `gorm:"primaryKey;column:id;type:uuid"`
	IdempotencyKey    string     `gorm:"column:idempotency_key;not null;uniqueIndex:ux_messages_idempotency_key"`
	SenderID          string     `gorm:"column:sender_id;not null;index"`
	Recipient         string     `gorm:"column:recipient;not null;index"`
	Text              string     `gorm:"column:text;not null"`
	Status            string     `gorm:"column:status;not null;index:ix_messages_status_updated_at,priority:1"`
	ProviderReference *string    `gorm:"column:provider_reference;uniqueIndex:ux_messages_provider_reference"`
	FailureReason     *string    `gorm:"column:failure_reason"`
	Attempts          int        `gorm:"column:attempts;not null;default:0"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;index"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null;index:ix_messages_status_updated_at,priority:2"`
	SentAt            *time.Time `gorm:"column:sent_at"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

type MessageEventEntity struct {
	ID         int64     `gorm:"primaryKey;autoIncrement;column:id"`
	MessageID  string    `gorm:"column:message_id;not null;index;type:uuid"`
	FromStatus string    `gorm:"column:from_status;not null"`
	ToStatus   string    `gorm:"column:to_status;not null"`
	Reason     string    `gorm:"column:reason"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (MessageEventEntity) TableName() string {
	return "message_events"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	return &MessageEntity{
		ID:                m.ID,
		IdempotencyKey:    m.IdempotencyKey,
		SenderID:          m.SenderID,
		Recipient:         m.Recipient,
		Text:              m.Text,
		Status:            string(m.Status),
		ProviderReference: m.ProviderReference,
		FailureReason:     m.FailureReason,
		Attempts:          m.Attempts,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:                e.ID,
		IdempotencyKey:    e.IdempotencyKey,
		SenderID:          e.SenderID,
		Recipient:         e.Recipient,
		Text:              e.Text,
		Status:            model.MessageStatus(e.Status),
		ProviderReference: e.ProviderReference,
		FailureReason:     e.FailureReason,
		Attempts:          e.Attempts,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}

func toMessageEventModel(e *MessageEventEntity) *model.MessageEvent {
	return &model.MessageEvent{
		ID:         e.ID,
		MessageID:  e.MessageID,
		FromStatus: model.MessageStatus(e.FromStatus),
		ToStatus:   model.MessageStatus(e.ToStatus),
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt,
	}
}

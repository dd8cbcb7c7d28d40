package repository

import (
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
)

type DeliveryReportEntity struct {
	ID                int64     `gorm:"primaryKey;autoIncrement;column:id"`
	MessageID         string    `gorm:"column:message_id;not null;index;type:uuid"`
	ProviderReference string    `gorm:"column:provider_reference;not null;index"`
	ProviderStatus    string    `gorm:"column:provider_status;not null"`
	MappedStatus      string    `gorm:"column:mapped_status;not null"`
	Applied           bool      `gorm:"column:applied;not null"`
	ReceivedAt        time.Time `gorm:"column:received_at;not null"`
}

func (DeliveryReportEntity) TableName() string {
	return "delivery_reports"
}

func toDeliveryReportEntity(m *model.DeliveryReport) *DeliveryReportEntity {
	if m == nil {
		return nil
	}
	return &DeliveryReportEntity{
		ID:                m.ID,
		MessageID:         m.MessageID,
		ProviderReference: m.ProviderReference,
		ProviderStatus:    m.ProviderStatus,
		MappedStatus:      string(m.MappedStatus),
		Applied:           m.Applied,
		ReceivedAt:        m.ReceivedAt,
	}
}

func toDeliveryReportModel(e *DeliveryReportEntity) *model.DeliveryReport {
	if e == nil {
		return nil
	}
	return &model.DeliveryReport{
		ID:                e.ID,
		MessageID:         e.MessageID,
		ProviderReference: e.ProviderReference,
		ProviderStatus:    e.ProviderStatus,
		MappedStatus:      model.MessageStatus(e.MappedStatus),
		Applied:           e.Applied,
		ReceivedAt:        e.ReceivedAt,
	}
}

func toDeliveryReportModels(entities []*DeliveryReportEntity) []*model.DeliveryReport {
	models := make([]*model.DeliveryReport, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryReportModel(e)
	}
	return models
}

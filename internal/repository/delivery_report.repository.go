package repository

import (
	"context"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/pkg/pg"
)

type DeliveryReportRepository struct {
	*pg.DB
}

func NewDeliveryReportRepository(db *pg.DB) *DeliveryReportRepository {
	return &DeliveryReportRepository{db}
}

func (r *DeliveryReportRepository) Create(ctx context.Context, dr *model.DeliveryReport) (*model.DeliveryReport, error) {
	entity := toDeliveryReportEntity(dr)
	if entity.ReceivedAt.IsZero() {
		entity.ReceivedAt = time.Now().UTC()
	}
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toDeliveryReportModel(entity), nil
}

// ListByMessage returns the receipts recorded for a message, oldest first.
func (r *DeliveryReportRepository) ListByMessage(ctx context.Context, messageID string) ([]*model.DeliveryReport, error) {
	var entities []*DeliveryReportEntity
	err := r.Read(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryReportModels(entities), nil
}

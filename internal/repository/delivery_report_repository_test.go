package repository_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryReportRepository_CreateAndList(t *testing.T) {
	db, _ := repotest.NewTestDB(t)
	repo := repository.NewDeliveryReportRepository(db)
	ctx := context.Background()
	messageID := uuid.NewString()

	first, err := repo.Create(ctx, &model.DeliveryReport{
		MessageID:         messageID,
		ProviderReference: "ref-1",
		ProviderStatus:    "DELIVRD",
		MappedStatus:      model.MessageStatusDelivered,
		Applied:           true,
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.False(t, first.ReceivedAt.IsZero())

	_, err = repo.Create(ctx, &model.DeliveryReport{
		MessageID:         messageID,
		ProviderReference: "ref-1",
		ProviderStatus:    "DELIVERED",
		MappedStatus:      model.MessageStatusDelivered,
		Applied:           false,
	})
	require.NoError(t, err)

	reports, err := repo.ListByMessage(ctx, messageID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Applied)
	assert.False(t, reports[1].Applied)
	assert.Equal(t, "DELIVRD", reports[0].ProviderStatus)

	none, err := repo.ListByMessage(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeliveryReportRepository_SharesTransactionWithMessages(t *testing.T) {
	db, _ := repotest.NewTestDB(t)
	messages := repository.NewMessageRepository(db)
	reports := repository.NewDeliveryReportRepository(db)
	ctx := context.Background()

	created, err := messages.Create(ctx, newMessage("send_msg:tx"))
	require.NoError(t, err)

	err = db.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := reports.Create(ctx, &model.DeliveryReport{
			MessageID:         created.ID,
			ProviderReference: "ref-tx",
			ProviderStatus:    "DELIVERED",
			MappedStatus:      model.MessageStatusDelivered,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	list, err := reports.ListByMessage(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, list, "rolled back with the transaction")
}

package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "webhook-secret"

type env struct {
	messages *repository.MessageRepository
	reports  *repository.DeliveryReportRepository
	rec      *Reconciler
}

func newEnv(t *testing.T) *env {
	db, _ := repotest.NewTestDB(t)
	e := &env{
		messages: repository.NewMessageRepository(db),
		reports:  repository.NewDeliveryReportRepository(db),
	}
	e.rec = New(secret, e.messages, e.reports)
	return e
}

func (e *env) sentMessage(t *testing.T, ref string) *model.Message {
	ctx := context.Background()
	msg, err := e.messages.Create(ctx, &model.Message{
		ID:             uuid.NewString(),
		IdempotencyKey: "send_msg:" + uuid.NewString(),
		SenderID:       "ACME",
		Recipient:      "+15551234567",
		Text:           "hi",
	})
	require.NoError(t, err)

	now := time.Now()
	msg, err = e.messages.Transition(ctx, msg.ID, []model.MessageStatus{model.MessageStatusQueued}, model.MessageStatusSent, model.TransitionFields{
		ProviderReference: &ref,
		SentAt:            &now,
	})
	require.NoError(t, err)
	return msg
}

func signed(t *testing.T, ref, status string) ([]byte, string) {
	body, err := json.Marshal(Payload{ProviderReference: ref, Status: status})
	require.NoError(t, err)
	return body, Sign([]byte(secret), body)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw     string
		want    model.MessageStatus
		interim bool
		err     bool
	}{
		{raw: "DELIVERED", want: model.MessageStatusDelivered},
		{raw: "delivrd", want: model.MessageStatusDelivered},
		{raw: "FAILED", want: model.MessageStatusUndelivered},
		{raw: "EXPIRED", want: model.MessageStatusUndelivered},
		{raw: "UNDELIV", want: model.MessageStatusUndelivered},
		{raw: "REJECTD", want: model.MessageStatusUndelivered},
		{raw: "ENROUTE", interim: true},
		{raw: "accepted", interim: true},
		{raw: "TELEPORTED", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, interim, err := MapStatus(tt.raw)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnknownStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.interim, interim)
		})
	}
}

func TestReconcile_Delivered(t *testing.T) {
	e := newEnv(t)
	msg := e.sentMessage(t, "ref-1")
	ctx := context.Background()

	body, sig := signed(t, "ref-1", "DELIVERED")
	outcome, err := e.rec.Reconcile(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	reports, err := e.reports.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Applied)
	assert.Equal(t, "DELIVERED", reports[0].ProviderStatus)

	t.Run("replay is a duplicate", func(t *testing.T) {
		outcome, err := e.rec.Reconcile(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, Duplicate, outcome)

		reports, err := e.reports.ListByMessage(ctx, msg.ID)
		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.False(t, reports[1].Applied)
	})

	t.Run("later failure receipt does not regress", func(t *testing.T) {
		body, sig := signed(t, "ref-1", "FAILED")
		outcome, err := e.rec.Reconcile(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, Duplicate, outcome)

		got, err := e.messages.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStatusDelivered, got.Status)
	})
}

func TestReconcile_Undelivered(t *testing.T) {
	e := newEnv(t)
	msg := e.sentMessage(t, "ref-2")

	body, sig := signed(t, "ref-2", "EXPIRED")
	outcome, err := e.rec.Reconcile(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	got, err := e.messages.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusUndelivered, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Nil(t, got.DeliveredAt)
}

func TestReconcile_Rejections(t *testing.T) {
	e := newEnv(t)
	msg := e.sentMessage(t, "ref-3")
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		body, _ := signed(t, "ref-3", "DELIVERED")
		_, err := e.rec.Reconcile(ctx, body, "deadbeef")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing signature", func(t *testing.T) {
		body, _ := signed(t, "ref-3", "DELIVERED")
		_, err := e.rec.Reconcile(ctx, body, "")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("signature over different body", func(t *testing.T) {
		_, sig := signed(t, "ref-3", "FAILED")
		body, _ := signed(t, "ref-3", "DELIVERED")
		_, err := e.rec.Reconcile(ctx, body, sig)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("missing fields", func(t *testing.T) {
		body := []byte(`{"status":"DELIVERED"}`)
		_, err := e.rec.Reconcile(ctx, body, Sign([]byte(secret), body))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("not json", func(t *testing.T) {
		body := []byte(`status=DELIVERED`)
		_, err := e.rec.Reconcile(ctx, body, Sign([]byte(secret), body))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("unknown status", func(t *testing.T) {
		body, sig := signed(t, "ref-3", "TELEPORTED")
		_, err := e.rec.Reconcile(ctx, body, sig)
		assert.ErrorIs(t, err, ErrUnknownStatus)
	})

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, got.Status)

	reports, err := e.reports.ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestReconcile_InterimAndUnknownReference(t *testing.T) {
	e := newEnv(t)
	msg := e.sentMessage(t, "ref-4")
	ctx := context.Background()

	body, sig := signed(t, "ref-4", "ENROUTE")
	outcome, err := e.rec.Reconcile(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, Ignored, outcome)

	body, sig = signed(t, "no-such-ref", "DELIVERED")
	outcome, err = e.rec.Reconcile(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, got.Status)
}

func TestVerify_EmptySecretRejectsEverything(t *testing.T) {
	rec := New("", nil, nil)
	body := []byte(`{}`)
	assert.False(t, rec.Verify(body, Sign(nil, body)))
}

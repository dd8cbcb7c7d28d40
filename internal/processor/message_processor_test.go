package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	gateway "github.com/nimasrn/sms-dispatch/internal/gateways"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/internal/repository/repotest"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, req gateway.SendRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) PublishJSONAt(ctx context.Context, data interface{}, metadata map[string]string, at time.Time) error {
	args := m.Called(ctx, data, metadata, at)
	return args.Error(0)
}

type fixture struct {
	repo      *repository.MessageRepository
	sender    *MockSender
	scheduler *MockScheduler
	lock      *DispatchLock
	proc      *SMSDispatchProcessor
	mr        *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	db, _ := repotest.NewTestDB(t)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		repo:      repository.NewMessageRepository(db),
		sender:    new(MockSender),
		scheduler: new(MockScheduler),
		mr:        mr,
	}
	f.lock = NewDispatchLock(redis.NewFromClient(client, ""), DefaultLockConfig())
	f.proc = NewSMSDispatchProcessor(f.repo, f.sender, f.scheduler, f.lock, DispatchConfig{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
		SendTimeout: time.Second,
	})
	return f
}

func (f *fixture) queued(t *testing.T) *model.Message {
	msg, err := f.repo.Create(context.Background(), &model.Message{
		ID:             uuid.NewString(),
		IdempotencyKey: "send_msg:" + uuid.NewString(),
		SenderID:       "ACME",
		Recipient:      "+15551234567",
		Text:           "hello",
	})
	require.NoError(t, err)
	return msg
}

func jobEntry(t *testing.T, id string) *queue.Message {
	data, err := json.Marshal(model.DispatchJob{MessageID: id})
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data, Deliveries: 1}
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(r gateway.SendRequest) bool {
		return r.MessageID == msg.ID && r.Recipient == msg.Recipient && r.Text == msg.Text
	})).Return("ref-1", nil).Once()

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))

	got, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusSent, got.Status)
	require.NotNil(t, got.ProviderReference)
	assert.Equal(t, "ref-1", *got.ProviderReference)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, 1, got.Attempts)
	f.sender.AssertExpectations(t)
	f.scheduler.AssertNotCalled(t, "PublishJSONAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	t.Run("redelivered job does not send again", func(t *testing.T) {
		require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))
		f.sender.AssertNumberOfCalls(t, "Send", 1)
	})
}

func TestProcess_TransientErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)

	f.sender.On("Send", mock.Anything, mock.Anything).
		Return("", gateway.ClassifyHTTPError(503, "busy")).Once()
	f.scheduler.On("PublishJSONAt", mock.Anything,
		model.DispatchJob{MessageID: msg.ID, Attempt: 1},
		mock.Anything,
		mock.MatchedBy(func(at time.Time) bool { return at.After(time.Now()) }),
	).Return(nil).Once()

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))

	got, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	f.scheduler.AssertExpectations(t)
}

func TestProcess_CircuitOpenDoesNotSpendAttempt(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)
	start := time.Now()

	f.sender.On("Send", mock.Anything, mock.Anything).Return("", &gateway.ProviderError{
		Message:    "circuit open",
		Err:        gateway.ErrCircuitOpen,
		RetryAfter: 30 * time.Second,
	}).Times(5)
	f.scheduler.On("PublishJSONAt", mock.Anything,
		model.DispatchJob{MessageID: msg.ID, Attempt: 0},
		mock.Anything,
		mock.MatchedBy(func(at time.Time) bool { return !at.Before(start.Add(30 * time.Second)) }),
	).Return(nil).Times(5)

	// more refusals than MaxAttempts allows
	for i := 0; i < 5; i++ {
		require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))
	}

	got, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	f.scheduler.AssertExpectations(t)
}

func TestProcess_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)
	require.NoError(t, f.repo.RecordAttempt(context.Background(), msg.ID, 2))

	f.sender.On("Send", mock.Anything, mock.Anything).
		Return("", gateway.ClassifyHTTPError(500, "boom")).Once()

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))

	got, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "boom")
	f.scheduler.AssertNotCalled(t, "PublishJSONAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)

	f.sender.On("Send", mock.Anything, mock.Anything).
		Return("", gateway.ClassifyHTTPError(400, "bad number")).Once()

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))

	got, err := f.repo.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusFailed, got.Status)
	assert.Nil(t, got.ProviderReference)
}

func TestProcess_LockHeld(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)

	lease, err := f.lock.Acquire(context.Background(), msg.ID)
	require.NoError(t, err)

	err = f.proc.Process(context.Background(), jobEntry(t, msg.ID))
	assert.ErrorIs(t, err, ErrLockHeld)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)

	require.NoError(t, f.lock.Release(context.Background(), lease))
}

func TestProcess_ThrottledBeforeLockAndAttempt(t *testing.T) {
	f := newFixture(t)
	first, second := f.queued(t), f.queued(t)
	f.sender.On("Send", mock.Anything, mock.Anything).Return("ref-t", nil).Once()

	client := goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	th := NewThrottle(redis.NewFromClient(client, ""), "", 1)
	frozen := time.Now().Truncate(time.Second)
	th.now = func() time.Time { return frozen }
	f.proc.WithThrottle(th)

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, first.ID)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.proc.Process(ctx, jobEntry(t, second.ID))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.sender.AssertNumberOfCalls(t, "Send", 1)
	assert.False(t, f.mr.Exists(DefaultLockConfig().KeyPrefix+second.ID))
	got, err := f.repo.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestProcess_ReleasesLock(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)
	f.sender.On("Send", mock.Anything, mock.Anything).Return("ref-x", nil)

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, msg.ID)))
	assert.False(t, f.mr.Exists(DefaultLockConfig().KeyPrefix+msg.ID))
}

func TestProcess_UnknownMessageIsDropped(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.proc.Process(context.Background(), jobEntry(t, uuid.NewString())))
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestProcess_MalformedJob(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Process(context.Background(), &queue.Message{ID: "1-0", Data: []byte("{nope")})
	assert.Error(t, err)
}

func TestProcess_StoreErrorLeavesEntryPending(t *testing.T) {
	f := newFixture(t)
	msg := f.queued(t)
	store := &failingStore{MessageStore: f.repo, err: errors.New("db down")}
	proc := NewSMSDispatchProcessor(store, f.sender, f.scheduler, f.lock, DispatchConfig{})

	err := proc.Process(context.Background(), jobEntry(t, msg.ID))
	assert.Error(t, err)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

type failingStore struct {
	MessageStore
	err error
}

func (s *failingStore) Get(ctx context.Context, id string) (*model.Message, error) {
	return nil, s.err
}

func TestBackoff(t *testing.T) {
	p := NewSMSDispatchProcessor(nil, nil, nil, nil, DispatchConfig{
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Second,
	})

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(20))
}

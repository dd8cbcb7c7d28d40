package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
)

var (
	ErrLockHeld          = errors.New("dispatch lock held by another worker")
	ErrLockAcquireFailed = errors.New("failed to acquire dispatch lock")
)

type LockConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:       30 * time.Second,
		KeyPrefix: "dispatch:lock:",
	}
}

// DispatchLock keeps at most one active provider call per message id.
type DispatchLock struct {
	redis  redis.RedisAdapter
	config LockConfig
}

func NewDispatchLock(adapter redis.RedisAdapter, config LockConfig) *DispatchLock {
	def := DefaultLockConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	return &DispatchLock{redis: adapter, config: config}
}

type Lease struct {
	MessageID string
	key       string
	token     []byte
	released  bool
}

func (l *DispatchLock) Acquire(ctx context.Context, messageID string) (*Lease, error) {
	key := l.config.KeyPrefix + messageID
	token := []byte(uuid.NewString())

	ok, err := l.redis.SetNX(ctx, key, token, l.config.TTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	logger.Debug("dispatch lock acquired", "message_id", messageID, "ttl", l.config.TTL)
	return &Lease{MessageID: messageID, key: key, token: token}, nil
}

// Release drops the lease unless it already expired and was taken by someone else.
func (l *DispatchLock) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.released {
		return nil
	}
	lease.released = true

	ok, err := l.redis.DelIfEqual(ctx, lease.key, lease.token)
	if err != nil {
		logger.Warn("failed to release dispatch lock", "message_id", lease.MessageID, "error", err)
		return err
	}
	if !ok {
		logger.Warn("dispatch lock expired before release", "message_id", lease.MessageID)
	}
	return nil
}

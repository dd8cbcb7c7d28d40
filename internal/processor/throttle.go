package processor

import (
	"context"
	"strconv"
	"time"

	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
)

const DefaultThrottleKey = "dispatch:rate:"

// Throttle caps provider calls per wall-clock second across every processor
// sharing the same Redis.
type Throttle struct {
	redis     redis.RedisAdapter
	key       string
	perSecond int64
	now       func() time.Time
}

// NewThrottle returns a throttle allowing perSecond dispatches. A limit of zero
// or less disables it.
func NewThrottle(adapter redis.RedisAdapter, key string, perSecond int) *Throttle {
	if key == "" {
		key = DefaultThrottleKey
	}
	return &Throttle{redis: adapter, key: key, perSecond: int64(perSecond), now: time.Now}
}

// Wait blocks until a slot in the current second is free or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.perSecond <= 0 {
		return nil
	}
	for {
		now := t.now()
		n, err := t.redis.Incr(ctx, t.key+strconv.FormatInt(now.Unix(), 10), 2*time.Second)
		if err != nil {
			return err
		}
		if n <= t.perSecond {
			return nil
		}

		wait := now.Truncate(time.Second).Add(time.Second).Sub(now)
		logger.Debug("dispatch rate reached, waiting", "wait", wait, "limit", t.perSecond)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

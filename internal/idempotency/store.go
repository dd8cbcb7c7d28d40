// Package idempotency memoizes send request outcomes by client key so that
// retries of the same request observe the original result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
)

var (
	// ErrStoreUnavailable wraps any backend failure. Callers must fail closed.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
	ErrNotReserved      = errors.New("reservation not held")
)

type State int

const (
	// Fresh means the caller now owns the key and must Complete or Release it.
	Fresh State = iota
	InFlight
	Completed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	}
	return "unknown"
}

type Reservation struct {
	Key    string
	State  State
	Result *model.IntakeResult
	token  string
}

type Config struct {
	KeyPrefix   string
	TTL         time.Duration // retention of completed results
	InflightTTL time.Duration // how long an abandoned reservation blocks the key
	PollEvery   time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "idem:",
		TTL:         24 * time.Hour,
		InflightTTL: 30 * time.Second,
		PollEvery:   50 * time.Millisecond,
	}
}

type record struct {
	State  string              `json:"state"`
	Token  string              `json:"token,omitempty"`
	Result *model.IntakeResult `json:"result,omitempty"`
}

const (
	recordInFlight  = "in_flight"
	recordCompleted = "completed"
)

type Store struct {
	redis  redis.RedisAdapter
	config Config
}

func NewStore(adapter redis.RedisAdapter, config Config) *Store {
	def := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.InflightTTL <= 0 {
		config.InflightTTL = def.InflightTTL
	}
	if config.PollEvery <= 0 {
		config.PollEvery = def.PollEvery
	}
	return &Store{redis: adapter, config: config}
}

func (s *Store) redisKey(key string) string {
	return s.config.KeyPrefix + key
}

func inflightMarker(token string) []byte {
	b, _ := json.Marshal(record{State: recordInFlight, Token: token})
	return b
}

// Reserve atomically claims key. Exactly one concurrent caller gets Fresh; the
// rest see InFlight until the owner completes, then Completed with the result.
func (s *Store) Reserve(ctx context.Context, key string) (*Reservation, error) {
	token := uuid.NewString()
	for i := 0; i < 3; i++ {
		ok, err := s.redis.SetNX(ctx, s.redisKey(key), inflightMarker(token), s.config.InflightTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if ok {
			return &Reservation{Key: key, State: Fresh, token: token}, nil
		}

		res, err := s.Lookup(ctx, key)
		if errors.Is(err, ErrNotReserved) {
			continue // expired between SETNX and GET
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: key keeps flapping", ErrStoreUnavailable)
}

// Lookup reads the current state of key without claiming it.
func (s *Store) Lookup(ctx context.Context, key string) (*Reservation, error) {
	raw, err := s.redis.Get(ctx, s.redisKey(key))
	if errors.Is(err, redis.NilError) {
		return nil, ErrNotReserved
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record for %q: %v", ErrStoreUnavailable, key, err)
	}
	if rec.State == recordCompleted && rec.Result != nil {
		return &Reservation{Key: key, State: Completed, Result: rec.Result}, nil
	}
	return &Reservation{Key: key, State: InFlight}, nil
}

// Wait polls key until it completes, the reservation disappears or maxWait
// passes. It returns the last observed reservation.
func (s *Store) Wait(ctx context.Context, key string, maxWait time.Duration) (*Reservation, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.config.PollEvery)
	defer tick.Stop()

	last := &Reservation{Key: key, State: InFlight}
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, nil
		case <-tick.C:
			res, err := s.Lookup(ctx, key)
			if errors.Is(err, ErrNotReserved) {
				// owner released; let the caller try to reserve again
				return nil, ErrNotReserved
			}
			if err != nil {
				return nil, err
			}
			last = res
			if res.State == Completed {
				return res, nil
			}
		}
	}
}

// Complete stores the final outcome for the retention window.
func (s *Store) Complete(ctx context.Context, r *Reservation, result *model.IntakeResult) error {
	if r == nil || r.State != Fresh {
		return ErrNotReserved
	}
	b, err := json.Marshal(record{State: recordCompleted, Result: result})
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.redisKey(r.Key), b, s.config.TTL); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	r.State = Completed
	r.Result = result
	return nil
}

// Release drops a reservation that never produced an outcome so the client
// can retry with the same key.
func (s *Store) Release(ctx context.Context, r *Reservation) {
	if r == nil || r.State != Fresh {
		return
	}
	if _, err := s.redis.DelIfEqual(ctx, s.redisKey(r.Key), inflightMarker(r.token)); err != nil {
		logger.Warn("idempotency release failed, key stays blocked until ttl", "key", r.Key, "error", err)
	}
}

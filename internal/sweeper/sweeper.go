// Package sweeper periodically repairs and watches message state that no
// event will move forward on its own.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/model"
	"github.com/nimasrn/sms-dispatch/internal/repository"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
)

type MessageStore interface {
	ListStale(ctx context.Context, status model.MessageStatus, olderThan time.Time, limit int) ([]*model.Message, error)
	CountStale(ctx context.Context, status model.MessageStatus, olderThan time.Time) (int64, error)
	Touch(ctx context.Context, id string, status model.MessageStatus) error
}

type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type Config struct {
	Interval    time.Duration
	QueuedAfter time.Duration
	DLRTimeout  time.Duration
	BatchSize   int
	// BackoffMax is the longest delay a scheduled retry can sit out.
	// QueuedAfter is kept above it so waiting retries are never requeued.
	BackoffMax time.Duration
}

type Result struct {
	Requeued   int
	OverdueDLR int64
}

type Sweeper struct {
	store  MessageStore
	queue  Publisher
	config Config
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store MessageStore, queue Publisher, config Config) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.QueuedAfter <= 0 {
		config.QueuedAfter = 10 * time.Minute
	}
	if config.DLRTimeout <= 0 {
		config.DLRTimeout = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BackoffMax > 0 && config.QueuedAfter <= config.BackoffMax {
		raised := config.BackoffMax + config.Interval
		logger.Warn("sweep queued-after does not exceed dispatch backoff, raising it",
			"queued_after", config.QueuedAfter, "backoff_max", config.BackoffMax, "using", raised)
		config.QueuedAfter = raised
	}
	return &Sweeper{store: store, queue: queue, config: config, now: time.Now}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					logger.Error("sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	logger.Info("sweeper started", "interval", s.config.Interval, "queued_after", s.config.QueuedAfter, "dlr_timeout", s.config.DLRTimeout)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs one pass: re-enqueue orphaned QUEUED messages, then count SENT
// messages still waiting for a receipt past the deadline.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	orphans, err := s.store.ListStale(ctx, model.MessageStatusQueued, now.Add(-s.config.QueuedAfter), s.config.BatchSize)
	if err != nil {
		return res, err
	}
	for _, msg := range orphans {
		if err := s.store.Touch(ctx, msg.ID, model.MessageStatusQueued); err != nil {
			if errors.Is(err, repository.ErrStaleTransition) {
				continue
			}
			return res, err
		}
		job := model.DispatchJob{MessageID: msg.ID, Attempt: msg.Attempts}
		if _, err := s.queue.PublishJSON(ctx, job, map[string]string{"type": "dispatch", "source": "sweeper"}); err != nil {
			return res, err
		}
		res.Requeued++
		prom.SweeperRequeued()
		logger.Warn("re-enqueued orphaned message", "message_id", msg.ID, "queued_since", msg.UpdatedAt)
	}

	overdue, err := s.store.CountStale(ctx, model.MessageStatusSent, now.Add(-s.config.DLRTimeout))
	if err != nil {
		return res, err
	}
	res.OverdueDLR = overdue
	prom.OverdueDLR(int(overdue))
	if overdue > 0 {
		logger.Warn("messages waiting past receipt deadline", "count", overdue, "dlr_timeout", s.config.DLRTimeout)
	}
	return res, nil
}

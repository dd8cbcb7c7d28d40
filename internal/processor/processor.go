package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/sms-dispatch/internal/queue"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/prom"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
	"github.com/nimasrn/sms-dispatch/pkg/worker"
)

const ShutdownTimeout = time.Minute

// Processor handles one queue entry; see queue.MessageHandler for the ack contract.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type ServiceConfig struct {
	Queue           queue.QueueConfig
	Consumers       int
	Workers         int
	BufferSize      int
	MetricsInterval time.Duration
	HealthInterval  time.Duration
	LagWarning      int64
}

// ProcessorService runs stream consumers that feed a shared worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager[*job]
}

type job struct {
	ctx    context.Context
	msg    *queue.Message
	result chan error
}

func NewProcessorService(adapter redis.RedisAdapter, processor Processor, config ServiceConfig) *ProcessorService {
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.BufferSize <= 0 {
		config.BufferSize = config.Workers * 4
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 30 * time.Second
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.LagWarning <= 0 {
		config.LagWarning = 10_000
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ProcessorService{
		adapter:   adapter,
		config:    config,
		processor: processor,
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.worker = worker.NewWorkerManager[*job](config.BufferSize, config.Workers, s.workerHandler)
	return s
}

func (s *ProcessorService) Start() error {
	logger.Info("starting processor service", "type", s.processor.GetType())

	s.worker.Start()

	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-%d", qc.ConsumerName, i)
		// one consumer alone can keep every worker busy
		if qc.Concurrency <= 0 {
			qc.Concurrency = s.worker.Size()
		}

		q, err := queue.NewQueue(s.adapter, qc)
		if err != nil {
			return fmt.Errorf("failed to create queue consumer %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("processor service started", "consumers", len(s.queues), "workers", s.worker.Size())
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.Snapshot()
	logger.Info("processor metrics",
		"total_processed", stats.Processed,
		"total_failed", stats.Failed,
		"rate_per_second", stats.RatePerSecond,
		"avg_duration_ms", stats.AvgDurationMs,
		"worker_backlog", s.worker.GetUnreadCount())

	if len(s.queues) == 0 {
		return
	}
	// every consumer reads the same stream, one lookup is enough
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	qs, err := s.queues[0].GetStats(ctx)
	if err != nil {
		logger.Warn("queue stats unavailable", "error", err)
		return
	}
	prom.QueueDepth("stream", qs.TotalMessages)
	prom.QueueDepth("pending", qs.PendingMessages)
	prom.QueueDepth("delayed", qs.DelayedMessages)
	prom.QueueDepth("dead_letter", qs.DeadLetters)
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return
	}
	if len(s.queues) == 0 {
		return
	}
	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		logger.Warn("health check: queue stats unavailable", "error", err)
		return
	}
	if stats.PendingMessages > s.config.LagWarning {
		logger.Warn("health check: dispatch queue lagging", "pending_messages", stats.PendingMessages)
	}
}

// Stop drains consumers, then workers, then background loops.
func (s *ProcessorService) Stop() {
	logger.Info("shutting down processor service")

	var qwg sync.WaitGroup
	for i, q := range s.queues {
		qwg.Add(1)
		go func(index int, q *queue.Queue) {
			defer qwg.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("error stopping consumer", "consumer", index, "error", err)
			}
		}(i, q)
	}
	qwg.Wait()

	s.worker.Exit()
	s.cancel()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("processor service stopped")
}

// messageHandler hands the entry to the worker pool and waits for its result
// so the queue acks only after processing finished. The queue runs one call
// per in-flight entry, so waiting here does not hold up other entries.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	j := &job{ctx: ctx, msg: msg, result: make(chan error, 1)}

	if err := s.worker.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("worker pool unavailable: %w", err)
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for worker: %w", ctx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, j *job) {
	if j.ctx.Err() != nil {
		logger.Warn("job expired before processing", "worker", workerIndex, "entry", j.msg.ID)
		j.result <- j.ctx.Err()
		return
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
		logger.Error("failed to process entry", "worker", workerIndex, "entry", j.msg.ID, "deliveries", j.msg.Deliveries, "error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}
	// buffered, never blocks
	j.result <- err
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

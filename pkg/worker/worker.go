package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/sms-dispatch/pkg/logger"
)

var ErrStopped = errors.New("worker manager stopped")

type WorkerHandler[T any] func(workerIndex int, job T)

// WorkerManager fans jobs out to a fixed number of goroutines. Enqueue blocks
// when the buffer is full, which gives callers natural backpressure.
type WorkerManager[T any] struct {
	jobs           chan T
	numberOfWorker int
	do             WorkerHandler[T]
	quit           chan struct{}
	once           sync.Once
	waiter         sync.WaitGroup
}

func NewWorkerManager[T any](bufferSize, numberOfWorkers int, do WorkerHandler[T]) *WorkerManager[T] {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager[T]{
		jobs:           make(chan T, bufferSize),
		numberOfWorker: numberOfWorkers,
		do:             do,
		quit:           make(chan struct{}),
	}
}

func (w *WorkerManager[T]) GetUnreadCount() int64 {
	return int64(len(w.jobs))
}

func (w *WorkerManager[T]) Size() int {
	return w.numberOfWorker
}

// Enqueue hands job to the pool, giving up when ctx ends or the pool exits.
func (w *WorkerManager[T]) Enqueue(ctx context.Context, job T) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrStopped
	}
}

// Start launches the workers and returns immediately.
func (w *WorkerManager[T]) Start() {
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobs:
					w.do(index, job)
				case <-w.quit:
					return
				}
			}
		}(i)
	}
}

// Exit stops every worker after its current job and waits for them.
func (w *WorkerManager[T]) Exit() {
	w.once.Do(func() {
		logger.Info("worker manager shutting down", "workers", w.numberOfWorker, "unread", len(w.jobs))
		close(w.quit)
	})
	w.waiter.Wait()
}

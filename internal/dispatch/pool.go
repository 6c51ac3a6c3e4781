// Package dispatch runs post-confirmation side effects off the request path.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Job struct {
	Name      string
	BookingID string
	Run       func(ctx context.Context) error
}

type Dispatcher interface {
	Submit(job Job)
}

type Config struct {
	MaxWorkers   int
	JobQueueSize int
	JobTimeout   time.Duration
}

type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.WorkerPool <- w.JobChannel

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing job", "worker_id", w.ID, "job", job.Name, "booking_id", job.BookingID)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Pool hands jobs to a fixed set of workers. A job that finds the queue full,
// or the pool shut down, runs on the caller's goroutine instead of being lost.
type Pool struct {
	logger     *slog.Logger
	jobTimeout time.Duration

	jobQueue   chan Job
	workerPool chan chan Job
	maxWorkers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(config Config, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	jobQueueSize := config.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}

	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	p := &Pool{
		logger:     logger,
		jobTimeout: jobTimeout,
		maxWorkers: maxWorkers,
		jobQueue:   make(chan Job, jobQueueSize),
		workerPool: make(chan chan Job, maxWorkers),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.start()
	return p
}

func (p *Pool) start() {
	for i := 0; i < p.maxWorkers; i++ {
		worker := NewWorker(i, p.workerPool, p.logger)
		worker.Start(p.ctx, &p.wg, p.run)
	}

	p.wg.Add(1)
	go p.dispatch()

	p.logger.Info("side effect worker pool started",
		"max_workers", p.maxWorkers,
		"queue_size", cap(p.jobQueue))
}

// dispatch drains the queue even after Shutdown closes it, then stops the
// workers.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	defer p.cancel()

	for job := range p.jobQueue {
		jobChannel := <-p.workerPool
		jobChannel <- job
	}
	p.logger.Info("dispatcher shutting down")
}

func (p *Pool) Submit(job Job) {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.jobQueue <- job:
			p.mu.RUnlock()
			return
		default:
			p.logger.Warn("side effect queue full, running inline",
				"job", job.Name,
				"booking_id", job.BookingID,
				"queue_capacity", cap(p.jobQueue))
		}
	}
	p.mu.RUnlock()
	p.run(job)
}

func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}

func (p *Pool) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	defer cancel()
	runJob(ctx, p.logger, job)
}

// Shutdown stops accepting queued work and waits for everything already
// queued to finish, or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobQueue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("side effect worker pool shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// Inline runs every job synchronously.
type Inline struct {
	Logger  *slog.Logger
	Timeout time.Duration
}

func (d Inline) Submit(job Job) {
	ctx := context.Background()
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	runJob(ctx, d.Logger, job)
}

func runJob(ctx context.Context, logger *slog.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("side effect job panicked", "job", job.Name, "booking_id", job.BookingID, "panic", r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		logger.Error("side effect job failed", "job", job.Name, "booking_id", job.BookingID, "error", err)
	}
}

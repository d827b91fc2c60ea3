package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"golang.org/x/sync/semaphore"
)

// Options configures a scheduling context
type Options struct {
	// WorkerPoolSize bounds how many blocking calls run at once. Zero means GOMAXPROCS*4.
	WorkerPoolSize int
}

// Context owns every unit goroutine and the bounded pool that blocking calls run on.
// It is created once at startup and torn down at shutdown.
type Context struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   logging.Logger
	pool     *semaphore.Weighted
	poolSize int64

	tasks    sync.WaitGroup
	running  atomic.Int64
	inflight atomic.Int64
}

func New(parent context.Context, options Options, logger logging.Logger) *Context {
	if parent == nil {
		parent = context.Background()
	}
	size := options.WorkerPoolSize
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 4
	}
	ctx, cancel := context.WithCancel(parent)

	logger.Debugf("Scheduling context created, worker_pool_size: %d", size)

	return &Context{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		pool:     semaphore.NewWeighted(int64(size)),
		poolSize: int64(size),
	}
}

// Context returns the root context every unit observes
func (s *Context) Context() context.Context {
	return s.ctx
}

// Done is closed once cancellation has been raised
func (s *Context) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancel raises the process-wide cancellation signal
func (s *Context) Cancel() {
	s.cancel()
}

// Go runs fn as an owned task. fn receives the root context.
func (s *Context) Go(name string, fn func(ctx context.Context)) {
	s.tasks.Add(1)
	s.running.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Task panicked, task: %s, panic: %v", name, r)
			}
		}()
		fn(s.ctx)
	}()
}

// Offload runs a blocking call on the worker pool and waits for it as long as ctx allows.
// If ctx ends first the call keeps its worker until it returns naturally and its
// result is discarded.
func (s *Context) Offload(ctx context.Context, name string, fn func() error) error {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return errors.NewCancelledError(name+" cancelled while waiting for a worker", err)
	}

	done := make(chan error, 1)
	s.inflight.Add(1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.NewInternalError(fmt.Sprintf("%s panicked: %v", name, r), nil)
			}
			s.inflight.Add(-1)
			s.pool.Release(1)
			done <- err
		}()
		err = fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Debugf("Abandoning blocking call, operation: %s, reason: %v", name, ctx.Err())
		return errors.NewCancelledError(name+" abandoned", ctx.Err())
	}
}

// Wait blocks until every task started with Go has returned, or ctx ends
func (s *Context) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError(fmt.Sprintf("%d tasks still running", s.running.Load()), ctx.Err())
	}
}

// Stats reports current load
type Stats struct {
	Tasks          int64
	BlockingCalls  int64
	WorkerPoolSize int64
}

func (s *Context) Stats() Stats {
	return Stats{
		Tasks:          s.running.Load(),
		BlockingCalls:  s.inflight.Load(),
		WorkerPoolSize: s.poolSize,
	}
}

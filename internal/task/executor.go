package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"
)

// Executor runs submitted functions one at a time on a single goroutine.
// Trade and offer state is only mutated from inside an Executor, so code
// running there needs no further locking.
type Executor struct {
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped bool
	done    chan struct{}
}

func NewExecutor(clk clock.Clock, log *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		clock: clk,
		log:   log.With("component", "executor"),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start launches the loop. It stops when ctx is done or Stop is called.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.loop(ctx)
}

// Stop prevents further submissions and waits for the loop to drain what
// was already queued.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	running := e.running
	e.mu.Unlock()
	e.signal()
	if running {
		<-e.done
	}
}

// Execute queues fn. It reports false once the executor was stopped.
func (e *Executor) Execute(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// After queues fn once d has elapsed on the executor's clock. The returned
// func cancels it if it has not fired yet.
func (e *Executor) After(d time.Duration, fn func()) (cancel func()) {
	t := e.clock.AfterFunc(d, func() { e.Execute(fn) })
	return func() { t.Stop() }
}

// Sync runs fn on the executor and waits for it to finish.
func (e *Executor) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.Execute(func() {
		defer close(done)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Clock() clock.Clock {
	return e.clock
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		stopped := e.stopped
		e.mu.Unlock()

		for _, fn := range batch {
			e.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopped = true
			e.mu.Unlock()
			ctx = context.Background()
		case <-e.wake:
		}
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor task panicked", "panic", r)
		}
	}()
	fn()
}

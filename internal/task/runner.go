// Package task sequences protocol steps against a shared model. Tasks run in
// the order added; the first failure ends the sequence.
package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tradenet/internal/faults"
)

var (
	ErrModelBusy      = errors.New("model already driven by another sequence")
	ErrAlreadyStarted = errors.New("runner already started")
)

// inflight tracks models currently driven by a runner, keyed by pointer.
var inflight sync.Map

type Task[M any] struct {
	Name string
	Run  func(step *Step[M])
}

type Runner[M any] struct {
	model      *M
	tasks      []Task[M]
	onComplete func()
	onFault    func(msg string, err error)
	exec       *Executor
	log        *slog.Logger

	mu       sync.Mutex
	started  bool
	finished bool
	current  int
}

// New builds a runner for model. onFault receives a human readable message
// and the underlying error of the failing task.
func New[M any](model *M, onComplete func(), onFault func(msg string, err error)) *Runner[M] {
	return &Runner[M]{
		model:      model,
		onComplete: onComplete,
		onFault:    onFault,
		log:        slog.Default(),
		current:    -1,
	}
}

// OnExecutor makes every task start on exec instead of on the goroutine that
// completed the previous one.
func (r *Runner[M]) OnExecutor(exec *Executor) *Runner[M] {
	r.exec = exec
	return r
}

func (r *Runner[M]) WithLogger(log *slog.Logger) *Runner[M] {
	if log != nil {
		r.log = log
	}
	return r
}

func (r *Runner[M]) AddTasks(tasks ...Task[M]) *Runner[M] {
	r.mu.Lock()
	r.tasks = append(r.tasks, tasks...)
	r.mu.Unlock()
	return r
}

// Run starts the sequence. It returns immediately; completion is reported
// through the callbacks.
func (r *Runner[M]) Run() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	if _, busy := inflight.LoadOrStore(r.model, struct{}{}); busy {
		r.mu.Unlock()
		return ErrModelBusy
	}
	r.started = true
	r.mu.Unlock()
	r.advance(-1)
	return nil
}

// advance moves past task from. Stale or repeated signals are ignored.
func (r *Runner[M]) advance(from int) {
	r.mu.Lock()
	if r.finished || r.current != from {
		r.mu.Unlock()
		return
	}
	next := from + 1
	if next >= len(r.tasks) {
		r.finished = true
		r.mu.Unlock()
		inflight.Delete(r.model)
		if r.onComplete != nil {
			r.onComplete()
		}
		return
	}
	r.current = next
	t := r.tasks[next]
	r.mu.Unlock()

	step := &Step[M]{runner: r, index: next, name: t.Name}
	start := func() { r.runTask(t, step) }
	if r.exec != nil && r.exec.Execute(start) {
		return
	}
	start()
}

func (r *Runner[M]) runTask(t Task[M], step *Step[M]) {
	defer func() {
		if p := recover(); p != nil {
			step.Fail(faults.New(faults.Fatal, fmt.Sprintf("panic: %v", p)))
		}
	}()
	r.log.Debug("task started", "task", t.Name)
	t.Run(step)
}

func (r *Runner[M]) fail(index int, name string, err error) {
	r.mu.Lock()
	if r.finished || r.current != index {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.mu.Unlock()
	inflight.Delete(r.model)
	msg := fmt.Sprintf("%s: %v", name, err)
	r.log.Warn("task failed", "task", name, "err", err)
	if r.onFault != nil {
		r.onFault(msg, err)
	}
}

// Step is the handle a task uses to signal its single outcome.
type Step[M any] struct {
	runner *Runner[M]
	index  int
	name   string
	once   sync.Once
}

func (s *Step[M]) Model() *M {
	return s.runner.model
}

func (s *Step[M]) Name() string {
	return s.name
}

func (s *Step[M]) Complete() {
	s.once.Do(func() { s.runner.advance(s.index) })
}

func (s *Step[M]) Fail(err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	s.once.Do(func() { s.runner.fail(s.index, s.name, err) })
}

func (s *Step[M]) Failf(kind faults.Kind, format string, args ...any) {
	s.Fail(faults.New(kind, fmt.Sprintf(format, args...)))
}

package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradenet/internal/faults"
)

type model struct {
	trace []string
}

func record(name string) Task[model] {
	return Task[model]{Name: name, Run: func(s *Step[model]) {
		s.Model().trace = append(s.Model().trace, name)
		s.Complete()
	}}
}

func TestRunnerOrderAndCompletion(t *testing.T) {
	m := &model{}
	var completed, faulted int
	r := New(m, func() { completed++ }, func(string, error) { faulted++ })
	r.AddTasks(record("a"), record("b"), record("c"))
	require.NoError(t, r.Run())

	require.Equal(t, []string{"a", "b", "c"}, m.trace)
	require.Equal(t, 1, completed)
	require.Equal(t, 0, faulted)
	require.ErrorIs(t, r.Run(), ErrAlreadyStarted)
}

func TestRunnerShortCircuit(t *testing.T) {
	m := &model{}
	var completed int
	var msgs []string
	boom := errors.New("fee tx rejected")
	r := New(m, func() { completed++ }, func(msg string, err error) {
		msgs = append(msgs, msg)
		require.ErrorIs(t, err, boom)
	})
	r.AddTasks(
		record("a"),
		Task[model]{Name: "b", Run: func(s *Step[model]) {
			s.Model().trace = append(s.Model().trace, "b")
			s.Fail(boom)
			s.Complete()
			s.Fail(errors.New("second"))
		}},
		record("c"),
		record("d"),
	)
	require.NoError(t, r.Run())

	require.Equal(t, []string{"a", "b"}, m.trace)
	require.Equal(t, 0, completed)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "fee tx rejected")
}

func TestRunnerPanicBecomesFault(t *testing.T) {
	m := &model{}
	var gotErr error
	r := New(m, nil, func(_ string, err error) { gotErr = err })
	r.AddTasks(Task[model]{Name: "explode", Run: func(*Step[model]) { panic("nil wallet") }}, record("after"))
	require.NoError(t, r.Run())

	require.Equal(t, faults.Fatal, faults.KindOf(gotErr))
	require.Empty(t, m.trace)
}

func TestRunnerModelGuard(t *testing.T) {
	m := &model{}
	var pending *Step[model]
	first := New(m, nil, nil).AddTasks(Task[model]{Name: "wait", Run: func(s *Step[model]) { pending = s }})
	require.NoError(t, first.Run())

	second := New(m, nil, nil).AddTasks(record("x"))
	require.ErrorIs(t, second.Run(), ErrModelBusy)

	pending.Complete()
	third := New(m, nil, nil).AddTasks(record("y"))
	require.NoError(t, third.Run())
	require.Equal(t, []string{"y"}, m.trace)
}

func TestRunnerAsyncOnExecutor(t *testing.T) {
	exec := NewExecutor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx)
	defer exec.Stop()

	m := &model{}
	done := make(chan struct{})
	var calls atomic.Int32
	r := New(m, func() { calls.Add(1); close(done) }, func(string, error) { t.Error("unexpected fault") }).OnExecutor(exec)
	r.AddTasks(
		Task[model]{Name: "async", Run: func(s *Step[model]) {
			go func() {
				time.Sleep(5 * time.Millisecond)
				exec.Execute(func() {
					s.Model().trace = append(s.Model().trace, "async")
					s.Complete()
				})
			}()
		}},
		record("sync"),
	)
	require.NoError(t, r.Run())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sequence did not complete")
	}
	require.EqualValues(t, 1, calls.Load())
	var trace []string
	require.NoError(t, exec.Sync(context.Background(), func() { trace = append(trace, m.trace...) }))
	require.Equal(t, []string{"async", "sync"}, trace)
}

func TestExecutorSerializes(t *testing.T) {
	exec := NewExecutor(nil, nil)
	exec.Start(context.Background())

	var mu sync.Mutex
	active, maxActive, total := 0, 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go exec.Execute(func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			total++
			mu.Unlock()
		})
	}
	wg.Wait()
	exec.Stop()
	require.Equal(t, 1, maxActive)
	require.Equal(t, 50, total)
	require.False(t, exec.Execute(func() {}))
}

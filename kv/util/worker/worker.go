package worker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Task is a unit of work sent to a Worker.
type Task interface{}

// TaskStop tells a Worker to exit its loop.
type TaskStop struct{}

// TaskHandler processes Tasks, one at a time, on the worker goroutine.
type TaskHandler interface {
	Handle(t Task)
}

// Starter is implemented by handlers that need setup on the worker goroutine.
type Starter interface {
	Start()
}

// Worker runs a TaskHandler on its own goroutine, fed from a buffered channel.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const defaultWorkerCapacity = 128

// NewWorker creates a named worker registered on wg. Call Start to run it.
func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

// Ticker invokes a function at a fixed interval on its own goroutine. It is
// the shape shared by the deadlock detector, the vacuum sweeper and the
// checkpointer.
type Ticker struct {
	name     string
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewTicker creates a ticker that will call f every interval once started.
func NewTicker(name string, interval time.Duration) *Ticker {
	return &Ticker{
		name:     name,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs f on the ticker goroutine until Stop is called. A tick that is
// still running when the next one is due delays it; ticks never overlap.
func (t *Ticker) Start(f func()) {
	t.started.Store(true)
	go func() {
		defer close(t.doneCh)
		tick := time.NewTicker(t.interval)
		defer tick.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-tick.C:
				f()
			}
		}
	}()
}

// Stop halts the ticker and waits for an in-flight tick to finish. Safe
// to call on a ticker that was never started.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.started.Load() {
		<-t.doneCh
	}
}

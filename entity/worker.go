package entity

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// worker runs submitted tasks one at a time, in submission order, on a single
// goroutine. Its mailbox is unbounded so submitters never block.
type worker struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	closed  bool
	done    chan struct{}
}

func newWorker(name string) *worker {
	w := &worker{name: name, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// submit enqueues fn. It reports false once the worker has been stopped.
func (w *worker) submit(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, fn)
	w.cond.Signal()
	return true
}

// idle reports whether the mailbox is empty and no task is running.
func (w *worker) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) == 0 && !w.running
}

// stop refuses new tasks, lets queued ones finish and waits for the
// goroutine to exit. It must not be called from a task.
func (w *worker) stop() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.running = true
		w.mu.Unlock()

		w.execute(fn)

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}
}

func (w *worker) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "execute",
				"worker":   w.name,
				"panic":    r,
			}).Error("Task panicked; this is a defect")
		}
	}()
	fn()
}

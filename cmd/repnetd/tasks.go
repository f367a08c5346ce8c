package main

import "sync"

// taskQueue hands work from connection, console and signal goroutines to
// the main goroutine, which runs it between driver ticks.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *taskQueue) post(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, f)
}

// run executes every posted task. Tasks posted while running wait for
// the next call.
func (q *taskQueue) run() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, f := range tasks {
		f()
	}
	return len(tasks)
}

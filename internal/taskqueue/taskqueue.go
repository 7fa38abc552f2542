// Package taskqueue serializes ingestion work sharing a (userId, streamKey)
// key while allowing distinct streams for the same user to run concurrently,
// per the per-user coroutine fairness design note: a thread-pool
// implementation models this as a keyed actor/mailbox rather than a single
// global lock, which is what this package does with one goroutine+channel
// pair per live key.
package taskqueue

import (
	"sync"
)

// Task is one unit of serialized work. Failure is reported through the
// caller-supplied callback rather than propagated — a failing task must not
// poison the chain for subsequent tasks sharing its key.
type Task func()

// Queue dispatches tasks to per-key mailboxes, lazily spinning up a worker
// goroutine for each key on first use. A worker stays alive, idle when its
// mailbox is empty, until Close is called for its key.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	mailbox chan Task
	done    chan struct{}
}

// New constructs an empty keyed task queue.
func New() *Queue {
	return &Queue{workers: make(map[string]*worker)}
}

// key composes the queueing key from userId and an optional streamKey. An
// empty streamKey routes to the user-level queue, distinct from any
// individual stream-level queue for the same user, per §4.5.
func key(userID, streamKey string) string {
	if streamKey == "" {
		return "user:" + userID
	}
	return "user:" + userID + "\x00stream:" + streamKey
}

// Submit enqueues task under (userID, streamKey), starting a worker if none
// is running for that key. Tasks for the same key run strictly in arrival
// order; tasks for distinct keys run concurrently.
func (q *Queue) Submit(userID, streamKey string, task Task) {
	k := key(userID, streamKey)

	q.mu.Lock()
	w, ok := q.workers[k]
	if !ok {
		w = &worker{mailbox: make(chan Task, 256), done: make(chan struct{})}
		q.workers[k] = w
		go q.run(k, w)
	}
	q.mu.Unlock()

	w.mailbox <- task
}

func (q *Queue) run(k string, w *worker) {
	defer close(w.done)
	for task := range w.mailbox {
		runSafely(task)
	}
	_ = k
}

// runSafely invokes task, recovering a panic so one bad task can't take down
// the worker goroutine backing every other queued item for its key.
func runSafely(task Task) {
	defer func() {
		_ = recover()
	}()
	task()
}

// Close stops accepting new submissions for key and waits for its mailbox to
// drain. Intended for tests and graceful shutdown of a single known key;
// most callers simply let workers idle.
func (q *Queue) Close(userID, streamKey string) {
	k := key(userID, streamKey)
	q.mu.Lock()
	w, ok := q.workers[k]
	if ok {
		delete(q.workers, k)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	close(w.mailbox)
	<-w.done
}

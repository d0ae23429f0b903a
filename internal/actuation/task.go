// v0
// internal/actuation/task.go
package actuation

import (
	"context"
	"sync"

	"github.com/hzj1203/BYD/internal/models"
)

// Task is the handle for one dispatched intent. Several intents may share
// a task when they were coalesced.
type Task struct {
	intent     models.Intent
	done       chan struct{}
	superseded chan struct{}
	once       sync.Once

	mu  sync.Mutex
	rec models.Record
	err error
}

func newTask(in models.Intent) *Task {
	return &Task{intent: in, done: make(chan struct{}), superseded: make(chan struct{})}
}

func (t *Task) Intent() models.Intent { return t.intent }

// Done is closed once the terminal record is available.
func (t *Task) Done() <-chan struct{} { return t.done }

// Record returns the latest record; terminal once Done is closed.
func (t *Task) Record() models.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// Err is the terminal error, nil on success or while running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (models.Record, error) {
	select {
	case <-t.done:
		return t.Record(), t.Err()
	case <-ctx.Done():
		return t.Record(), ctx.Err()
	}
}

func (t *Task) setRecord(rec models.Record) {
	t.mu.Lock()
	t.rec = rec
	t.mu.Unlock()
}

func (t *Task) finish(rec models.Record, err error) {
	t.mu.Lock()
	t.rec, t.err = rec, err
	t.mu.Unlock()
	close(t.done)
}

func (t *Task) supersede() {
	t.once.Do(func() { close(t.superseded) })
}

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/funnel-mesh/funnel/internal/task"
)

// ErrDuplicateTask is returned when a task id is already executing.
var ErrDuplicateTask = fmt.Errorf("task id already in flight")

type trackedTask struct {
	state  task.State
	cancel context.CancelFunc
}

// tracker follows tasks from acceptance to completion. Finished tasks
// are dropped immediately; their ids report StateUnknown afterwards, so
// callers cannot distinguish "done" from "never seen". Keeping a
// completed-task history bounded would add eviction policy for little
// gain, since callers hold the result already.
type tracker struct {
	mu    sync.Mutex
	tasks map[string]*trackedTask
}

func newTracker() *tracker {
	return &tracker{tasks: make(map[string]*trackedTask)}
}

// begin registers a pending task. Fails when the id is already in flight.
func (t *tracker) begin(id string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.tasks[id]; exists {
		return ErrDuplicateTask
	}
	t.tasks[id] = &trackedTask{state: task.StatePending, cancel: cancel}
	return nil
}

// setRunning marks a tracked task as executing.
func (t *tracker) setRunning(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tt, ok := t.tasks[id]; ok {
		tt.state = task.StateRunning
	}
}

// end forgets a task. Safe to call for unknown ids.
func (t *tracker) end(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// state reports the live state of a task id.
func (t *tracker) state(id string) task.State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tt, ok := t.tasks[id]; ok {
		return tt.state
	}
	return task.StateUnknown
}

// cancelTask cancels an in-flight task. Returns false for unknown ids.
func (t *tracker) cancelTask(id string) bool {
	t.mu.Lock()
	tt, ok := t.tasks[id]
	t.mu.Unlock()

	if !ok {
		return false
	}
	tt.cancel()
	return true
}

// count returns how many tasks are in flight.
func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
